package mesh

import (
	"sort"
	"sync"
	"time"

	"scmesh/go-core/internal/securestore"
	"scmesh/go-core/pkg/models"
)

// HistoryStore keeps decrypted conversation records, bounded per peer and
// encrypted at rest. Plaintext exists only in memory and inside the
// securestore envelope on disk.
type HistoryStore struct {
	mu      sync.Mutex
	byPeer  map[string][]models.HistoryMessage
	perPeer int
	path    string
	secret  string
}

func NewHistoryStore(path, secret string, perPeer int) *HistoryStore {
	if perPeer <= 0 {
		perPeer = 500
	}
	return &HistoryStore{
		byPeer:  make(map[string][]models.HistoryMessage),
		perPeer: perPeer,
		path:    path,
		secret:  secret,
	}
}

func (h *HistoryStore) Append(msg models.HistoryMessage) error {
	fp := models.NormalizeFingerprint(msg.PeerFingerprint)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	h.mu.Lock()
	records := append(h.byPeer[fp], msg)
	if len(records) > h.perPeer {
		records = append([]models.HistoryMessage(nil), records[len(records)-h.perPeer:]...)
	}
	h.byPeer[fp] = records
	h.mu.Unlock()
	return h.Save()
}

// SetStatus updates the delivery status shown next to an outbound record.
func (h *HistoryStore) SetStatus(peerFingerprint, messageID, status string) error {
	fp := models.NormalizeFingerprint(peerFingerprint)
	h.mu.Lock()
	for i, rec := range h.byPeer[fp] {
		if rec.MessageID == messageID {
			h.byPeer[fp][i].Status = status
		}
	}
	h.mu.Unlock()
	return h.Save()
}

// Conversation returns up to limit newest records for a peer, oldest first.
func (h *HistoryStore) Conversation(peerFingerprint string, limit int) []models.HistoryMessage {
	fp := models.NormalizeFingerprint(peerFingerprint)
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.byPeer[fp]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := append([]models.HistoryMessage(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (h *HistoryStore) Save() error {
	if !securestore.IsStorageConfigured(h.path, h.secret) {
		return nil
	}
	h.mu.Lock()
	snap := make(map[string][]models.HistoryMessage, len(h.byPeer))
	for fp, records := range h.byPeer {
		snap[fp] = append([]models.HistoryMessage(nil), records...)
	}
	h.mu.Unlock()
	return securestore.WriteEncryptedJSON(h.path, h.secret, snap)
}

func (h *HistoryStore) Load() error {
	if !securestore.IsStorageConfigured(h.path, h.secret) {
		return nil
	}
	var snap map[string][]models.HistoryMessage
	if err := securestore.ReadDecryptedJSON(h.path, h.secret, &snap); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for fp, records := range snap {
		h.byPeer[fp] = records
	}
	return nil
}

// Wipe removes in-memory history; used by identity reset.
func (h *HistoryStore) Wipe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byPeer = make(map[string][]models.HistoryMessage)
}
