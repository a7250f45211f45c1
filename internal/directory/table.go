package directory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"scmesh/go-core/internal/identity"
	"scmesh/go-core/internal/securestore"
	"scmesh/go-core/pkg/models"
)

var (
	ErrUnknownPeer = errors.New("peer is not in the directory")
	ErrInvalidCard = errors.New("contact card failed verification")
)

const (
	defaultTransientCap  = 256
	defaultAddressMaxAge = 24 * time.Hour
)

type TableOptions struct {
	TransientCap  int
	AddressMaxAge time.Duration
	SnapshotPath  string
	Secret        string
}

// Table is the peer directory: one record per fingerprint, mutated only
// through its API. Contacts are pinned; transient peers are bounded and the
// oldest-seen are evicted when the cap is hit.
type Table struct {
	mu          sync.RWMutex
	records     map[string]models.PeerRecord
	reliability map[string]*relayStats
	pathHints   map[string]map[string]uint8 // dest -> relay -> observed hops
	opts        TableOptions
	now         func() time.Time
}

type relayStats struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

func (s *relayStats) score() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0.5
	}
	return float64(s.Successes) / float64(total)
}

func NewTable(opts TableOptions) *Table {
	if opts.TransientCap <= 0 {
		opts.TransientCap = defaultTransientCap
	}
	if opts.AddressMaxAge <= 0 {
		opts.AddressMaxAge = defaultAddressMaxAge
	}
	return &Table{
		records:     make(map[string]models.PeerRecord),
		reliability: make(map[string]*relayStats),
		pathHints:   make(map[string]map[string]uint8),
		opts:        opts,
		now:         time.Now,
	}
}

// AddContact verifies the card and pins the peer as a contact.
func (t *Table) AddContact(card models.ContactCard) (models.PeerRecord, error) {
	ok, err := identity.VerifyContactCard(card)
	if err != nil || !ok {
		return models.PeerRecord{}, ErrInvalidCard
	}
	fp := models.NormalizeFingerprint(card.Fingerprint)

	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[fp]
	rec.Fingerprint = fp
	rec.Nickname = card.Nickname
	rec.SigningPublicKey = append([]byte(nil), card.SigningPublicKey...)
	rec.KeyAgreementPublicKey = append([]byte(nil), card.KeyAgreementPublicKey...)
	rec.TrustTier = models.TrustTierContact
	if rec.LastSeen.IsZero() {
		rec.LastSeen = t.now()
	}
	for _, addr := range card.OverlayAddresses {
		rec.Addresses = mergeAddress(rec.Addresses, models.ReachabilityEntry{
			Transport:     models.TransportOverlay,
			Address:       addr,
			LastConfirmed: t.now(),
		})
	}
	t.records[fp] = rec
	return clone(rec), nil
}

// ObserveAuthenticated upserts a peer whose identity beacon verified. An
// existing contact keeps its tier; everything else lands as transient.
func (t *Table) ObserveAuthenticated(card models.ContactCard, addrs []models.ReachabilityEntry) (models.PeerRecord, error) {
	ok, err := identity.VerifyContactCard(card)
	if err != nil || !ok {
		return models.PeerRecord{}, ErrInvalidCard
	}
	fp := models.NormalizeFingerprint(card.Fingerprint)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, existed := t.records[fp]
	rec.Fingerprint = fp
	rec.Nickname = card.Nickname
	rec.SigningPublicKey = append([]byte(nil), card.SigningPublicKey...)
	rec.KeyAgreementPublicKey = append([]byte(nil), card.KeyAgreementPublicKey...)
	rec.LastSeen = now
	if !existed || rec.TrustTier == "" {
		rec.TrustTier = models.TrustTierTransient
	}
	for _, addr := range addrs {
		if addr.LastConfirmed.IsZero() {
			addr.LastConfirmed = now
		}
		rec.Addresses = mergeAddress(rec.Addresses, addr)
	}
	t.records[fp] = rec
	t.evictTransientsLocked()
	return clone(rec), nil
}

// MarkSeen confirms reachability on one transport address.
func (t *Table) MarkSeen(fingerprint, transportKind, address string) {
	fp := models.NormalizeFingerprint(fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[fp]
	if !ok {
		return
	}
	now := t.now()
	rec.LastSeen = now
	if address != "" {
		rec.Addresses = mergeAddress(rec.Addresses, models.ReachabilityEntry{
			Transport:     transportKind,
			Address:       address,
			LastConfirmed: now,
		})
	}
	t.records[fp] = rec
}

func (t *Table) SetRelayEligible(fingerprint string, eligible bool) {
	fp := models.NormalizeFingerprint(fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[fp]; ok {
		rec.RelayEligible = eligible
		t.records[fp] = rec
	}
}

func (t *Table) Get(fingerprint string) (models.PeerRecord, bool) {
	fp := models.NormalizeFingerprint(fingerprint)
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[fp]
	if !ok {
		return models.PeerRecord{}, false
	}
	return clone(rec), true
}

func (t *Table) All() []models.PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PeerRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (t *Table) Contacts() []models.PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PeerRecord, 0)
	for _, rec := range t.records {
		if rec.TrustTier == models.TrustTierContact {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (t *Table) Remove(fingerprint string) {
	fp := models.NormalizeFingerprint(fingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, fp)
	delete(t.reliability, fp)
	delete(t.pathHints, fp)
}

// RecordRelayOutcome feeds the reliability score used to rank relay routes.
func (t *Table) RecordRelayOutcome(relayFingerprint string, ok bool) {
	fp := models.NormalizeFingerprint(relayFingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, exists := t.reliability[fp]
	if !exists {
		stats = &relayStats{}
		t.reliability[fp] = stats
	}
	if ok {
		stats.Successes++
	} else {
		stats.Failures++
	}
}

// RecordPathHint remembers that traffic from dest arrived through relay with
// the given hop count, so future routes can prefer shorter known paths.
func (t *Table) RecordPathHint(destFingerprint, relayFingerprint string, hops uint8) {
	dest := models.NormalizeFingerprint(destFingerprint)
	relay := models.NormalizeFingerprint(relayFingerprint)
	t.mu.Lock()
	defer t.mu.Unlock()
	hints, ok := t.pathHints[dest]
	if !ok {
		hints = make(map[string]uint8)
		t.pathHints[dest] = hints
	}
	if prev, seen := hints[relay]; !seen || hops < prev {
		hints[relay] = hops
	}
}

// RelayCandidates orders eligible relays for a destination: known-shortest
// path first, then reliability, ties broken by fingerprint.
func (t *Table) RelayCandidates(destFingerprint string) []models.PeerRecord {
	dest := models.NormalizeFingerprint(destFingerprint)
	cutoff := t.now().Add(-t.opts.AddressMaxAge)

	t.mu.RLock()
	defer t.mu.RUnlock()
	hints := t.pathHints[dest]
	candidates := make([]models.PeerRecord, 0)
	for fp, rec := range t.records {
		if fp == dest || !rec.RelayEligible {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			continue
		}
		candidates = append(candidates, clone(rec))
	}
	sort.Slice(candidates, func(i, j int) bool {
		hi, iKnown := hints[candidates[i].Fingerprint]
		hj, jKnown := hints[candidates[j].Fingerprint]
		if iKnown != jKnown {
			return iKnown
		}
		if iKnown && hi != hj {
			return hi < hj
		}
		si := t.scoreLocked(candidates[i].Fingerprint)
		sj := t.scoreLocked(candidates[j].Fingerprint)
		if si != sj {
			return si > sj
		}
		return candidates[i].Fingerprint < candidates[j].Fingerprint
	})
	return candidates
}

func (t *Table) scoreLocked(fp string) float64 {
	if stats, ok := t.reliability[fp]; ok {
		return stats.score()
	}
	return 0.5
}

// PruneAddresses drops reachability entries past the max age and transient
// records with nothing left to reach them by.
func (t *Table) PruneAddresses() {
	cutoff := t.now().Add(-t.opts.AddressMaxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for fp, rec := range t.records {
		kept := rec.Addresses[:0]
		for _, addr := range rec.Addresses {
			if addr.LastConfirmed.After(cutoff) {
				kept = append(kept, addr)
			}
		}
		rec.Addresses = kept
		if len(kept) == 0 && rec.TrustTier == models.TrustTierTransient && rec.LastSeen.Before(cutoff) {
			delete(t.records, fp)
			continue
		}
		t.records[fp] = rec
	}
}

// PeerSigningKey and PeerAgreementKey make the table the key directory the
// envelope sealer reads from.
func (t *Table) PeerSigningKey(fingerprint string) ([]byte, bool) {
	rec, ok := t.Get(fingerprint)
	if !ok || len(rec.SigningPublicKey) == 0 {
		return nil, false
	}
	return rec.SigningPublicKey, true
}

func (t *Table) PeerAgreementKey(fingerprint string) ([]byte, bool) {
	rec, ok := t.Get(fingerprint)
	if !ok || len(rec.KeyAgreementPublicKey) == 0 {
		return nil, false
	}
	return rec.KeyAgreementPublicKey, true
}

type tableSnapshot struct {
	Records     []models.PeerRecord    `json:"records"`
	Reliability map[string]*relayStats `json:"reliability,omitempty"`
}

// Save writes the encrypted directory snapshot; no-op when persistence is
// not configured.
func (t *Table) Save() error {
	if !securestore.IsStorageConfigured(t.opts.SnapshotPath, t.opts.Secret) {
		return nil
	}
	t.mu.RLock()
	snap := tableSnapshot{
		Records:     make([]models.PeerRecord, 0, len(t.records)),
		Reliability: make(map[string]*relayStats, len(t.reliability)),
	}
	for _, rec := range t.records {
		snap.Records = append(snap.Records, clone(rec))
	}
	for fp, stats := range t.reliability {
		copied := *stats
		snap.Reliability[fp] = &copied
	}
	t.mu.RUnlock()
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].Fingerprint < snap.Records[j].Fingerprint })
	return securestore.WriteEncryptedJSON(t.opts.SnapshotPath, t.opts.Secret, snap)
}

func (t *Table) Load() error {
	if !securestore.IsStorageConfigured(t.opts.SnapshotPath, t.opts.Secret) {
		return nil
	}
	var snap tableSnapshot
	if err := securestore.ReadDecryptedJSON(t.opts.SnapshotPath, t.opts.Secret, &snap); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range snap.Records {
		t.records[models.NormalizeFingerprint(rec.Fingerprint)] = rec
	}
	for fp, stats := range snap.Reliability {
		if stats != nil {
			t.reliability[fp] = stats
		}
	}
	return nil
}

func (t *Table) evictTransientsLocked() {
	transientCount := 0
	for _, rec := range t.records {
		if rec.TrustTier == models.TrustTierTransient {
			transientCount++
		}
	}
	for transientCount > t.opts.TransientCap {
		oldestFP := ""
		var oldestSeen time.Time
		for fp, rec := range t.records {
			if rec.TrustTier != models.TrustTierTransient {
				continue
			}
			if oldestFP == "" || rec.LastSeen.Before(oldestSeen) {
				oldestFP = fp
				oldestSeen = rec.LastSeen
			}
		}
		if oldestFP == "" {
			return
		}
		delete(t.records, oldestFP)
		transientCount--
	}
}

func mergeAddress(addrs []models.ReachabilityEntry, entry models.ReachabilityEntry) []models.ReachabilityEntry {
	for i, existing := range addrs {
		if existing.Transport == entry.Transport && existing.Address == entry.Address {
			if entry.LastConfirmed.After(existing.LastConfirmed) {
				addrs[i].LastConfirmed = entry.LastConfirmed
			}
			return addrs
		}
	}
	return append(addrs, entry)
}

func clone(rec models.PeerRecord) models.PeerRecord {
	rec.SigningPublicKey = append([]byte(nil), rec.SigningPublicKey...)
	rec.KeyAgreementPublicKey = append([]byte(nil), rec.KeyAgreementPublicKey...)
	rec.Addresses = append([]models.ReachabilityEntry(nil), rec.Addresses...)
	return rec
}
