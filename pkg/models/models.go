package models

import (
	"strings"
	"time"
)

type Identity struct {
	Fingerprint           string    `json:"fingerprint"`
	Nickname              string    `json:"nickname"`
	SigningPublicKey      []byte    `json:"signing_public_key"`
	KeyAgreementPublicKey []byte    `json:"key_agreement_public_key"`
	CreatedAt             time.Time `json:"created_at"`
}

// ContactCard is the signed out-of-band exchange unit for a peer identity.
type ContactCard struct {
	Fingerprint           string   `json:"fingerprint"`
	Nickname              string   `json:"nickname"`
	SigningPublicKey      []byte   `json:"signing_public_key"`
	KeyAgreementPublicKey []byte   `json:"key_agreement_public_key"`
	OverlayAddresses      []string `json:"overlay_addresses,omitempty"`
	Signature             []byte   `json:"signature"`
}

const (
	TrustTierContact   = "contact"
	TrustTierTransient = "transient"
)

const (
	TransportLink    = "link"
	TransportLAN     = "lan"
	TransportOverlay = "overlay"
)

type ReachabilityEntry struct {
	Transport     string    `json:"transport"`
	Address       string    `json:"address"`
	LastConfirmed time.Time `json:"last_confirmed"`
}

type PeerRecord struct {
	Fingerprint           string              `json:"fingerprint"`
	Nickname              string              `json:"nickname,omitempty"`
	SigningPublicKey      []byte              `json:"signing_public_key,omitempty"`
	KeyAgreementPublicKey []byte              `json:"key_agreement_public_key,omitempty"`
	Addresses             []ReachabilityEntry `json:"addresses,omitempty"`
	LastSeen              time.Time           `json:"last_seen"`
	TrustTier             string              `json:"trust_tier"`
	RelayEligible         bool                `json:"relay_eligible"`
}

// Envelope is the sealed, signed, addressed unit of transmission. Immutable
// once sealed; HopCount is the only field a relay rewrites and the signature
// deliberately excludes it.
type Envelope struct {
	SenderFingerprint    string    `json:"sender_fingerprint"`
	RecipientFingerprint string    `json:"recipient_fingerprint"`
	MessageID            string    `json:"message_id"`
	CreatedAt            time.Time `json:"created_at"`
	HopCount             uint8     `json:"hop_count"`
	TTLSeconds           uint32    `json:"ttl_seconds"`
	EphemeralPublicKey   []byte    `json:"ephemeral_public_key"`
	Nonce                []byte    `json:"nonce"`
	Ciphertext           []byte    `json:"ciphertext"`
	Signature            []byte    `json:"signature"`
}

func (e Envelope) Expired(now time.Time) bool {
	if e.TTLSeconds == 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

const (
	DirectionOriginated = "originated"
	DirectionForwarded  = "forwarded"
)

const (
	StateCreated      = "created"
	StateRouteResolve = "route_resolving"
	StateDirectSend   = "direct_send"
	StateRelaySend    = "relay_send"
	StateQueued       = "queued"
	StateDelivered    = "delivered"
	StateFailed       = "failed"
	StateExpired      = "expired"
)

func TerminalState(state string) bool {
	switch state {
	case StateDelivered, StateFailed, StateExpired:
		return true
	}
	return false
}

type QueueEntry struct {
	MessageID string    `json:"message_id"`
	Direction string    `json:"direction"`
	Envelope  Envelope  `json:"envelope"`
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"next_retry"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
}

type DeliveryRecord struct {
	MessageID   string               `json:"message_id"`
	State       string               `json:"state"`
	Transitions map[string]time.Time `json:"transitions"`
}

type RelayBudgetWindow struct {
	WindowStart time.Time `json:"window_start"`
	Consumed    int       `json:"consumed"`
	Ceiling     int       `json:"ceiling"`
}

// HistoryMessage is a decrypted conversation record kept by the local device.
// Plaintext only ever reaches disk inside the securestore envelope.
type HistoryMessage struct {
	MessageID       string    `json:"message_id"`
	PeerFingerprint string    `json:"peer_fingerprint"`
	Direction       string    `json:"direction"`
	Content         []byte    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
}

const (
	HistoryInbound  = "inbound"
	HistoryOutbound = "outbound"
)

type DeviceState struct {
	BatteryPercent int  `json:"battery_percent"`
	Charging       bool `json:"charging"`
	OnWifi         bool `json:"on_wifi"`
	Moving         bool `json:"moving"`
}

func NormalizeFingerprint(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
