package directory

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"scmesh/go-core/internal/identity"
	"scmesh/go-core/pkg/models"
)

var (
	ErrInvalidBeacon = errors.New("invalid identity beacon")
	ErrStaleBeacon   = errors.New("identity beacon is too old")
)

// Beacons older than this are ignored: a replayed beacon must not resurrect
// reachability the peer no longer has.
const beaconMaxAge = 15 * time.Minute

// IdentityBeacon advertises a peer's card and current addresses. The card is
// self-signed on its own; the beacon signature additionally binds the
// addresses and timestamp to the same signing key.
type IdentityBeacon struct {
	Card      models.ContactCard         `json:"card"`
	Addresses []models.ReachabilityEntry `json:"addresses,omitempty"`
	SentAt    time.Time                  `json:"sent_at"`
	Signature []byte                     `json:"signature"`
}

// Signer is the slice of the identity manager beacon building needs.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

func BuildBeacon(card models.ContactCard, addrs []models.ReachabilityEntry, signer Signer, now time.Time) (IdentityBeacon, error) {
	beacon := IdentityBeacon{
		Card:      card,
		Addresses: addrs,
		SentAt:    now.UTC(),
	}
	sig, err := signer.Sign(beaconSigningBytes(beacon))
	if err != nil {
		return IdentityBeacon{}, err
	}
	beacon.Signature = sig
	return beacon, nil
}

// VerifyBeacon checks the card, the beacon signature and freshness.
func VerifyBeacon(beacon IdentityBeacon, now time.Time) error {
	ok, err := identity.VerifyContactCard(beacon.Card)
	if err != nil || !ok {
		return ErrInvalidBeacon
	}
	if len(beacon.Card.SigningPublicKey) != ed25519.PublicKeySize {
		return ErrInvalidBeacon
	}
	if !ed25519.Verify(beacon.Card.SigningPublicKey, beaconSigningBytes(beacon), beacon.Signature) {
		return ErrInvalidBeacon
	}
	if beacon.SentAt.Before(now.Add(-beaconMaxAge)) {
		return ErrStaleBeacon
	}
	return nil
}

func EncodeBeacon(beacon IdentityBeacon) ([]byte, error) {
	return json.Marshal(beacon)
}

func DecodeBeacon(raw []byte) (IdentityBeacon, error) {
	var beacon IdentityBeacon
	if err := json.Unmarshal(raw, &beacon); err != nil {
		return IdentityBeacon{}, ErrInvalidBeacon
	}
	if beacon.Card.Fingerprint == "" {
		return IdentityBeacon{}, ErrInvalidBeacon
	}
	return beacon, nil
}

func beaconSigningBytes(beacon IdentityBeacon) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, []byte(models.NormalizeFingerprint(beacon.Card.Fingerprint))...)
	buf = append(buf, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(beacon.SentAt.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = append(buf, beacon.Card.Signature...)
	for _, addr := range beacon.Addresses {
		buf = append(buf, 0)
		buf = append(buf, []byte(addr.Transport)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(addr.Address)...)
	}
	return buf
}
