package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"

	"scmesh/go-core/pkg/models"

	"github.com/mr-tron/base58/base58"
)

var (
	ErrInvalidContactCard = errors.New("invalid contact card")
	ErrCardMismatch       = errors.New("fingerprint does not match public key")
	ErrInvalidShareCode   = errors.New("invalid share code")
)

const shareCodePrefix = "mesh1"

func SignContactCard(self models.Identity, keys *DerivedKeys, overlayAddresses []string) (models.ContactCard, error) {
	if keys == nil || len(keys.SigningPrivateKey) != ed25519.PrivateKeySize {
		return models.ContactCard{}, ErrInvalidContactCard
	}
	card := models.ContactCard{
		Fingerprint:           self.Fingerprint,
		Nickname:              self.Nickname,
		SigningPublicKey:      append([]byte(nil), keys.SigningPublicKey...),
		KeyAgreementPublicKey: append([]byte(nil), keys.AgreementPublicKey...),
		OverlayAddresses:      append([]string(nil), overlayAddresses...),
	}
	if ok, err := VerifyFingerprint(card.Fingerprint, card.SigningPublicKey); err != nil || !ok {
		if err != nil {
			return models.ContactCard{}, err
		}
		return models.ContactCard{}, ErrCardMismatch
	}
	card.Signature = ed25519.Sign(ed25519.PrivateKey(keys.SigningPrivateKey), cardSigningBytes(card))
	return card, nil
}

func VerifyContactCard(card models.ContactCard) (bool, error) {
	if len(card.SigningPublicKey) != ed25519.PublicKeySize ||
		len(card.KeyAgreementPublicKey) != 32 ||
		len(card.Signature) != ed25519.SignatureSize {
		return false, ErrInvalidContactCard
	}
	ok, err := VerifyFingerprint(card.Fingerprint, card.SigningPublicKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrCardMismatch
	}
	return ed25519.Verify(card.SigningPublicKey, cardSigningBytes(card), card.Signature), nil
}

// EncodeShareCode serializes a card into a compact base58 string suitable for
// QR codes and copy/paste exchange.
func EncodeShareCode(card models.ContactCard) (string, error) {
	raw, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return shareCodePrefix + base58.Encode(raw), nil
}

func DecodeShareCode(code string) (models.ContactCard, error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, shareCodePrefix) {
		return models.ContactCard{}, ErrInvalidShareCode
	}
	raw, err := base58.Decode(code[len(shareCodePrefix):])
	if err != nil {
		return models.ContactCard{}, ErrInvalidShareCode
	}
	var card models.ContactCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return models.ContactCard{}, ErrInvalidShareCode
	}
	if ok, err := VerifyContactCard(card); err != nil || !ok {
		if err != nil {
			return models.ContactCard{}, err
		}
		return models.ContactCard{}, ErrInvalidShareCode
	}
	return card, nil
}

// Canonical and deterministic byte encoding for signatures.
func cardSigningBytes(card models.ContactCard) []byte {
	b := make([]byte, 0, 128)
	b = append(b, []byte(card.Fingerprint)...)
	b = append(b, 0)
	b = append(b, []byte(card.Nickname)...)
	b = append(b, 0)
	b = append(b, card.SigningPublicKey...)
	b = append(b, card.KeyAgreementPublicKey...)
	for _, addr := range card.OverlayAddresses {
		b = append(b, 0)
		b = append(b, []byte(addr)...)
	}
	return b
}
