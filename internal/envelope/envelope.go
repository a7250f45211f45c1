package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"scmesh/go-core/pkg/models"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownRecipientKey  = errors.New("recipient key-agreement key is unknown")
	ErrAuthenticationFailed = errors.New("envelope signature verification failed")
	ErrDecryptionFailed     = errors.New("envelope decryption failed")
	ErrUnknownSenderKey     = errors.New("sender signing key is unknown")
	ErrNotRecipient         = errors.New("envelope is not addressed to this identity")
	ErrInvalidEnvelope      = errors.New("invalid envelope")
)

const (
	hkdfInfoEnvelopeKey = "scmesh/envelope/key/v1"
	messageIDHexLen     = 32
)

// KeyDirectory answers public-key lookups for known peers. Backed by the
// peer directory; the sealer never stores peer keys itself.
type KeyDirectory interface {
	PeerSigningKey(fingerprint string) ([]byte, bool)
	PeerAgreementKey(fingerprint string) ([]byte, bool)
}

// LocalKeys is the slice of the identity manager the sealer needs.
type LocalKeys interface {
	Fingerprint() string
	Sign(payload []byte) ([]byte, error)
	AgreementPrivateKey() ([]byte, error)
}

// Sealer builds and opens envelopes for the local identity.
type Sealer struct {
	local LocalKeys
	keys  KeyDirectory
}

func NewSealer(local LocalKeys, keys KeyDirectory) *Sealer {
	return &Sealer{local: local, keys: keys}
}

// Seal encrypts plaintext to the recipient and signs the result. A fresh
// ephemeral X25519 keypair per message gives sender-side forward secrecy.
func (s *Sealer) Seal(recipientFingerprint string, plaintext []byte, ttl time.Duration) (models.Envelope, error) {
	recipientFingerprint = models.NormalizeFingerprint(recipientFingerprint)
	recipientPub, ok := s.keys.PeerAgreementKey(recipientFingerprint)
	if !ok || len(recipientPub) != 32 {
		return models.Envelope{}, ErrUnknownRecipientKey
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return models.Envelope{}, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return models.Envelope{}, err
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return models.Envelope{}, err
	}
	key := deriveEnvelopeKey(shared, ephPub, recipientPub)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return models.Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return models.Envelope{}, err
	}

	sender := s.local.Fingerprint()
	createdAt := time.Now().UTC()
	ad := envelopeAAD(sender, recipientFingerprint, createdAt, uint32(ttl/time.Second))
	ciphertext := aead.Seal(nil, nonce, plaintext, ad)

	env := models.Envelope{
		SenderFingerprint:    sender,
		RecipientFingerprint: recipientFingerprint,
		MessageID:            MessageID(sender, recipientFingerprint, ciphertext),
		CreatedAt:            createdAt,
		HopCount:             0,
		TTLSeconds:           uint32(ttl / time.Second),
		EphemeralPublicKey:   ephPub,
		Nonce:                nonce,
		Ciphertext:           ciphertext,
	}
	sig, err := s.local.Sign(SigningBytes(env))
	if err != nil {
		return models.Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// Open verifies the sender signature first, then decrypts. Both failure modes
// are terminal: retrying cannot fix a forged or corrupted envelope.
func (s *Sealer) Open(env models.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	if models.NormalizeFingerprint(env.RecipientFingerprint) != s.local.Fingerprint() {
		return nil, ErrNotRecipient
	}
	if err := VerifySignature(env, s.keys); err != nil {
		return nil, err
	}

	localPriv, err := s.local.AgreementPrivateKey()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(localPriv, env.EphemeralPublicKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	localPub, err := curve25519.X25519(localPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key := deriveEnvelopeKey(shared, env.EphemeralPublicKey, localPub)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	ad := envelopeAAD(env.SenderFingerprint, env.RecipientFingerprint, env.CreatedAt, env.TTLSeconds)
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// VerifySignature checks the sender signature against the directory's signing
// key for that fingerprint. Relays call this without decrypting.
func VerifySignature(env models.Envelope, keys KeyDirectory) error {
	senderPub, ok := keys.PeerSigningKey(models.NormalizeFingerprint(env.SenderFingerprint))
	if !ok || len(senderPub) != ed25519.PublicKeySize {
		return ErrUnknownSenderKey
	}
	if !ed25519.Verify(senderPub, SigningBytes(env), env.Signature) {
		return ErrAuthenticationFailed
	}
	return nil
}

func Validate(env models.Envelope) error {
	if env.SenderFingerprint == "" || env.RecipientFingerprint == "" || env.MessageID == "" {
		return ErrInvalidEnvelope
	}
	if len(env.EphemeralPublicKey) != 32 ||
		len(env.Nonce) != chacha20poly1305.NonceSizeX ||
		len(env.Ciphertext) == 0 ||
		len(env.Signature) != ed25519.SignatureSize {
		return ErrInvalidEnvelope
	}
	if MessageID(env.SenderFingerprint, env.RecipientFingerprint, env.Ciphertext) != env.MessageID {
		return ErrInvalidEnvelope
	}
	return nil
}

// MessageID hashes ciphertext plus addressing so the id is unforgeable and
// stable under retransmission.
func MessageID(sender, recipient string, ciphertext []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(models.NormalizeFingerprint(sender)))
	h.Write([]byte{0})
	h.Write([]byte(models.NormalizeFingerprint(recipient)))
	h.Write([]byte{0})
	h.Write(ciphertext)
	return hex.EncodeToString(h.Sum(nil))[:messageIDHexLen]
}

// SigningBytes is the canonical encoding covered by the sender signature.
// HopCount is excluded: relays increment it in flight.
func SigningBytes(env models.Envelope) []byte {
	b := make([]byte, 0, 256)
	b = append(b, []byte(models.NormalizeFingerprint(env.SenderFingerprint))...)
	b = append(b, 0)
	b = append(b, []byte(models.NormalizeFingerprint(env.RecipientFingerprint))...)
	b = append(b, 0)
	b = append(b, []byte(env.MessageID)...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, uint64(env.CreatedAt.UnixNano()))
	b = binary.BigEndian.AppendUint32(b, env.TTLSeconds)
	b = append(b, env.EphemeralPublicKey...)
	b = append(b, env.Nonce...)
	b = append(b, env.Ciphertext...)
	return b
}

func envelopeAAD(sender, recipient string, createdAt time.Time, ttlSeconds uint32) []byte {
	b := make([]byte, 0, len(sender)+len(recipient)+16)
	b = append(b, []byte(models.NormalizeFingerprint(sender))...)
	b = append(b, 0)
	b = append(b, []byte(models.NormalizeFingerprint(recipient))...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, uint64(createdAt.UnixNano()))
	b = binary.BigEndian.AppendUint32(b, ttlSeconds)
	return b
}

func deriveEnvelopeKey(shared, ephPub, recipientPub []byte) []byte {
	material := make([]byte, 0, len(shared)+len(ephPub)+len(recipientPub))
	material = append(material, shared...)
	material = append(material, ephPub...)
	material = append(material, recipientPub...)
	reader := hkdf.New(sha256.New, material, nil, []byte(hkdfInfoEnvelopeKey))
	out := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(reader, out)
	return out
}
