package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning   = "scmesh/identity/signing/v1"
	hkdfInfoAgreement = "scmesh/identity/agreement/v1"
)

// DerivedKeys holds both long-term keypairs, derived deterministically from
// one 256-bit seed so a mnemonic restores the full identity.
type DerivedKeys struct {
	SigningPrivateKey   []byte // Ed25519 private key bytes (64)
	SigningPublicKey    []byte // Ed25519 public key bytes (32)
	AgreementPrivateKey []byte // X25519 private scalar (32)
	AgreementPublicKey  []byte // X25519 public key (32)
}

func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, 32)
	if err != nil {
		return nil, err
	}
	agreementPriv, err := hkdfExpand(seedBytes, hkdfInfoAgreement, 32)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)
	agreementPub, err := curve25519.X25519(agreementPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &DerivedKeys{
		SigningPrivateKey:   signingPriv,
		SigningPublicKey:    signingPub,
		AgreementPrivateKey: agreementPriv,
		AgreementPublicKey:  agreementPub,
	}, nil
}

// Fingerprint builds the canonical cross-platform identity value:
// hex-encoded blake2b-256 of the signing public key. Immutable per identity.
func Fingerprint(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return hex.EncodeToString(h[:]), nil
}

func VerifyFingerprint(fingerprint string, signingPublicKey []byte) (bool, error) {
	expected, err := Fingerprint(signingPublicKey)
	if err != nil {
		return false, err
	}
	return fingerprint == expected, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
