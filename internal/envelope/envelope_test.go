package envelope

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"scmesh/go-core/internal/identity"
)

type testKeyring struct {
	fp   string
	keys *identity.DerivedKeys
}

func newTestKeyring(t *testing.T, seedByte byte) *testKeyring {
	t.Helper()
	keys, err := identity.DeriveKeys(bytes.Repeat([]byte{seedByte}, 32))
	if err != nil {
		t.Fatalf("derive keys failed: %v", err)
	}
	fp, err := identity.Fingerprint(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("fingerprint failed: %v", err)
	}
	return &testKeyring{fp: fp, keys: keys}
}

func (k *testKeyring) Fingerprint() string { return k.fp }

func (k *testKeyring) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(k.keys.SigningPrivateKey), payload), nil
}

func (k *testKeyring) AgreementPrivateKey() ([]byte, error) {
	return append([]byte(nil), k.keys.AgreementPrivateKey...), nil
}

type testDirectory map[string]*identity.DerivedKeys

func (d testDirectory) PeerSigningKey(fp string) ([]byte, bool) {
	keys, ok := d[fp]
	if !ok {
		return nil, false
	}
	return keys.SigningPublicKey, true
}

func (d testDirectory) PeerAgreementKey(fp string) ([]byte, bool) {
	keys, ok := d[fp]
	if !ok {
		return nil, false
	}
	return keys.AgreementPublicKey, true
}

func newPair(t *testing.T) (*testKeyring, *testKeyring, testDirectory) {
	t.Helper()
	alice := newTestKeyring(t, 1)
	bob := newTestKeyring(t, 2)
	dir := testDirectory{alice.fp: alice.keys, bob.fp: bob.keys}
	return alice, bob, dir
}

func TestSealOpenRoundtrip(t *testing.T) {
	alice, bob, dir := newPair(t)
	sealer := NewSealer(alice, dir)
	opener := NewSealer(bob, dir)

	env, err := sealer.Seal(bob.fp, []byte("hello mesh"), time.Hour)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if env.HopCount != 0 {
		t.Fatalf("fresh envelope hop count must be 0, got %d", env.HopCount)
	}

	plain, err := opener.Open(env)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "hello mesh" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestSealUnknownRecipientKey(t *testing.T) {
	alice, _, dir := newPair(t)
	sealer := NewSealer(alice, dir)
	if _, err := sealer.Seal("feedfeed", []byte("x"), time.Hour); !errors.Is(err, ErrUnknownRecipientKey) {
		t.Fatalf("expected ErrUnknownRecipientKey, got %v", err)
	}
}

func TestOpenForgedSignatureFailsAuthentication(t *testing.T) {
	alice, bob, dir := newPair(t)
	env, err := NewSealer(alice, dir).Seal(bob.fp, []byte("payload"), time.Hour)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env.Signature[0] ^= 0xFF
	if _, err := NewSealer(bob, dir).Open(env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestOpenTamperedCiphertextFailsValidationOrDecryption(t *testing.T) {
	alice, bob, dir := newPair(t)
	env, err := NewSealer(alice, dir).Seal(bob.fp, []byte("payload"), time.Hour)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	// Flipping ciphertext breaks the message-id binding before AEAD is tried.
	env.Ciphertext[0] ^= 0xFF
	_, err = NewSealer(bob, dir).Open(env)
	if !errors.Is(err, ErrInvalidEnvelope) && !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected validation or decryption failure, got %v", err)
	}
}

func TestHopCountIncrementPreservesSignature(t *testing.T) {
	alice, bob, dir := newPair(t)
	env, err := NewSealer(alice, dir).Seal(bob.fp, []byte("via relay"), time.Hour)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env.HopCount = 2
	if err := VerifySignature(env, dir); err != nil {
		t.Fatalf("signature must survive hop count rewrite: %v", err)
	}
	plain, err := NewSealer(bob, dir).Open(env)
	if err != nil {
		t.Fatalf("open after relay failed: %v", err)
	}
	if string(plain) != "via relay" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestMessageIDStableUnderRetransmission(t *testing.T) {
	a := MessageID("aa", "bb", []byte("ct"))
	b := MessageID("AA ", "bb", []byte("ct"))
	if a != b {
		t.Fatal("message id must normalize fingerprints")
	}
	if MessageID("aa", "bb", []byte("other")) == a {
		t.Fatal("different ciphertext must produce a different id")
	}
	if len(a) != messageIDHexLen {
		t.Fatalf("unexpected id length %d", len(a))
	}
}

func TestOpenWrongRecipientRejected(t *testing.T) {
	alice, bob, dir := newPair(t)
	carol := newTestKeyring(t, 3)
	dir[carol.fp] = carol.keys
	env, err := NewSealer(alice, dir).Seal(bob.fp, []byte("not for carol"), time.Hour)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := NewSealer(carol, dir).Open(env); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected ErrNotRecipient, got %v", err)
	}
}

func TestSuspicionThrottlesAfterFailures(t *testing.T) {
	s := NewSuspicion(1, 2)
	now := time.Now()
	if !s.Allow("peer", now) {
		t.Fatal("clean peer must not be throttled")
	}
	s.Record("peer")
	s.Record("peer")
	if s.Count("peer") != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", s.Count("peer"))
	}
	allowed := 0
	for i := 0; i < 10; i++ {
		if s.Allow("peer", now) {
			allowed++
		}
	}
	if allowed > 2 {
		t.Fatalf("suspicious peer must be rate limited, got %d allowed", allowed)
	}
}
