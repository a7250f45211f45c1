package identity

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"time"

	"scmesh/go-core/pkg/models"
)

var (
	ErrNoIdentity      = errors.New("no identity present")
	ErrInvalidNickname = errors.New("invalid nickname")
)

// Manager owns the local identity: both keypairs, the canonical fingerprint
// and the nickname. Created once per device; destroyed only by Reset.
type Manager struct {
	mu       sync.RWMutex
	identity models.Identity
	keys     *DerivedKeys
	seeds    *SeedManager
}

func NewManager(seedPath string) *Manager {
	return &Manager{seeds: NewSeedManager(seedPath)}
}

// Create generates a fresh identity and returns it with the recovery mnemonic.
func (m *Manager) Create(nickname, password string) (models.Identity, string, error) {
	mnemonic, keys, err := m.seeds.Create(password)
	if err != nil {
		return models.Identity{}, "", err
	}
	identity, err := m.install(nickname, keys)
	if err != nil {
		return models.Identity{}, "", err
	}
	return identity, mnemonic, nil
}

// Import restores an identity from a recovery mnemonic.
func (m *Manager) Import(mnemonic, nickname, password string) (models.Identity, error) {
	keys, err := m.seeds.Import(mnemonic, password)
	if err != nil {
		return models.Identity{}, err
	}
	return m.install(nickname, keys)
}

// Restore reloads the identity from the sealed on-disk seed after restart.
func (m *Manager) Restore(nickname, password string) (models.Identity, error) {
	keys, err := m.seeds.Restore(password)
	if err != nil {
		return models.Identity{}, err
	}
	return m.install(nickname, keys)
}

func (m *Manager) install(nickname string, keys *DerivedKeys) (models.Identity, error) {
	fingerprint, err := Fingerprint(keys.SigningPublicKey)
	if err != nil {
		return models.Identity{}, err
	}
	m.mu.Lock()
	m.keys = keys
	m.identity = models.Identity{
		Fingerprint:           fingerprint,
		Nickname:              strings.TrimSpace(nickname),
		SigningPublicKey:      append([]byte(nil), keys.SigningPublicKey...),
		KeyAgreementPublicKey: append([]byte(nil), keys.AgreementPublicKey...),
		CreatedAt:             time.Now().UTC(),
	}
	identity := m.identity
	m.mu.Unlock()
	return identity, nil
}

func (m *Manager) HasIdentity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys != nil
}

func (m *Manager) Identity() (models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return models.Identity{}, ErrNoIdentity
	}
	return m.identity, nil
}

func (m *Manager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.Fingerprint
}

func (m *Manager) SetNickname(nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > 64 {
		return ErrInvalidNickname
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		return ErrNoIdentity
	}
	m.identity.Nickname = nickname
	return nil
}

// Sign signs payload bytes with the identity signing key.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return nil, ErrNoIdentity
	}
	return ed25519.Sign(ed25519.PrivateKey(m.keys.SigningPrivateKey), payload), nil
}

// AgreementPrivateKey exposes a copy of the X25519 scalar for envelope opening.
func (m *Manager) AgreementPrivateKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return nil, ErrNoIdentity
	}
	return append([]byte(nil), m.keys.AgreementPrivateKey...), nil
}

func (m *Manager) ExportMnemonic(password string) (string, error) {
	return m.seeds.Export(password)
}

func (m *Manager) ValidateMnemonic(mnemonic string) bool {
	return m.seeds.ValidateMnemonic(mnemonic)
}

// Reset wipes the seed and forgets the in-memory identity.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.seeds.Wipe(); err != nil {
		return err
	}
	if m.keys != nil {
		for i := range m.keys.AgreementPrivateKey {
			m.keys.AgreementPrivateKey[i] = 0
		}
		for i := range m.keys.SigningPrivateKey {
			m.keys.SigningPrivateKey[i] = 0
		}
	}
	m.keys = nil
	m.identity = models.Identity{}
	return nil
}

// SelfCard builds a signed contact card for out-of-band exchange.
func (m *Manager) SelfCard(overlayAddresses []string) (models.ContactCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keys == nil {
		return models.ContactCard{}, ErrNoIdentity
	}
	return SignContactCard(m.identity, m.keys, overlayAddresses)
}
