package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scmesh/go-core/internal/securestore"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrSeedNotAvailable = errors.New("seed is not available")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
	ErrWrongPassword    = errors.New("wrong password")
)

const (
	maxFailedAttempts = 5
	lockoutWindow     = 5 * time.Minute
)

// SeedManager owns the identity seed: mnemonic creation and import, at-rest
// encryption, and password attempt lockout.
type SeedManager struct {
	mu             sync.RWMutex
	sealed         []byte
	path           string
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewSeedManager(path string) *SeedManager {
	return &SeedManager{path: strings.TrimSpace(path), now: time.Now}
}

// Create generates a fresh 256-bit seed, returns its mnemonic and derived
// keys, and seals the seed under the password.
func (s *SeedManager) Create(password string) (string, *DerivedKeys, error) {
	if strings.TrimSpace(password) == "" {
		return "", nil, ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, err
	}
	keys, err := s.Import(mnemonic, password)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, keys, nil
}

// Import validates the mnemonic, derives keys and seals the seed.
func (s *SeedManager) Import(mnemonic, password string) (*DerivedKeys, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return nil, ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	keys, err := DeriveKeys(seed)
	if err != nil {
		return nil, err
	}

	sealed, err := securestore.Encrypt(password, []byte(mnemonic))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sealed = sealed
	s.failedAttempts = 0
	s.lockedUntil = time.Time{}
	s.mu.Unlock()

	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Export returns the mnemonic after password verification; repeated failures
// lock further attempts for a cooldown window.
func (s *SeedManager) Export(password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Before(s.lockedUntil) {
		return "", ErrPasswordLocked
	}
	if len(s.sealed) == 0 {
		if err := s.loadLocked(); err != nil {
			return "", err
		}
	}
	plain, err := securestore.Decrypt(password, s.sealed)
	if err != nil {
		s.failedAttempts++
		if s.failedAttempts >= maxFailedAttempts {
			s.lockedUntil = s.now().Add(lockoutWindow)
			s.failedAttempts = 0
		}
		return "", ErrWrongPassword
	}
	s.failedAttempts = 0
	return string(plain), nil
}

// Restore loads the sealed seed from disk and derives keys with the password.
func (s *SeedManager) Restore(password string) (*DerivedKeys, error) {
	mnemonic, err := s.Export(password)
	if err != nil {
		return nil, err
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	return DeriveKeys(seed)
}

func (s *SeedManager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// Wipe destroys the sealed seed in memory and on disk. Identity reset only.
func (s *SeedManager) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sealed {
		s.sealed[i] = 0
	}
	s.sealed = nil
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *SeedManager) loadLocked() error {
	if s.path == "" {
		return ErrSeedNotAvailable
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSeedNotAvailable
		}
		return err
	}
	s.sealed = raw
	return nil
}

func normalizeMnemonic(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(raw))), " ")
}
