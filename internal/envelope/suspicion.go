package envelope

import (
	"sync"
	"time"

	"scmesh/go-core/internal/platform/ratelimiter"
)

// Suspicion counts terminal crypto failures per peer and throttles further
// traffic from peers that keep producing them. Counters only grow; the
// limiter decides when traffic from a suspicious peer is dropped early.
type Suspicion struct {
	mu       sync.Mutex
	counters map[string]int
	limiter  *ratelimiter.MapLimiter
}

func NewSuspicion(rps float64, burst int) *Suspicion {
	return &Suspicion{
		counters: make(map[string]int),
		limiter:  ratelimiter.New(rps, burst, 30*time.Minute),
	}
}

// Record notes one authentication or decryption failure for the peer.
func (s *Suspicion) Record(peerFingerprint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[peerFingerprint]++
	return s.counters[peerFingerprint]
}

func (s *Suspicion) Count(peerFingerprint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[peerFingerprint]
}

// Allow reports whether inbound traffic from the peer should still be
// processed. Peers without recorded failures are never throttled.
func (s *Suspicion) Allow(peerFingerprint string, now time.Time) bool {
	s.mu.Lock()
	suspicious := s.counters[peerFingerprint] > 0
	s.mu.Unlock()
	if !suspicious {
		return true
	}
	return s.limiter.Allow(peerFingerprint, now)
}
