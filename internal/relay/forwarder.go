package relay

import (
	"sync"
	"time"

	"scmesh/go-core/internal/directory"
	"scmesh/go-core/pkg/models"
)

const DefaultMaxHops = 8

// Policy is the user-facing relay switch. Off means: outbound sends that
// need a forwarding hop fail synchronously, inbound envelopes needing a
// forward are dropped. Direct traffic is never affected.
type Policy struct {
	mu      sync.RWMutex
	enabled bool
	maxHops uint8
}

func NewPolicy(enabled bool, maxHops uint8) *Policy {
	if maxHops == 0 {
		maxHops = DefaultMaxHops
	}
	return &Policy{enabled: enabled, maxHops: maxHops}
}

func (p *Policy) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *Policy) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

func (p *Policy) MaxHops() uint8 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxHops
}

type Action int

const (
	ActionForward Action = iota
	ActionQueue
	ActionDrop
)

// Decision is the outcome of one forwarding evaluation.
type Decision struct {
	Action   Action
	NextHops []string
	RetryAt  time.Time
	Reason   error
}

// Forwarder applies policy, budget and loop prevention to envelopes that
// need another hop.
type Forwarder struct {
	policy *Policy
	budget *Budget
	table  *directory.Table
	now    func() time.Time
}

func NewForwarder(policy *Policy, budget *Budget, table *directory.Table) *Forwarder {
	return &Forwarder{policy: policy, budget: budget, table: table, now: time.Now}
}

// CheckOutbound gates locally originated sends that cannot reach the
// recipient directly. Fails synchronously so nothing is queued.
func (f *Forwarder) CheckOutbound() error {
	if !f.policy.Enabled() {
		return ErrRelayDisabled
	}
	return nil
}

// Decide evaluates an inbound envelope addressed to someone else.
// arrivedFrom is excluded from next hops so traffic never bounces back.
func (f *Forwarder) Decide(env models.Envelope, arrivedFrom string) Decision {
	if !f.policy.Enabled() {
		return Decision{Action: ActionDrop, Reason: ErrRelayDisabled}
	}
	if env.Expired(f.now()) {
		return Decision{Action: ActionDrop, Reason: nil}
	}
	if env.HopCount >= f.policy.MaxHops() {
		return Decision{Action: ActionDrop, Reason: ErrHopLimitExceeded}
	}

	hops := f.nextHops(env, arrivedFrom)
	if len(hops) == 0 {
		return Decision{Action: ActionDrop, Reason: ErrNoRoute}
	}

	if err := f.budget.Consume(); err != nil {
		retryAt := f.budget.NextWindow()
		if env.TTLSeconds > 0 {
			expiresAt := env.CreatedAt.Add(time.Duration(env.TTLSeconds) * time.Second)
			if retryAt.After(expiresAt) {
				return Decision{Action: ActionDrop, Reason: err}
			}
		}
		return Decision{Action: ActionQueue, RetryAt: retryAt, Reason: err}
	}

	return Decision{Action: ActionForward, NextHops: hops}
}

// PrepareForward returns the envelope as it leaves this node: hop count
// bumped, everything else untouched so the signature still verifies.
func PrepareForward(env models.Envelope) models.Envelope {
	env.HopCount++
	return env
}

func (f *Forwarder) nextHops(env models.Envelope, arrivedFrom string) []string {
	arrived := models.NormalizeFingerprint(arrivedFrom)
	recipient := models.NormalizeFingerprint(env.RecipientFingerprint)
	sender := models.NormalizeFingerprint(env.SenderFingerprint)

	// The recipient itself, if we can reach it, is always the best next hop.
	hops := make([]string, 0, 4)
	if rec, ok := f.table.Get(recipient); ok && rec.Fingerprint != arrived {
		hops = append(hops, rec.Fingerprint)
	}
	for _, candidate := range f.table.RelayCandidates(recipient) {
		fp := candidate.Fingerprint
		if fp == arrived || fp == recipient || fp == sender {
			continue
		}
		hops = append(hops, fp)
	}
	return hops
}
