package relay

import (
	"errors"
	"sync"
	"time"

	"scmesh/go-core/pkg/models"
)

var (
	ErrUnknownMessage    = errors.New("message is not tracked")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	ErrAlreadyTerminal   = errors.New("message already reached a terminal state")
)

// validTransitions encodes the per-message lifecycle. Terminal states accept
// nothing; Queued may cycle back through route resolution.
var validTransitions = map[string][]string{
	models.StateCreated:      {models.StateRouteResolve, models.StateFailed, models.StateExpired},
	models.StateRouteResolve: {models.StateDirectSend, models.StateRelaySend, models.StateQueued, models.StateFailed, models.StateExpired},
	models.StateDirectSend:   {models.StateDelivered, models.StateQueued, models.StateFailed, models.StateExpired},
	models.StateRelaySend:    {models.StateDelivered, models.StateQueued, models.StateFailed, models.StateExpired},
	models.StateQueued:       {models.StateRouteResolve, models.StateDelivered, models.StateFailed, models.StateExpired},
}

// Tracker follows locally originated messages through the delivery state
// machine and reports each terminal outcome exactly once.
type Tracker struct {
	mu         sync.Mutex
	records    map[string]*models.DeliveryRecord
	onTerminal func(models.DeliveryRecord)
	now        func() time.Time
}

func NewTracker(onTerminal func(models.DeliveryRecord)) *Tracker {
	return &Tracker{
		records:    make(map[string]*models.DeliveryRecord),
		onTerminal: onTerminal,
		now:        time.Now,
	}
}

// Track registers a new message in Created state. Idempotent for an id that
// is already tracked.
func (t *Tracker) Track(messageID string) models.DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[messageID]; ok {
		return snapshot(rec)
	}
	rec := &models.DeliveryRecord{
		MessageID:   messageID,
		State:       models.StateCreated,
		Transitions: map[string]time.Time{models.StateCreated: t.now()},
	}
	t.records[messageID] = rec
	return snapshot(rec)
}

// Transition moves a message to the next state. Terminal notifications fire
// outside the lock, and only on the first arrival at a terminal state.
func (t *Tracker) Transition(messageID, next string) error {
	t.mu.Lock()
	rec, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if models.TerminalState(rec.State) {
		t.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if !allowed(rec.State, next) {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	rec.State = next
	rec.Transitions[next] = t.now()
	terminal := models.TerminalState(next)
	var report models.DeliveryRecord
	if terminal {
		report = snapshot(rec)
	}
	onTerminal := t.onTerminal
	t.mu.Unlock()

	if terminal && onTerminal != nil {
		onTerminal(report)
	}
	return nil
}

func (t *Tracker) Get(messageID string) (models.DeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[messageID]
	if !ok {
		return models.DeliveryRecord{}, false
	}
	return snapshot(rec), true
}

// Forget drops a terminal record; calling on an in-flight message is an
// error so live state is never lost.
func (t *Tracker) Forget(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[messageID]
	if !ok {
		return ErrUnknownMessage
	}
	if !models.TerminalState(rec.State) {
		return ErrInvalidTransition
	}
	delete(t.records, messageID)
	return nil
}

func allowed(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func snapshot(rec *models.DeliveryRecord) models.DeliveryRecord {
	out := *rec
	out.Transitions = make(map[string]time.Time, len(rec.Transitions))
	for k, v := range rec.Transitions {
		out.Transitions[k] = v
	}
	return out
}
