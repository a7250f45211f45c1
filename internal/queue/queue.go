package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"scmesh/go-core/internal/securestore"
	"scmesh/go-core/pkg/models"
)

var (
	ErrDuplicateEntry = errors.New("message is already queued")
	ErrUnknownEntry   = errors.New("message is not queued")
)

const (
	defaultMaxEntries  = 2048
	defaultMaxAge      = 72 * time.Hour
	defaultMaxAttempts = 10
	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = 30 * time.Minute
)

type Options struct {
	MaxEntries   int
	MaxAge       time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SnapshotPath string
	Secret       string
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	return o
}

// Queue is the durable store-and-forward buffer. Entries persist before the
// first transport attempt (write-then-send); an ack removes the entry, a
// failed attempt schedules exponential backoff until the attempt bound.
// Originated and forwarded traffic share the store; originated drains first.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]models.QueueEntry
	enqueued map[string]time.Time
	opts     Options
	now      func() time.Time
}

func New(opts Options) *Queue {
	return &Queue{
		entries:  make(map[string]models.QueueEntry),
		enqueued: make(map[string]time.Time),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Enqueue persists the entry and applies retention. The returned error is
// from persistence; a storage failure leaves the in-memory entry in place so
// delivery can still proceed, but the caller must surface the fault.
func (q *Queue) Enqueue(entry models.QueueEntry) error {
	q.mu.Lock()
	if _, exists := q.entries[entry.MessageID]; exists {
		q.mu.Unlock()
		return ErrDuplicateEntry
	}
	if entry.State == "" {
		entry.State = models.StateQueued
	}
	if entry.NextRetry.IsZero() {
		entry.NextRetry = q.now()
	}
	q.entries[entry.MessageID] = entry
	q.enqueued[entry.MessageID] = q.now()
	q.applyRetentionLocked()
	q.mu.Unlock()
	return q.Save()
}

// Ack removes a delivered entry.
func (q *Queue) Ack(messageID string) error {
	q.mu.Lock()
	if _, ok := q.entries[messageID]; !ok {
		q.mu.Unlock()
		return ErrUnknownEntry
	}
	delete(q.entries, messageID)
	delete(q.enqueued, messageID)
	q.mu.Unlock()
	return q.Save()
}

// Fail records a failed attempt. Returns the updated entry; State flips to
// Failed once attempts exceed the bound.
func (q *Queue) Fail(messageID string, cause error) (models.QueueEntry, error) {
	q.mu.Lock()
	entry, ok := q.entries[messageID]
	if !ok {
		q.mu.Unlock()
		return models.QueueEntry{}, ErrUnknownEntry
	}
	entry.Attempts++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if entry.Attempts >= q.opts.MaxAttempts {
		entry.State = models.StateFailed
	} else {
		entry.NextRetry = q.now().Add(q.backoff(entry.Attempts))
	}
	q.entries[messageID] = entry
	q.mu.Unlock()
	if err := q.Save(); err != nil {
		return entry, err
	}
	return entry, nil
}

// Defer reschedules an entry without charging an attempt; budget-exhausted
// forwards wait for the window boundary this way.
func (q *Queue) Defer(messageID string, until time.Time) error {
	q.mu.Lock()
	entry, ok := q.entries[messageID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownEntry
	}
	entry.NextRetry = until
	q.entries[messageID] = entry
	q.mu.Unlock()
	return q.Save()
}

// Remove drops an entry regardless of state.
func (q *Queue) Remove(messageID string) error {
	q.mu.Lock()
	delete(q.entries, messageID)
	delete(q.enqueued, messageID)
	q.mu.Unlock()
	return q.Save()
}

func (q *Queue) Get(messageID string) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[messageID]
	return entry, ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Due lists retryable entries whose retry time has passed, originated
// before forwarded, oldest retry time first within each class. Entries in
// Failed state are excluded.
func (q *Queue) Due(now time.Time) []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, 0)
	for _, entry := range q.entries {
		if entry.State == models.StateFailed {
			continue
		}
		if entry.NextRetry.After(now) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction == models.DirectionOriginated
		}
		if !out[i].NextRetry.Equal(out[j].NextRetry) {
			return out[i].NextRetry.Before(out[j].NextRetry)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// Pending lists retryable entries addressed to one recipient, so a peer
// coming back into reach can be flushed immediately.
func (q *Queue) Pending(recipient string) []models.QueueEntry {
	recipient = models.NormalizeFingerprint(recipient)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, 0)
	for _, entry := range q.entries {
		if entry.State == models.StateFailed {
			continue
		}
		if models.NormalizeFingerprint(entry.Envelope.RecipientFingerprint) != recipient {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// Sweep expires entries whose envelope TTL has lapsed or whose queue age
// exceeds the retention ceiling. Returns the expired entries so callers can
// report state transitions.
func (q *Queue) Sweep(now time.Time) []models.QueueEntry {
	q.mu.Lock()
	expired := make([]models.QueueEntry, 0)
	for id, entry := range q.entries {
		age := now.Sub(q.enqueued[id])
		if entry.Envelope.Expired(now) || age > q.opts.MaxAge {
			expired = append(expired, entry)
			delete(q.entries, id)
			delete(q.enqueued, id)
		}
	}
	q.mu.Unlock()
	if len(expired) > 0 {
		_ = q.Save()
	}
	return expired
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	if d > q.opts.BackoffMax {
		d = q.opts.BackoffMax
	}
	return d
}

// applyRetentionLocked evicts oldest-enqueued entries over the size ceiling.
func (q *Queue) applyRetentionLocked() {
	for len(q.entries) > q.opts.MaxEntries {
		oldestID := ""
		var oldestAt time.Time
		for id := range q.entries {
			at := q.enqueued[id]
			if oldestID == "" || at.Before(oldestAt) {
				oldestID = id
				oldestAt = at
			}
		}
		if oldestID == "" {
			return
		}
		delete(q.entries, oldestID)
		delete(q.enqueued, oldestID)
	}
}

type queueSnapshot struct {
	Entries  []models.QueueEntry  `json:"entries"`
	Enqueued map[string]time.Time `json:"enqueued"`
}

// Save writes the encrypted snapshot; no-op without configured persistence.
// Only sealed envelopes ever reach the file.
func (q *Queue) Save() error {
	if !securestore.IsStorageConfigured(q.opts.SnapshotPath, q.opts.Secret) {
		return nil
	}
	q.mu.Lock()
	snap := queueSnapshot{
		Entries:  make([]models.QueueEntry, 0, len(q.entries)),
		Enqueued: make(map[string]time.Time, len(q.enqueued)),
	}
	for id, entry := range q.entries {
		snap.Entries = append(snap.Entries, entry)
		snap.Enqueued[id] = q.enqueued[id]
	}
	q.mu.Unlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].MessageID < snap.Entries[j].MessageID })
	return securestore.WriteEncryptedJSON(q.opts.SnapshotPath, q.opts.Secret, snap)
}

func (q *Queue) Load() error {
	if !securestore.IsStorageConfigured(q.opts.SnapshotPath, q.opts.Secret) {
		return nil
	}
	var snap queueSnapshot
	if err := securestore.ReadDecryptedJSON(q.opts.SnapshotPath, q.opts.Secret, &snap); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range snap.Entries {
		q.entries[entry.MessageID] = entry
		if at, ok := snap.Enqueued[entry.MessageID]; ok {
			q.enqueued[entry.MessageID] = at
		} else {
			q.enqueued[entry.MessageID] = q.now()
		}
	}
	return nil
}
