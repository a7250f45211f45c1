package queue

import (
	"sync"
	"time"
)

const (
	defaultDedupWindow = 10 * time.Minute
	defaultDedupCap    = 4096
)

// Dedup is the inbound duplicate filter: a bounded, time-windowed message-id
// set. A duplicate inside the window is acknowledged upstream but never
// re-delivered or re-forwarded.
type Dedup struct {
	mu      sync.Mutex
	window  time.Duration
	cap     int
	seen    map[string]time.Time
	arrival []string
	now     func() time.Time
}

func NewDedup(window time.Duration, capacity int) *Dedup {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if capacity <= 0 {
		capacity = defaultDedupCap
	}
	return &Dedup{
		window: window,
		cap:    capacity,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Observe records a message id and reports whether it is new. Expired and
// over-capacity ids age out oldest first.
func (d *Dedup) Observe(messageID string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(now)

	if seenAt, ok := d.seen[messageID]; ok && now.Sub(seenAt) < d.window {
		return false
	}
	if _, ok := d.seen[messageID]; !ok {
		d.arrival = append(d.arrival, messageID)
	}
	d.seen[messageID] = now

	for len(d.seen) > d.cap && len(d.arrival) > 0 {
		oldest := d.arrival[0]
		d.arrival = d.arrival[1:]
		delete(d.seen, oldest)
	}
	return true
}

// Seen reports whether an id is inside the live window without recording
// it, for callers that must authenticate an envelope before admitting its id.
func (d *Dedup) Seen(messageID string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	seenAt, ok := d.seen[messageID]
	return ok && now.Sub(seenAt) < d.window
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) expireLocked(now time.Time) {
	kept := d.arrival[:0]
	for _, id := range d.arrival {
		seenAt, ok := d.seen[id]
		if !ok {
			continue
		}
		if now.Sub(seenAt) >= d.window {
			delete(d.seen, id)
			continue
		}
		kept = append(kept, id)
	}
	d.arrival = kept
}
