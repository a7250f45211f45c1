package relay

import (
	"errors"
	"sync"
	"time"

	"scmesh/go-core/pkg/models"
)

var (
	ErrRelayDisabled       = errors.New("relay is disabled by policy")
	ErrRelayBudgetExceeded = errors.New("relay budget exhausted for this window")
	ErrNoRoute             = errors.New("no route to recipient")
	ErrHopLimitExceeded    = errors.New("hop count limit reached")
)

// Budget is the hour-aligned relay budget window. Each forwarding decision
// consumes one unit; a ceiling change waits for the next rollover so the
// current window keeps the ceiling it started with.
type Budget struct {
	mu             sync.Mutex
	window         models.RelayBudgetWindow
	pendingCeiling int
	now            func() time.Time
}

func NewBudget(ceiling int) *Budget {
	b := &Budget{
		pendingCeiling: ceiling,
		now:            time.Now,
	}
	b.window = models.RelayBudgetWindow{
		WindowStart: windowStart(b.now()),
		Ceiling:     ceiling,
	}
	return b
}

func windowStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// Consume charges one forward against the current window.
func (b *Budget) Consume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(b.now())
	if b.window.Consumed >= b.window.Ceiling {
		return ErrRelayBudgetExceeded
	}
	b.window.Consumed++
	return nil
}

// Remaining reports unspent units in the current window.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(b.now())
	left := b.window.Ceiling - b.window.Consumed
	if left < 0 {
		return 0
	}
	return left
}

func (b *Budget) Window() models.RelayBudgetWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(b.now())
	return b.window
}

// NextWindow is when exhausted forwards become retryable.
func (b *Budget) NextWindow() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked(b.now())
	return b.window.WindowStart.Add(time.Hour)
}

// SetCeiling stages a new ceiling for the next window.
func (b *Budget) SetCeiling(ceiling int) {
	if ceiling < 0 {
		ceiling = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingCeiling = ceiling
}

// Rollover advances the window if the hour boundary has passed. The mesh
// service calls this on its periodic sweep; Consume also rolls lazily.
func (b *Budget) Rollover() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rolloverLocked(b.now())
}

func (b *Budget) rolloverLocked(now time.Time) bool {
	start := windowStart(now)
	if !start.After(b.window.WindowStart) {
		return false
	}
	b.window = models.RelayBudgetWindow{
		WindowStart: start,
		Consumed:    0,
		Ceiling:     b.pendingCeiling,
	}
	return true
}
