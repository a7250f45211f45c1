package directory

import (
	"context"
	"sync"
	"time"
)

// Foreground sessions rediscover continuously; duty cycling only matters
// when the app is backgrounded and the radio budget is scarce.
const foregroundInterval = 5 * time.Second

// Discovery runs the duty-cycled beacon publish + scan loop. Interval
// changes land at the next cycle boundary, never mid-cycle.
type Discovery struct {
	mu         sync.Mutex
	interval   time.Duration
	foreground bool
	publish    func(ctx context.Context)
	scan       func(ctx context.Context)
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewDiscovery(interval time.Duration, publish, scan func(ctx context.Context)) *Discovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Discovery{interval: interval, publish: publish, scan: scan}
}

func (d *Discovery) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		for {
			d.runCycle(ctx)
			timer := time.NewTimer(d.effectiveInterval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

func (d *Discovery) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
}

// SetInterval updates the duty cycle; the running cycle finishes on the old
// cadence.
func (d *Discovery) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.interval = interval
	d.mu.Unlock()
}

func (d *Discovery) SetForeground(foreground bool) {
	d.mu.Lock()
	d.foreground = foreground
	d.mu.Unlock()
}

func (d *Discovery) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

func (d *Discovery) effectiveInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.foreground && foregroundInterval < d.interval {
		return foregroundInterval
	}
	return d.interval
}

func (d *Discovery) runCycle(ctx context.Context) {
	if d.publish != nil {
		d.publish(ctx)
	}
	if ctx.Err() != nil {
		return
	}
	if d.scan != nil {
		d.scan(ctx)
	}
}
