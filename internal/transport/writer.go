package transport

import (
	"context"
	"sync"
)

// orderedWriter serializes outgoing writes to one peer. Submissions while a
// write is in flight are queued and drained strictly in submission order;
// higher layers rely on this for in-order envelope fragments on one link.
type orderedWriter struct {
	mu      sync.Mutex
	queue   [][]byte
	active  bool
	closed  bool
	writeFn func(ctx context.Context, frame []byte) error
	onError func(err error)
}

func newOrderedWriter(writeFn func(ctx context.Context, frame []byte) error, onError func(err error)) *orderedWriter {
	return &orderedWriter{writeFn: writeFn, onError: onError}
}

// Submit enqueues a frame. The first submission starts a drain goroutine;
// subsequent frames ride the existing drain. Returns SendQueued when a write
// was already in flight.
func (w *orderedWriter) Submit(ctx context.Context, frame []byte) (SendOutcome, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return SendRejected, ErrClosed
	}
	w.queue = append(w.queue, append([]byte(nil), frame...))
	if w.active {
		w.mu.Unlock()
		return SendQueued, nil
	}
	w.active = true
	w.mu.Unlock()

	go w.drain(ctx)
	return SendAccepted, nil
}

func (w *orderedWriter) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		if w.closed || len(w.queue) == 0 {
			w.active = false
			w.mu.Unlock()
			return
		}
		frame := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := w.writeFn(ctx, frame); err != nil {
			if w.onError != nil {
				w.onError(err)
			}
			w.mu.Lock()
			w.queue = nil
			w.active = false
			w.mu.Unlock()
			return
		}
	}
}

func (w *orderedWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.queue = nil
	w.mu.Unlock()
}
