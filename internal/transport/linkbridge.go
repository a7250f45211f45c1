package transport

import (
	"context"
	"fmt"
	"sync"

	"scmesh/go-core/pkg/models"
)

// WriteSink carries an outbound frame over the platform radio (BLE or
// similar). The platform shell supplies it; the core never touches radios.
type WriteSink func(peerRef string, frame []byte) error

// LinkBridge is the short-range transport. The platform shell owns the
// physical layer and pushes link lifecycle and raw frames into the core;
// outbound frames leave through the WriteSink with per-peer ordering.
type LinkBridge struct {
	mu      sync.Mutex
	sink    WriteSink
	writers map[string]*orderedWriter
	events  chan Event
	closed  bool
}

func NewLinkBridge(sink WriteSink) *LinkBridge {
	return &LinkBridge{
		sink:    sink,
		writers: make(map[string]*orderedWriter),
		events:  make(chan Event, 128),
	}
}

func (b *LinkBridge) Kind() string { return models.TransportLink }

// Connect is a no-op: links appear when the platform reports them.
func (b *LinkBridge) Connect(_ context.Context, peerRef string, _ []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.writers[peerRef]; !ok {
		return fmt.Errorf("%w: link to %q not reported up", ErrConnectFailed, peerRef)
	}
	return nil
}

func (b *LinkBridge) Send(ctx context.Context, peerRef string, frame []byte) (SendOutcome, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return SendRejected, ErrClosed
	}
	w, ok := b.writers[peerRef]
	b.mu.Unlock()
	if !ok {
		return SendRejected, ErrNoSession
	}
	return w.Submit(ctx, frame)
}

func (b *LinkBridge) Events() <-chan Event { return b.events }

// LinkUp is called by the platform when a physical link to an authenticated
// peer is established.
func (b *LinkBridge) LinkUp(peerRef string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, ok := b.writers[peerRef]; !ok {
		sink := b.sink
		ref := peerRef
		b.writers[peerRef] = newOrderedWriter(func(_ context.Context, frame []byte) error {
			if sink == nil {
				return ErrWriteFailed
			}
			if err := sink(ref, frame); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
			return nil
		}, nil)
	}
	b.mu.Unlock()
	b.emit(Event{Kind: EventPeerConnected, Transport: models.TransportLink, PeerRef: peerRef})
}

// LinkDown tears the writer down and drops any queued frames.
func (b *LinkBridge) LinkDown(peerRef string) {
	b.mu.Lock()
	if w, ok := b.writers[peerRef]; ok {
		w.Close()
		delete(b.writers, peerRef)
	}
	b.mu.Unlock()
	b.emit(Event{Kind: EventPeerDisconnected, Transport: models.TransportLink, PeerRef: peerRef})
}

// InjectFrame delivers raw bytes received on the physical link.
func (b *LinkBridge) InjectFrame(peerRef string, data []byte) {
	b.emit(Event{
		Kind:      EventDataReceived,
		Transport: models.TransportLink,
		PeerRef:   peerRef,
		Data:      append([]byte(nil), data...),
	})
}

func (b *LinkBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, w := range b.writers {
		w.Close()
	}
	b.writers = make(map[string]*orderedWriter)
	b.mu.Unlock()
	close(b.events)
	return nil
}

// emit never blocks: the buffered channel plus default-drop keeps slow
// consumers from stalling the platform thread. Lock held across the send so
// Close cannot race the channel close.
func (b *LinkBridge) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
	}
}
