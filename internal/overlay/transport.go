package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scmesh/go-core/internal/transport"
	"scmesh/go-core/pkg/models"
)

// Transport adapts the overlay node to the transport interface. The overlay
// has no per-peer sessions, so it never reports peers live; senders reach it
// explicitly via SendVia when direct transports have nothing to offer.
type Transport struct {
	mu     sync.Mutex
	node   *Node
	events chan transport.Event
	closed bool
}

func NewTransport(node *Node) *Transport {
	return &Transport{
		node:   node,
		events: make(chan transport.Event, 128),
	}
}

func (t *Transport) Kind() string { return models.TransportOverlay }

// Bind subscribes the local fingerprint and starts forwarding inbound frames.
// Call after the node is started and the identity is set.
func (t *Transport) Bind() error {
	return t.node.SubscribeEnvelopes(func(msg Message) {
		t.emit(transport.Event{
			Kind:      transport.EventDataReceived,
			Transport: models.TransportOverlay,
			PeerRef:   msg.Sender,
			Data:      msg.Frame,
		})
	})
}

// Connect only checks overlay health; there is no peer session to establish.
func (t *Transport) Connect(_ context.Context, _ string, _ []string) error {
	status := t.node.Status()
	if status.State != StateConnected && status.State != StateDegraded {
		return fmt.Errorf("%w: overlay is %s", transport.ErrConnectFailed, status.State)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, peerRef string, frame []byte) (transport.SendOutcome, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.SendRejected, transport.ErrClosed
	}
	msg := Message{
		Sender:    t.node.Fingerprint(),
		Recipient: peerRef,
		Frame:     append([]byte(nil), frame...),
		SentAt:    time.Now(),
	}
	if err := t.node.PublishEnvelope(ctx, msg); err != nil {
		return transport.SendRejected, fmt.Errorf("%w: %v", transport.ErrWriteFailed, err)
	}
	return transport.SendAccepted, nil
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}
