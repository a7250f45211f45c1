package transport

import (
	"context"
	"errors"

	"scmesh/go-core/pkg/models"
)

var (
	ErrConnectFailed = errors.New("transport connect failed")
	ErrWriteFailed   = errors.New("transport write failed")
	ErrNoSession     = errors.New("no live session for peer")
	ErrClosed        = errors.New("transport is closed")
)

type SendOutcome string

const (
	SendAccepted SendOutcome = "accepted"
	SendQueued   SendOutcome = "queued"
	SendRejected SendOutcome = "rejected"
)

type EventKind string

const (
	EventDataReceived     EventKind = "data_received"
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
)

// Event is the uniform inbound notification for every link type.
type Event struct {
	Kind      EventKind
	Transport string // transport kind that produced the event
	PeerRef   string // peer fingerprint once authenticated, link address before
	Data      []byte
}

// Transport presents one link type (platform link, LAN, overlay) through a
// uniform surface. Implementations must serialize writes per peer: a frame
// submitted while another is in flight is queued and drained in order.
type Transport interface {
	Kind() string
	Connect(ctx context.Context, peerRef string, addrs []string) error
	Send(ctx context.Context, peerRef string, frame []byte) (SendOutcome, error)
	Events() <-chan Event
	Close() error
}

// Priority returns the selection rank for a transport kind, lower first.
// Direct local links beat LAN, LAN beats the overlay.
func Priority(kind string) int {
	switch kind {
	case models.TransportLink:
		return 0
	case models.TransportLAN:
		return 1
	case models.TransportOverlay:
		return 2
	default:
		return 3
	}
}
