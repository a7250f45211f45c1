package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns every registered transport, merges their event streams and
// picks the best transport for each outbound frame by priority order,
// falling down the list when the preferred link has no live session.
type Manager struct {
	mu         sync.RWMutex
	transports map[string]Transport
	enabled    map[string]bool
	live       map[string]map[string]bool // transport kind -> peer -> live
	events     chan Event
	forwardWG  sync.WaitGroup
	closed     bool
}

func NewManager() *Manager {
	return &Manager{
		transports: make(map[string]Transport),
		enabled:    make(map[string]bool),
		live:       make(map[string]map[string]bool),
		events:     make(chan Event, 256),
	}
}

// Register adds a transport and starts forwarding its events into the merged
// stream, tracking per-peer session liveness along the way.
func (m *Manager) Register(t Transport) {
	kind := t.Kind()
	m.mu.Lock()
	m.transports[kind] = t
	m.enabled[kind] = true
	m.live[kind] = make(map[string]bool)
	m.mu.Unlock()

	m.forwardWG.Add(1)
	go func() {
		defer m.forwardWG.Done()
		for ev := range t.Events() {
			m.trackLiveness(ev)
			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if closed {
				return
			}
			select {
			case m.events <- ev:
			default:
				slog.Warn("transport event dropped, consumer too slow", "transport", ev.Transport, "kind", string(ev.Kind))
			}
		}
	}()
}

func (m *Manager) trackLiveness(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers, ok := m.live[ev.Transport]
	if !ok {
		return
	}
	switch ev.Kind {
	case EventPeerConnected:
		peers[ev.PeerRef] = true
	case EventPeerDisconnected:
		delete(peers, ev.PeerRef)
	}
}

// SetEnabled toggles a transport on or off; the adaptive engine drives this
// at profile boundaries.
func (m *Manager) SetEnabled(kind string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transports[kind]; ok {
		m.enabled[kind] = enabled
	}
}

func (m *Manager) Enabled(kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[kind]
}

// Events is the merged inbound stream across all transports.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// LiveTransports returns the kinds that currently hold a session for the
// peer, ordered by priority.
func (m *Manager) LiveTransports(peerRef string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.transports))
	for kind, peers := range m.live {
		if m.enabled[kind] && peers[peerRef] {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return Priority(kinds[i]) < Priority(kinds[j]) })
	return kinds
}

// Connect attempts a connection on the named transport.
func (m *Manager) Connect(ctx context.Context, kind, peerRef string, addrs []string) error {
	m.mu.RLock()
	t, ok := m.transports[kind]
	enabled := m.enabled[kind]
	m.mu.RUnlock()
	if !ok || !enabled {
		return fmt.Errorf("%w: transport %q unavailable", ErrConnectFailed, kind)
	}
	return t.Connect(ctx, peerRef, addrs)
}

// Send picks the highest-priority live transport for the peer and submits
// the frame. ErrNoSession when nothing is live.
func (m *Manager) Send(ctx context.Context, peerRef string, frame []byte) (string, SendOutcome, error) {
	for _, kind := range m.LiveTransports(peerRef) {
		m.mu.RLock()
		t := m.transports[kind]
		m.mu.RUnlock()
		outcome, err := t.Send(ctx, peerRef, frame)
		if err != nil {
			slog.Debug("send failed, falling back", "transport", kind, "peer_fingerprint", peerRef, "reason", err.Error())
			continue
		}
		return kind, outcome, nil
	}
	return "", SendRejected, ErrNoSession
}

// SendVia bypasses priority selection; used by the overlay path where the
// peer has no live session but the overlay can still carry the frame.
func (m *Manager) SendVia(ctx context.Context, kind, peerRef string, frame []byte) (SendOutcome, error) {
	m.mu.RLock()
	t, ok := m.transports[kind]
	enabled := m.enabled[kind]
	m.mu.RUnlock()
	if !ok || !enabled {
		return SendRejected, fmt.Errorf("%w: transport %q unavailable", ErrWriteFailed, kind)
	}
	return t.Send(ctx, peerRef, frame)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	m.forwardWG.Wait()
	close(m.events)
	return nil
}
