package overlay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	BackendMock   = "mock"
	BackendGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var runtimeStatusPollInterval = 1 * time.Second

var (
	ErrNotConnected  = errors.New("overlay not connected")
	ErrNoIdentitySet = errors.New("overlay identity is not set")
)

type Config struct {
	Backend             string        `yaml:"backend"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node is the wide-area hop: it carries sealed envelope frames between
// fingerprints that share no direct link and hosts the announcement board
// used for distributed peer lookup. The default backend is an in-process bus;
// builds tagged real_waku swap in a live go-waku node.
type Node struct {
	mu          sync.RWMutex
	cfg         Config
	status      Status
	fingerprint string
	handler     func(Message)
	gw          backend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ApplyConfig(cfg Config)
	SetIdentity(fingerprint string)
	ListenAddresses() []string
	SubscribeEnvelopes(handler func(Message)) error
	PublishEnvelope(ctx context.Context, msg Message) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Message, error)
	Announce(ctx context.Context, a Announcement) error
	Lookup(ctx context.Context, fingerprint string) (Announcement, bool, error)
	WatchAnnouncements(handler func(Announcement)) error
}

func DefaultConfig() Config {
	return Config{
		Backend:             BackendMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableLightPush:     true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg: cfg,
		status: Status{
			State: StateDisconnected,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Backend == BackendGoWaku {
		gw := newGoWakuBackend()
		if gw == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := gw.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount, err := waitForStartupPeerCount(ctx, gw, n.cfg)
		if err != nil {
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = gw
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.fingerprint != "" {
		globalBus.unsubscribe(n.fingerprint)
	}
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) Fingerprint() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingerprint
}

func (n *Node) SetIdentity(fingerprint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fingerprint = fingerprint
	if n.gw != nil {
		n.gw.SetIdentity(fingerprint)
	}
}

// ApplyConfig folds in runtime-adjustable settings; the adaptive engine and
// bootstrap refresh both route through here.
func (n *Node) ApplyConfig(cfg Config) {
	cfg = normalizeConfig(cfg)

	n.mu.Lock()
	n.cfg.BootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	n.cfg.MinPeers = cfg.MinPeers
	n.cfg.ReconnectInterval = cfg.ReconnectInterval
	n.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	gw := n.gw
	nodeCfg := n.cfg
	n.mu.Unlock()

	if gw != nil {
		gw.ApplyConfig(nodeCfg)
	}
}

func (n *Node) SubscribeEnvelopes(handler func(Message)) error {
	n.mu.Lock()
	n.handler = handler
	state := n.status.State
	fingerprint := n.fingerprint
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if fingerprint == "" {
		return ErrNoIdentitySet
	}
	if gw != nil {
		return gw.SubscribeEnvelopes(handler)
	}
	globalBus.subscribe(fingerprint, handler)
	return nil
}

func (n *Node) PublishEnvelope(ctx context.Context, msg Message) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if msg.Recipient == "" {
		return errors.New("recipient is required")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if gw != nil {
		return gw.PublishEnvelope(ctx, msg)
	}
	globalBus.publish(msg)
	return nil
}

// FetchSince pulls frames addressed to the recipient that were stored while
// it was offline. The mock backend serves the bus's retained window.
func (n *Node) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Message, error) {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, ErrNotConnected
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if limit <= 0 {
		limit = retainedPerRecipient
	}
	if gw == nil {
		return globalBus.fetchSince(recipient, since, limit), nil
	}
	return gw.FetchSince(ctx, recipient, since, limit)
}

// Announce publishes a signed presence beacon to the announcement board.
func (n *Node) Announce(ctx context.Context, a Announcement) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if a.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if a.SentAt.IsZero() {
		a.SentAt = time.Now()
	}
	if gw != nil {
		return gw.Announce(ctx, a)
	}
	globalBus.announce(a)
	return nil
}

// Lookup returns the latest announcement seen for a fingerprint, if any.
func (n *Node) Lookup(ctx context.Context, fingerprint string) (Announcement, bool, error) {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return Announcement{}, false, ErrNotConnected
	}
	if gw != nil {
		return gw.Lookup(ctx, fingerprint)
	}
	a, ok := globalBus.lookup(fingerprint)
	return a, ok, nil
}

// WatchAnnouncements streams every beacon that crosses the board.
func (n *Node) WatchAnnouncements(handler func(Announcement)) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if gw != nil {
		return gw.WatchAnnouncements(handler)
	}
	globalBus.watch(handler)
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"overlay_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		// Update once immediately to avoid waiting one interval after startup.
		n.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, gw backend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := gw.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timeout := startupHandshakeTimeout(cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return gw.PeerCount(), ctx.Err()
		case <-timer.C:
			return gw.PeerCount(), nil
		case <-ticker.C:
			peerCount = gw.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := base * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return timeout
}
