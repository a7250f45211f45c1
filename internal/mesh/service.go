package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"scmesh/go-core/internal/adaptive"
	"scmesh/go-core/internal/directory"
	"scmesh/go-core/internal/envelope"
	"scmesh/go-core/internal/events"
	"scmesh/go-core/internal/identity"
	"scmesh/go-core/internal/metrics"
	"scmesh/go-core/internal/overlay"
	"scmesh/go-core/internal/queue"
	"scmesh/go-core/internal/relay"
	"scmesh/go-core/internal/transport"
	"scmesh/go-core/pkg/models"
)

var (
	ErrNotRunning       = errors.New("mesh service is not running")
	ErrAlreadyRunning   = errors.New("mesh service is already running")
	ErrEncryptionFailed = errors.New("message could not be sealed")
)

const (
	maintenanceInterval       = 30 * time.Second
	pausedMaintenanceInterval = 2 * time.Minute
	suspicionRPS              = 0.2
	suspicionBurst            = 3
	eventHistoryLimit         = 512
	overlayCatchupLimit       = 256
)

var allProfileNames = []string{
	adaptive.ProfileMaximum,
	adaptive.ProfileHigh,
	adaptive.ProfileStandard,
	adaptive.ProfileReduced,
	adaptive.ProfileMinimal,
}

// MessageStateChange is the payload on the message.state topic.
type MessageStateChange struct {
	MessageID string `json:"message_id"`
	State     string `json:"state"`
}

// ArrivedMessage is the payload on the message.arrived topic.
type ArrivedMessage struct {
	MessageID         string `json:"message_id"`
	SenderFingerprint string `json:"sender_fingerprint"`
	Content           []byte `json:"content"`
}

// PeerEvent is the payload on the peer.discovered and peer.lost topics.
type PeerEvent struct {
	Fingerprint string `json:"fingerprint"`
	Transport   string `json:"transport,omitempty"`
}

// RelayActivity is the payload on the relay.activity topic. Content-free:
// the envelope being relayed is never inspectable anyway.
type RelayActivity struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// TransportState is the payload on the transport.state topic.
type TransportState struct {
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
}

// ConnectionQuality is the payload on the connection.quality topic.
type ConnectionQuality struct {
	Transport string `json:"transport"`
	State     string `json:"state"`
	PeerCount int    `json:"peer_count"`
}

// BatteryState is the payload on the battery.state topic.
type BatteryState struct {
	Percent  int  `json:"percent"`
	Charging bool `json:"charging"`
}

// Stats is the payload on the stats.updated topic, refreshed every
// maintenance cycle.
type Stats struct {
	PeersKnown    int `json:"peers_known"`
	QueueDepth    int `json:"queue_depth"`
	RelayConsumed int `json:"relay_consumed"`
	RelayCeiling  int `json:"relay_ceiling"`
}

// Service wires every subsystem into one running mesh node: identity,
// directory, envelope sealing, transports, relaying, the durable queue and
// the adaptive engine. The platform shell talks to the core only through
// this surface plus the event dispatcher.
type Service struct {
	cfg Config

	ids       *identity.Manager
	table     *directory.Table
	sealer    *envelope.Sealer
	suspicion *envelope.Suspicion

	queue *queue.Queue
	dedup *queue.Dedup

	budget    *relay.Budget
	policy    *relay.Policy
	forwarder *relay.Forwarder
	tracker   *relay.Tracker

	engine *adaptive.Engine
	bus    *events.Dispatcher
	meters *metrics.Metrics

	transports  *transport.Manager
	link        *transport.LinkBridge
	lan         *transport.LANTransport
	sightings   *transport.SightingCache
	overlayNode *overlay.Node
	overlayTr   *overlay.Transport
	resolver    *directory.Resolver
	history     *HistoryStore

	mu               sync.Mutex
	running          bool
	paused           bool
	cancel           context.CancelFunc
	discovery        *directory.Discovery
	lastOverlayState string
	wg               sync.WaitGroup
	retryKick        chan struct{}
}

// NewService builds the component graph. Nothing starts until Start; the
// identity may be created or restored between the two.
func NewService(cfg Config, linkSink transport.WriteSink) *Service {
	s := &Service{
		cfg:       cfg,
		bus:       events.NewDispatcher(eventHistoryLimit),
		meters:    metrics.New(),
		retryKick: make(chan struct{}, 1),
	}

	s.ids = identity.NewManager(cfg.seedPath())
	s.table = directory.NewTable(directory.TableOptions{
		SnapshotPath: cfg.peersPath(),
		Secret:       cfg.Passphrase,
	})
	s.sealer = envelope.NewSealer(s.ids, s.table)
	s.suspicion = envelope.NewSuspicion(suspicionRPS, suspicionBurst)

	s.queue = queue.New(queue.Options{
		MaxEntries:   cfg.QueueMaxEntries,
		MaxAge:       cfg.QueueMaxAge(),
		SnapshotPath: cfg.queuePath(),
		Secret:       cfg.Passphrase,
	})
	s.dedup = queue.NewDedup(0, 0)

	s.budget = relay.NewBudget(cfg.RelayBudgetPerHour)
	s.policy = relay.NewPolicy(*cfg.RelayEnabled, uint8(cfg.MaxHops))
	s.forwarder = relay.NewForwarder(s.policy, s.budget, s.table)
	s.tracker = relay.NewTracker(s.onTerminalDelivery)

	s.engine = adaptive.NewEngine(cfg.BatteryFloorPct, func(p adaptive.Profile) {
		s.bus.Publish(events.TopicProfileChanged, p.Name)
	})

	s.transports = transport.NewManager()
	s.link = transport.NewLinkBridge(linkSink)
	s.sightings = transport.NewSightingCache(0)
	s.overlayNode = overlay.NewNode(cfg.Overlay)
	s.overlayTr = overlay.NewTransport(s.overlayNode)
	s.resolver = directory.NewResolver(s.table, s.liveTransports, &directory.OverlayLookup{Node: s.overlayNode})
	s.history = NewHistoryStore(cfg.historyPath(), cfg.Passphrase, cfg.HistoryPerPeer)

	return s
}

// Start brings the transports up and launches the background loops. An
// identity must already be present.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	if !s.ids.HasIdentity() {
		return identity.ErrNoIdentity
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return err
	}
	if err := s.table.Load(); err != nil {
		s.reportStorageFault("directory", err)
	}
	if err := s.queue.Load(); err != nil {
		s.reportStorageFault("queue", err)
	}
	if err := s.history.Load(); err != nil {
		s.reportStorageFault("history", err)
	}

	fingerprint := s.ids.Fingerprint()
	s.transports.Register(s.link)

	s.lan = transport.NewLANTransport(fingerprint, s.cfg.LANListenAddr)
	if err := s.lan.Start(); err != nil {
		return err
	}
	s.transports.Register(s.lan)
	s.setTransportEnabled(models.TransportLAN, *s.cfg.LANEnabled)

	s.overlayNode.SetIdentity(fingerprint)
	overlayUp := false
	if *s.cfg.OverlayEnabled {
		if err := s.overlayNode.Start(ctx); err != nil {
			slog.Warn("overlay start failed, continuing without it", "reason", err.Error())
		} else if err := s.overlayTr.Bind(); err != nil {
			slog.Warn("overlay subscribe failed", "reason", err.Error())
		} else {
			overlayUp = true
		}
	}
	s.transports.Register(s.overlayTr)
	s.setTransportEnabled(models.TransportOverlay, overlayUp)

	svcCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.paused = false
	s.mu.Unlock()

	s.sightings.Start(svcCtx)

	s.wg.Add(1)
	go s.eventPump(svcCtx)

	if overlayUp {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.overlayCatchup(svcCtx)
		}()
	}

	discovery := directory.NewDiscovery(s.cfg.DiscoveryInterval(), s.publishPresence, s.scanPresence)
	s.mu.Lock()
	s.discovery = discovery
	s.mu.Unlock()
	discovery.Start(svcCtx)

	s.wg.Add(1)
	go s.maintenanceLoop(svcCtx)

	s.meters.SetProfile(s.engine.Active().Name, allProfileNames)
	s.bus.Publish(events.TopicServiceState, "running")
	slog.Info("mesh service started", "fingerprint", fingerprint, "lan_addr", s.lan.ListenAddr())
	return nil
}

// Stop shuts the loops and transports down and flushes state to disk.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	discovery := s.discovery
	s.mu.Unlock()

	cancel()
	if discovery != nil {
		discovery.Stop()
	}
	_ = s.transports.Close()
	_ = s.overlayNode.Stop(ctx)
	s.wg.Wait()

	if err := s.table.Save(); err != nil {
		slog.Warn("directory snapshot failed", "reason", err.Error())
	}
	if err := s.queue.Save(); err != nil {
		slog.Warn("queue snapshot failed", "reason", err.Error())
	}
	if err := s.history.Save(); err != nil {
		slog.Warn("history snapshot failed", "reason", err.Error())
	}
	s.bus.Publish(events.TopicServiceState, "stopped")
	slog.Info("mesh service stopped")
	return nil
}

// Pause idles discovery while keeping inbound handling and a slow retry
// cadence alive; Resume restores the full duty cycle.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return
	}
	s.paused = true
	s.discovery.Stop()
	s.bus.Publish(events.TopicServiceState, "paused")
}

func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || !s.paused {
		return
	}
	s.paused = false
	ctx := context.Background()
	if s.cancel != nil {
		// Discovery must stop with the service, so rebind it to the live ctx.
		ctx = s.svcContextLocked()
	}
	s.discovery = directory.NewDiscovery(s.engine.DiscoveryInterval(), s.publishPresence, s.scanPresence)
	s.discovery.Start(ctx)
	if s.overlayReachable() {
		// Pull anything the overlay stored for us while discovery idled.
		go s.overlayCatchup(ctx)
	}
	s.bus.Publish(events.TopicServiceState, "running")
}

// svcContextLocked rebuilds a context cancelled alongside the service.
func (s *Service) svcContextLocked() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.cancel
	s.cancel = func() {
		cancel()
		prev()
	}
	return ctx
}

// --- identity and contacts ---

func (s *Service) CreateIdentity(nickname, password string) (models.Identity, string, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return models.Identity{}, "", err
	}
	return s.ids.Create(nickname, password)
}

func (s *Service) ImportIdentity(mnemonic, nickname, password string) (models.Identity, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return models.Identity{}, err
	}
	return s.ids.Import(mnemonic, nickname, password)
}

func (s *Service) RestoreIdentity(nickname, password string) (models.Identity, error) {
	return s.ids.Restore(nickname, password)
}

func (s *Service) GetIdentityInfo() (models.Identity, error) { return s.ids.Identity() }

func (s *Service) SetNickname(nickname string) error { return s.ids.SetNickname(nickname) }

func (s *Service) ExportMnemonic(password string) (string, error) {
	return s.ids.ExportMnemonic(password)
}

// ResetIdentity wipes keys, history and the directory. Only valid while
// stopped: a running node must not lose its identity mid-flight.
func (s *Service) ResetIdentity() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}
	if err := s.ids.Reset(); err != nil {
		return err
	}
	s.history.Wipe()
	for _, rec := range s.table.All() {
		s.table.Remove(rec.Fingerprint)
	}
	return nil
}

// ShareCode encodes the local contact card for out-of-band exchange.
func (s *Service) ShareCode() (string, error) {
	card, err := s.ids.SelfCard(s.overlayNode.ListenAddresses())
	if err != nil {
		return "", err
	}
	return identity.EncodeShareCode(card)
}

// AddContact verifies a share code and pins the peer as a contact.
func (s *Service) AddContact(shareCode string) (models.PeerRecord, error) {
	card, err := identity.DecodeShareCode(shareCode)
	if err != nil {
		return models.PeerRecord{}, err
	}
	rec, err := s.table.AddContact(card)
	if err != nil {
		return models.PeerRecord{}, err
	}
	s.table.SetRelayEligible(rec.Fingerprint, true)
	s.meters.PeersKnown.Set(float64(len(s.table.All())))
	return rec, nil
}

func (s *Service) Contacts() []models.PeerRecord { return s.table.Contacts() }

func (s *Service) Peers() []models.PeerRecord { return s.table.All() }

// ConnectToPeer dials the peer's known LAN addresses.
func (s *Service) ConnectToPeer(ctx context.Context, fingerprint string) error {
	fp := models.NormalizeFingerprint(fingerprint)
	rec, ok := s.table.Get(fp)
	if !ok {
		return directory.ErrUnknownPeer
	}
	addrs := make([]string, 0, len(rec.Addresses))
	for _, entry := range rec.Addresses {
		if entry.Transport == models.TransportLAN {
			addrs = append(addrs, entry.Address)
		}
	}
	if len(addrs) == 0 {
		s.resolver.Refresh(ctx, fp)
		return relay.ErrNoRoute
	}
	return s.transports.Connect(ctx, models.TransportLAN, fp, addrs)
}

// --- messaging ---

// SendMessage seals, tracks and delivers one message. A send that would
// need a relay hop while relaying is off fails synchronously and leaves no
// queue entry; a reachable-later recipient parks in the queue.
func (s *Service) SendMessage(ctx context.Context, recipientFingerprint string, plaintext []byte) (string, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	fp := models.NormalizeFingerprint(recipientFingerprint)
	if _, known := s.table.Get(fp); !known {
		return "", relay.ErrNoRoute
	}

	env, err := s.sealer.Seal(fp, plaintext, s.cfg.MessageTTL())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	s.meters.MessagesSealed.Inc()

	s.tracker.Track(env.MessageID)
	s.transition(env.MessageID, models.StateRouteResolve)

	routes := s.resolver.ResolveRoute(fp)
	if len(routes) == 0 {
		s.resolver.Refresh(ctx, fp)
		routes = s.resolver.ResolveRoute(fp)
	}
	if !hasDirectRoute(routes) && hasRelayRoute(routes) {
		if err := s.forwarder.CheckOutbound(); err != nil {
			s.transition(env.MessageID, models.StateFailed)
			return "", err
		}
	}

	if err := s.history.Append(models.HistoryMessage{
		MessageID:       env.MessageID,
		PeerFingerprint: fp,
		Direction:       models.HistoryOutbound,
		Content:         append([]byte(nil), plaintext...),
		Timestamp:       time.Now(),
		Status:          models.StateQueued,
	}); err != nil {
		s.reportStorageFault("history", err)
	}

	// Write-then-send: the entry is durable before the first attempt.
	if err := s.queue.Enqueue(models.QueueEntry{
		MessageID: env.MessageID,
		Direction: models.DirectionOriginated,
		Envelope:  env,
		State:     models.StateQueued,
	}); err != nil && !errors.Is(err, queue.ErrDuplicateEntry) {
		s.reportStorageFault("queue", err)
	}
	s.meters.QueueDepth.Set(float64(s.queue.Len()))

	s.deliverOriginated(ctx, env, routes)
	return env.MessageID, nil
}

// deliverOriginated runs one delivery attempt for a locally originated
// envelope and settles the state machine either way.
func (s *Service) deliverOriginated(ctx context.Context, env models.Envelope, routes []directory.Route) {
	fp := models.NormalizeFingerprint(env.RecipientFingerprint)
	routeKind, ok := s.tryRoutes(ctx, fp, env, routes)
	if !ok {
		s.transition(env.MessageID, models.StateQueued)
		_ = s.history.SetStatus(fp, env.MessageID, models.StateQueued)
		return
	}
	if routeKind == directory.RouteRelay {
		s.transition(env.MessageID, models.StateRelaySend)
	} else {
		s.transition(env.MessageID, models.StateDirectSend)
	}
	s.transition(env.MessageID, models.StateDelivered)
	if err := s.queue.Ack(env.MessageID); err != nil && !errors.Is(err, queue.ErrUnknownEntry) {
		s.reportStorageFault("queue", err)
	}
	s.meters.QueueDepth.Set(float64(s.queue.Len()))
	_ = s.history.SetStatus(fp, env.MessageID, models.StateDelivered)
}

// tryRoutes walks the resolved routes in order and reports which kind
// carried the frame.
func (s *Service) tryRoutes(ctx context.Context, recipient string, env models.Envelope, routes []directory.Route) (string, bool) {
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		return "", false
	}
	directTried := false
	for _, route := range routes {
		switch route.Kind {
		case directory.RouteDirect:
			if route.Transport == models.TransportOverlay {
				if err := s.sendVia(ctx, models.TransportOverlay, recipient, frame); err == nil {
					return directory.RouteDirect, true
				}
				continue
			}
			if directTried {
				continue
			}
			directTried = true
			if err := s.sendLive(ctx, recipient, frame); err == nil {
				return directory.RouteDirect, true
			}
		case directory.RouteRelay:
			if err := s.sendToPeer(ctx, route.RelayFingerprint, frame); err == nil {
				s.table.RecordRelayOutcome(route.RelayFingerprint, true)
				return directory.RouteRelay, true
			}
			s.table.RecordRelayOutcome(route.RelayFingerprint, false)
		}
	}
	return "", false
}

// sendLive submits a frame over the best live direct transport.
func (s *Service) sendLive(ctx context.Context, peer string, frame []byte) error {
	kind, _, err := s.transports.Send(ctx, peer, frame)
	if err != nil {
		s.meters.TransportSends.WithLabelValues("none", "rejected").Inc()
		return err
	}
	s.meters.TransportSends.WithLabelValues(kind, "accepted").Inc()
	return nil
}

func (s *Service) sendVia(ctx context.Context, kind, peer string, frame []byte) error {
	_, err := s.transports.SendVia(ctx, kind, peer, frame)
	if err != nil {
		s.meters.TransportSends.WithLabelValues(kind, "rejected").Inc()
		return err
	}
	s.meters.TransportSends.WithLabelValues(kind, "accepted").Inc()
	return nil
}

// sendToPeer tries live direct transports first and falls back to the
// overlay when it is up.
func (s *Service) sendToPeer(ctx context.Context, peer string, frame []byte) error {
	if err := s.sendLive(ctx, peer, frame); err == nil {
		return nil
	}
	if s.overlayReachable() {
		return s.sendVia(ctx, models.TransportOverlay, peer, frame)
	}
	return transport.ErrNoSession
}

func (s *Service) overlayReachable() bool {
	if !s.transports.Enabled(models.TransportOverlay) {
		return false
	}
	state := s.overlayNode.Status().State
	return state == overlay.StateConnected || state == overlay.StateDegraded
}

// liveTransports feeds the route resolver: live sessions in priority order,
// plus the overlay when it can carry frames without a session.
func (s *Service) liveTransports(fingerprint string) []string {
	kinds := s.transports.LiveTransports(fingerprint)
	if s.overlayReachable() {
		kinds = append(kinds, models.TransportOverlay)
	}
	return kinds
}

// GetConversation returns up to limit decrypted records for a peer.
func (s *Service) GetConversation(peerFingerprint string, limit int) []models.HistoryMessage {
	return s.history.Conversation(peerFingerprint, limit)
}

func (s *Service) DeliveryStatus(messageID string) (models.DeliveryRecord, bool) {
	return s.tracker.Get(messageID)
}

// --- relay controls ---

func (s *Service) SetRelayEnabled(enabled bool) {
	s.policy.SetEnabled(enabled)
	s.bus.Publish(events.TopicRelayActivity, RelayActivity{Action: "policy", Reason: fmt.Sprintf("enabled=%t", enabled)})
}

func (s *Service) RelayEnabled() bool { return s.policy.Enabled() }

func (s *Service) RelayWindow() models.RelayBudgetWindow { return s.budget.Window() }

// --- platform bridge inputs ---

func (s *Service) ReportBattery(percent int, charging bool) {
	state := s.engine.Device()
	state.BatteryPercent = percent
	state.Charging = charging
	s.engine.ReportDevice(state)
	s.bus.Publish(events.TopicBatteryState, BatteryState{Percent: percent, Charging: charging})
}

func (s *Service) ReportNetwork(onWifi bool) {
	state := s.engine.Device()
	state.OnWifi = onWifi
	s.engine.ReportDevice(state)
}

func (s *Service) ReportMotion(moving bool) { s.engine.ReportMotion(moving) }

func (s *Service) SetForeground(foreground bool) {
	if discovery := s.discoveryRef(); discovery != nil {
		discovery.SetForeground(foreground)
	}
}

// discoveryRef reads the current discovery loop; Resume swaps it out.
func (s *Service) discoveryRef() *directory.Discovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovery
}

// LinkUp dedups repeated link-layer sightings of the same peer; the platform
// radio can report one physical neighbor many times per scan.
func (s *Service) LinkUp(peerRef string) {
	if !s.sightings.Observe(peerRef, time.Now()) {
		return
	}
	s.link.LinkUp(peerRef)
}

func (s *Service) LinkDown(peerRef string) {
	s.sightings.Forget(peerRef)
	s.link.LinkDown(peerRef)
}

// InjectLinkFrame delivers raw bytes the platform radio received.
func (s *Service) InjectLinkFrame(peerRef string, data []byte) {
	s.link.InjectFrame(peerRef, data)
}

// ReportIdentityBeacon ingests a beacon the platform picked up out of band,
// for example from a BLE advertisement scan.
func (s *Service) ReportIdentityBeacon(raw []byte, transportKind string) {
	s.handleBeacon(raw, transportKind)
}

// Subscribe attaches an event consumer with catch-up replay past fromSeq.
func (s *Service) Subscribe(fromSeq int64) ([]events.Event, <-chan events.Event, func()) {
	return s.bus.Subscribe(fromSeq)
}

func (s *Service) LastEvent(topic string) (events.Event, bool) { return s.bus.Last(topic) }

func (s *Service) Metrics() *metrics.Metrics { return s.meters }

func (s *Service) OverlayStatus() overlay.Status { return s.overlayNode.Status() }

func (s *Service) ActiveProfile() adaptive.Profile { return s.engine.Active() }

// --- inbound path ---

func (s *Service) eventPump(ctx context.Context) {
	defer s.wg.Done()
	for ev := range s.transports.Events() {
		if ctx.Err() != nil {
			return
		}
		switch ev.Kind {
		case transport.EventDataReceived:
			s.handleFrame(ctx, ev.Transport, ev.PeerRef, ev.Data)
		case transport.EventPeerConnected:
			s.table.MarkSeen(ev.PeerRef, ev.Transport, "")
			s.bus.Publish(events.TopicPeerDiscovered, PeerEvent{Fingerprint: ev.PeerRef, Transport: ev.Transport})
			s.flushQueuedFor(ev.PeerRef)
		case transport.EventPeerDisconnected:
			s.bus.Publish(events.TopicPeerLost, PeerEvent{Fingerprint: ev.PeerRef, Transport: ev.Transport})
		}
	}
}

func (s *Service) handleFrame(ctx context.Context, transportKind, peerRef string, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		slog.Debug("undecodable frame dropped", "transport", transportKind)
		return
	}
	switch frame.Kind {
	case frameKindBeacon:
		s.handleBeacon(frame.Beacon, transportKind)
	case frameKindEnvelope:
		s.handleEnvelope(ctx, *frame.Envelope, peerRef)
	}
}

func (s *Service) handleBeacon(raw []byte, transportKind string) {
	beacon, err := directory.DecodeBeacon(raw)
	if err != nil {
		slog.Debug("beacon rejected", "reason", err.Error())
		return
	}
	if err := directory.VerifyBeacon(beacon, time.Now()); err != nil {
		slog.Debug("beacon rejected", "reason", err.Error())
		return
	}
	rec, err := s.table.ObserveAuthenticated(beacon.Card, beacon.Addresses)
	if err != nil {
		slog.Debug("beacon rejected", "reason", err.Error())
		return
	}
	// Beaconing peers participate in the mesh and may be asked to forward.
	s.table.SetRelayEligible(rec.Fingerprint, true)
	s.meters.PeersKnown.Set(float64(len(s.table.All())))
	s.bus.Publish(events.TopicPeerDiscovered, PeerEvent{Fingerprint: rec.Fingerprint, Transport: transportKind})
	s.flushQueuedFor(rec.Fingerprint)
}

func (s *Service) handleEnvelope(ctx context.Context, env models.Envelope, arrivedFrom string) {
	if err := envelope.Validate(env); err != nil {
		slog.Debug("invalid envelope dropped", "reason", err.Error())
		return
	}
	now := time.Now()
	if env.Expired(now) {
		s.meters.RelayDropped.WithLabelValues("expired").Inc()
		return
	}
	sender := models.NormalizeFingerprint(env.SenderFingerprint)
	if !s.suspicion.Allow(sender, now) {
		slog.Debug("throttled suspicious sender", "peer_fingerprint", sender)
		return
	}
	if s.dedup.Seen(env.MessageID) {
		s.meters.DedupSuppressed.Inc()
		return
	}

	if models.NormalizeFingerprint(env.RecipientFingerprint) == s.ids.Fingerprint() {
		s.receiveOwn(env, sender, arrivedFrom)
		return
	}
	// Authenticate before admitting the id to the dedup window: a forged
	// copy must not block the genuine envelope. Unknown senders pass
	// through, relays carry traffic for strangers.
	if err := envelope.VerifySignature(env, s.table); err != nil && !errors.Is(err, envelope.ErrUnknownSenderKey) {
		count := s.suspicion.Record(sender)
		slog.Debug("foreign envelope rejected", "peer_fingerprint", sender, "failures", count)
		return
	}
	s.dedup.Observe(env.MessageID)
	s.forwardForeign(ctx, env, arrivedFrom)
}

func (s *Service) receiveOwn(env models.Envelope, sender, arrivedFrom string) {
	plaintext, err := s.sealer.Open(env)
	if err != nil {
		count := s.suspicion.Record(sender)
		slog.Warn("envelope rejected", "peer_fingerprint", sender, "failures", count, "reason", err.Error())
		return
	}
	s.dedup.Observe(env.MessageID)
	arrived := models.NormalizeFingerprint(arrivedFrom)
	if arrived != "" && arrived != sender {
		// The relay that carried this can reach the sender in HopCount hops.
		s.table.RecordPathHint(sender, arrived, env.HopCount)
	}
	if err := s.history.Append(models.HistoryMessage{
		MessageID:       env.MessageID,
		PeerFingerprint: sender,
		Direction:       models.HistoryInbound,
		Content:         plaintext,
		Timestamp:       time.Now(),
		Status:          models.StateDelivered,
	}); err != nil {
		s.reportStorageFault("history", err)
	}
	s.bus.Publish(events.TopicMessageArrived, ArrivedMessage{
		MessageID:         env.MessageID,
		SenderFingerprint: sender,
		Content:           plaintext,
	})
}

func (s *Service) forwardForeign(ctx context.Context, env models.Envelope, arrivedFrom string) {
	decision := s.forwarder.Decide(env, arrivedFrom)
	switch decision.Action {
	case relay.ActionForward:
		s.meters.RelayBudgetConsumed.Inc()
		fwd := relay.PrepareForward(env)
		frame, err := encodeEnvelopeFrame(fwd)
		if err != nil {
			return
		}
		for _, hop := range decision.NextHops {
			if err := s.sendToPeer(ctx, hop, frame); err == nil {
				if hop != models.NormalizeFingerprint(env.RecipientFingerprint) {
					s.table.RecordRelayOutcome(hop, true)
				}
				s.meters.RelayForwarded.Inc()
				s.bus.Publish(events.TopicRelayActivity, RelayActivity{Action: "forwarded"})
				return
			}
		}
		// Every hop refused the frame; park the arrival copy and let the
		// sweep retry. The hop count is bumped again at transmit time, so
		// the queue always holds the count the envelope arrived with.
		s.enqueueForwarded(env, time.Time{})
	case relay.ActionQueue:
		s.enqueueForwarded(env, decision.RetryAt)
		s.bus.Publish(events.TopicRelayActivity, RelayActivity{Action: "deferred", Reason: "budget"})
	case relay.ActionDrop:
		reason := dropReason(decision.Reason)
		s.meters.RelayDropped.WithLabelValues(reason).Inc()
		slog.Debug("relay drop", "reason", reason)
	}
}

func (s *Service) enqueueForwarded(env models.Envelope, retryAt time.Time) {
	err := s.queue.Enqueue(models.QueueEntry{
		MessageID: env.MessageID,
		Direction: models.DirectionForwarded,
		Envelope:  env,
		NextRetry: retryAt,
		State:     models.StateQueued,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateEntry) {
		s.reportStorageFault("queue", err)
	}
	s.meters.QueueDepth.Set(float64(s.queue.Len()))
}

func dropReason(cause error) string {
	switch {
	case errors.Is(cause, relay.ErrRelayDisabled):
		return "policy"
	case errors.Is(cause, relay.ErrHopLimitExceeded):
		return "hop_limit"
	case errors.Is(cause, relay.ErrNoRoute):
		return "no_route"
	case errors.Is(cause, relay.ErrRelayBudgetExceeded):
		return "budget"
	default:
		return "expired"
	}
}

// --- background loops ---

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		interval := maintenanceInterval
		s.mu.Lock()
		if s.paused {
			interval = pausedMaintenanceInterval
		}
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.retryKick:
			timer.Stop()
		case <-timer.C:
		}
		s.runMaintenance(ctx)
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	s.budget.Rollover()
	profile, changed := s.engine.Apply()
	if changed {
		s.applyProfile(profile)
	}
	if discovery := s.discoveryRef(); discovery != nil {
		discovery.SetInterval(s.engine.DiscoveryInterval())
	}
	s.retrySweep(ctx)
	s.publishOverlayQuality()
	s.publishStats()
}

// applyProfile pushes a committed profile into every tunable subsystem.
func (s *Service) applyProfile(profile adaptive.Profile) {
	s.budget.SetCeiling(s.effectiveBudget(profile))
	s.setTransportEnabled(models.TransportLAN, profile.LANEnabled && *s.cfg.LANEnabled)
	s.setTransportEnabled(models.TransportOverlay, profile.OverlayEnabled && *s.cfg.OverlayEnabled)
	s.meters.SetProfile(profile.Name, allProfileNames)
	slog.Info("adaptive profile applied", "profile", profile.Name)
}

// setTransportEnabled flips a transport and mirrors the new state onto the
// event bus so shells can reflect it without polling.
func (s *Service) setTransportEnabled(kind string, enabled bool) {
	s.transports.SetEnabled(kind, enabled)
	s.bus.Publish(events.TopicTransportState, TransportState{Transport: kind, Enabled: enabled})
}

// publishOverlayQuality reports overlay connectivity changes. The last seen
// state is kept so steady conditions stay silent.
func (s *Service) publishOverlayQuality() {
	status := s.overlayNode.Status()
	s.mu.Lock()
	changed := status.State != s.lastOverlayState
	s.lastOverlayState = status.State
	s.mu.Unlock()
	if !changed {
		return
	}
	s.bus.Publish(events.TopicConnectionQuality, ConnectionQuality{
		Transport: models.TransportOverlay,
		State:     status.State,
		PeerCount: status.PeerCount,
	})
}

func (s *Service) publishStats() {
	window := s.budget.Window()
	s.bus.Publish(events.TopicStatsUpdated, Stats{
		PeersKnown:    len(s.table.All()),
		QueueDepth:    s.queue.Len(),
		RelayConsumed: window.Consumed,
		RelayCeiling:  window.Ceiling,
	})
}

// overlayCatchup pulls frames the overlay stored on our behalf while we were
// away and runs them through the normal inbound path. The dedup window
// absorbs overlap with live subscription delivery.
func (s *Service) overlayCatchup(ctx context.Context) {
	since := time.Now().Add(-s.cfg.MessageTTL())
	msgs, err := s.overlayNode.FetchSince(ctx, s.ids.Fingerprint(), since, overlayCatchupLimit)
	if err != nil {
		slog.Debug("overlay catch-up failed", "reason", err.Error())
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		s.handleFrame(ctx, models.TransportOverlay, msg.Sender, msg.Frame)
	}
	if len(msgs) > 0 {
		slog.Info("overlay catch-up complete", "frames", len(msgs))
	}
}

// effectiveBudget keeps the configured ceiling authoritative for the
// standard profile and lets the other profiles scale around it.
func (s *Service) effectiveBudget(profile adaptive.Profile) int {
	if profile.Name == adaptive.ProfileStandard {
		return s.cfg.RelayBudgetPerHour
	}
	return profile.RelayBudgetPerHour
}

func (s *Service) kickRetries() {
	select {
	case s.retryKick <- struct{}{}:
	default:
	}
}

// flushQueuedFor makes queued traffic to a now-reachable peer immediately due.
func (s *Service) flushQueuedFor(peer string) {
	for _, entry := range s.queue.Pending(peer) {
		_ = s.queue.Defer(entry.MessageID, time.Now())
	}
	s.kickRetries()
}

func (s *Service) retrySweep(ctx context.Context) {
	now := time.Now()
	for _, entry := range s.queue.Sweep(now) {
		if entry.Direction == models.DirectionOriginated {
			s.tracker.Track(entry.MessageID)
			s.transition(entry.MessageID, models.StateExpired)
			_ = s.history.SetStatus(entry.Envelope.RecipientFingerprint, entry.MessageID, models.StateExpired)
		} else {
			s.meters.RelayDropped.WithLabelValues("expired").Inc()
		}
	}

	for _, entry := range s.queue.Due(now) {
		if ctx.Err() != nil {
			return
		}
		if entry.Direction == models.DirectionOriginated {
			s.retryOriginated(ctx, entry)
		} else {
			s.retryForwarded(ctx, entry)
		}
	}
	s.meters.QueueDepth.Set(float64(s.queue.Len()))
}

func (s *Service) retryOriginated(ctx context.Context, entry models.QueueEntry) {
	fp := models.NormalizeFingerprint(entry.Envelope.RecipientFingerprint)
	s.tracker.Track(entry.MessageID)
	s.transition(entry.MessageID, models.StateRouteResolve)

	routes := s.resolver.ResolveRoute(fp)
	if len(routes) == 0 {
		s.resolver.Refresh(ctx, fp)
		routes = s.resolver.ResolveRoute(fp)
	}
	if len(routes) == 0 {
		s.failAttempt(entry, fp, relay.ErrNoRoute)
		return
	}
	if !hasDirectRoute(routes) {
		if err := s.forwarder.CheckOutbound(); err != nil {
			// Relaying is off right now; wait instead of burning attempts.
			_ = s.queue.Defer(entry.MessageID, time.Now().Add(maintenanceInterval))
			s.transition(entry.MessageID, models.StateQueued)
			return
		}
	}
	s.deliverOriginated(ctx, entry.Envelope, routes)
}

func (s *Service) failAttempt(entry models.QueueEntry, fp string, cause error) {
	updated, err := s.queue.Fail(entry.MessageID, cause)
	if err != nil {
		return
	}
	if updated.State == models.StateFailed {
		s.transition(entry.MessageID, models.StateFailed)
		_ = s.history.SetStatus(fp, entry.MessageID, models.StateFailed)
	} else {
		s.transition(entry.MessageID, models.StateQueued)
	}
}

func (s *Service) retryForwarded(ctx context.Context, entry models.QueueEntry) {
	decision := s.forwarder.Decide(entry.Envelope, "")
	switch decision.Action {
	case relay.ActionForward:
		s.meters.RelayBudgetConsumed.Inc()
		// Queued entries hold the arrival hop count; this hop charges its
		// increment now, exactly as the immediate forward path does.
		fwd := relay.PrepareForward(entry.Envelope)
		frame, err := encodeEnvelopeFrame(fwd)
		if err != nil {
			_ = s.queue.Remove(entry.MessageID)
			return
		}
		for _, hop := range decision.NextHops {
			if err := s.sendToPeer(ctx, hop, frame); err == nil {
				s.meters.RelayForwarded.Inc()
				_ = s.queue.Ack(entry.MessageID)
				return
			}
		}
		_, _ = s.queue.Fail(entry.MessageID, transport.ErrNoSession)
	case relay.ActionQueue:
		_ = s.queue.Defer(entry.MessageID, decision.RetryAt)
	case relay.ActionDrop:
		s.meters.RelayDropped.WithLabelValues(dropReason(decision.Reason)).Inc()
		_ = s.queue.Remove(entry.MessageID)
	}
}

// --- presence ---

// publishPresence is the discovery publish half: announce on the overlay and
// push the beacon to every peer with a live direct session.
func (s *Service) publishPresence(ctx context.Context) {
	now := time.Now()
	card, err := s.ids.SelfCard(s.overlayNode.ListenAddresses())
	if err != nil {
		return
	}
	addrs := make([]models.ReachabilityEntry, 0, 4)
	if s.lan != nil && s.transports.Enabled(models.TransportLAN) {
		addrs = append(addrs, models.ReachabilityEntry{
			Transport:     models.TransportLAN,
			Address:       s.lan.ListenAddr(),
			LastConfirmed: now,
		})
	}
	for _, addr := range s.overlayNode.ListenAddresses() {
		addrs = append(addrs, models.ReachabilityEntry{
			Transport:     models.TransportOverlay,
			Address:       addr,
			LastConfirmed: now,
		})
	}
	beacon, err := directory.BuildBeacon(card, addrs, s.ids, now)
	if err != nil {
		return
	}
	raw, err := directory.EncodeBeacon(beacon)
	if err != nil {
		return
	}

	if s.overlayReachable() {
		if err := s.overlayNode.Announce(ctx, overlay.Announcement{
			Fingerprint: s.ids.Fingerprint(),
			Card:        raw,
			SentAt:      now,
		}); err != nil {
			slog.Debug("overlay announce failed", "reason", err.Error())
		}
	}

	frame, err := encodeBeaconFrame(raw)
	if err != nil {
		return
	}
	for _, rec := range s.table.All() {
		if len(s.transports.LiveTransports(rec.Fingerprint)) == 0 {
			continue
		}
		_ = s.sendLive(ctx, rec.Fingerprint, frame)
	}
	s.meters.DiscoveryCycles.Inc()
}

// scanPresence is the discovery scan half: age out stale reachability.
func (s *Service) scanPresence(context.Context) {
	s.table.PruneAddresses()
	s.meters.PeersKnown.Set(float64(len(s.table.All())))
}

// --- state reporting ---

// transition advances the tracker and mirrors every successful move onto
// the event bus. Invalid moves are ignored: retries revisit states.
func (s *Service) transition(messageID, next string) {
	if err := s.tracker.Transition(messageID, next); err != nil {
		return
	}
	s.bus.Publish(events.TopicMessageState, MessageStateChange{MessageID: messageID, State: next})
}

// onTerminalDelivery fires exactly once per message.
func (s *Service) onTerminalDelivery(rec models.DeliveryRecord) {
	switch rec.State {
	case models.StateDelivered:
		s.meters.MessagesDelivered.Inc()
	case models.StateFailed:
		s.meters.MessagesFailed.Inc()
	case models.StateExpired:
		s.meters.MessagesExpired.Inc()
	}
}

func (s *Service) reportStorageFault(store string, err error) {
	slog.Error("storage fault", "store", store, "reason", err.Error())
	s.bus.Publish(events.TopicStorageFault, store)
}

func hasDirectRoute(routes []directory.Route) bool {
	for _, route := range routes {
		if route.Kind == directory.RouteDirect {
			return true
		}
	}
	return false
}

func hasRelayRoute(routes []directory.Route) bool {
	for _, route := range routes {
		if route.Kind == directory.RouteRelay {
			return true
		}
	}
	return false
}
