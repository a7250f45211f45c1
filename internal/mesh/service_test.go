package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"scmesh/go-core/internal/adaptive"
	"scmesh/go-core/internal/events"
	"scmesh/go-core/internal/relay"
	"scmesh/go-core/pkg/models"
)

// linkNet simulates the platform radio: frames written to a peer's sink land
// in that peer's inbound link bridge.
type linkNet struct {
	mu    sync.Mutex
	nodes map[string]*Service
}

func newLinkNet() *linkNet {
	return &linkNet{nodes: make(map[string]*Service)}
}

func (n *linkNet) newService(t *testing.T, nickname string) *Service {
	t.Helper()
	var svc *Service
	sink := func(peerRef string, frame []byte) error {
		n.mu.Lock()
		peer := n.nodes[peerRef]
		n.mu.Unlock()
		if peer == nil {
			return fmt.Errorf("no link to %s", peerRef)
		}
		peer.InjectLinkFrame(svc.ids.Fingerprint(), frame)
		return nil
	}

	off := false
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Passphrase = "test-pass"
	cfg.LANEnabled = &off
	cfg.OverlayEnabled = &off
	cfg.LANListenAddr = "127.0.0.1:0"

	svc = NewService(cfg, sink)
	if _, _, err := svc.CreateIdentity(nickname, "pw"); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", nickname, err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	n.mu.Lock()
	n.nodes[svc.ids.Fingerprint()] = svc
	n.mu.Unlock()
	return svc
}

// befriend gives dst a verified copy of src's contact card.
func befriend(t *testing.T, dst, src *Service) {
	t.Helper()
	code, err := src.ShareCode()
	if err != nil {
		t.Fatalf("share code: %v", err)
	}
	if _, err := dst.AddContact(code); err != nil {
		t.Fatalf("add contact: %v", err)
	}
}

// connectLink brings a bidirectional platform link up between two nodes.
func connectLink(a, b *Service) {
	a.LinkUp(b.ids.Fingerprint())
	b.LinkUp(a.ids.Fingerprint())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDirectDeliveryOverLink(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)
	connectLink(alice, bob)

	id, err := alice.SendMessage(context.Background(), bob.ids.Fingerprint(), []byte("hello bob"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "message arrival", func() bool {
		records := bob.GetConversation(alice.ids.Fingerprint(), 10)
		return len(records) == 1 && string(records[0].Content) == "hello bob"
	})

	rec, ok := alice.DeliveryStatus(id)
	if !ok || rec.State != models.StateDelivered {
		t.Fatalf("sender state = %+v", rec)
	}
	sent := alice.GetConversation(bob.ids.Fingerprint(), 10)
	if len(sent) != 1 || sent[0].Status != models.StateDelivered {
		t.Fatalf("sender history = %+v", sent)
	}
	if alice.queue.Len() != 0 {
		t.Fatalf("queue should be drained, len = %d", alice.queue.Len())
	}
}

func TestTwoHopRelayDelivery(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	ray := net.newService(t, "ray")
	carol := net.newService(t, "carol")

	befriend(t, alice, carol) // recipient keys for sealing
	befriend(t, alice, ray)   // relay candidate
	befriend(t, ray, carol)   // next hop
	befriend(t, carol, alice) // sender keys for opening
	connectLink(alice, ray)
	connectLink(ray, carol)

	id, err := alice.SendMessage(context.Background(), carol.ids.Fingerprint(), []byte("via ray"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "relayed arrival", func() bool {
		records := carol.GetConversation(alice.ids.Fingerprint(), 10)
		return len(records) == 1 && string(records[0].Content) == "via ray"
	})

	rec, _ := alice.DeliveryStatus(id)
	if rec.State != models.StateDelivered {
		t.Fatalf("sender state = %q", rec.State)
	}
	if _, moved := rec.Transitions[models.StateRelaySend]; !moved {
		t.Fatal("delivery should have gone through the relay path")
	}
	if got := testutil.ToFloat64(ray.meters.RelayForwarded); got != 1 {
		t.Fatalf("relay forwarded = %v, want 1", got)
	}
}

func TestSendFailsSynchronouslyWhenRelayDisabled(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	ray := net.newService(t, "ray")
	carol := net.newService(t, "carol")

	befriend(t, alice, carol)
	befriend(t, alice, ray)
	connectLink(alice, ray)
	alice.SetRelayEnabled(false)

	_, err := alice.SendMessage(context.Background(), carol.ids.Fingerprint(), []byte("never sent"))
	if !errors.Is(err, relay.ErrRelayDisabled) {
		t.Fatalf("err = %v, want ErrRelayDisabled", err)
	}
	if alice.queue.Len() != 0 {
		t.Fatalf("nothing may be queued, len = %d", alice.queue.Len())
	}
	if records := alice.GetConversation(carol.ids.Fingerprint(), 10); len(records) != 0 {
		t.Fatalf("nothing may reach history: %+v", records)
	}
}

func TestInboundForwardDroppedWhenRelayOff(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	ray := net.newService(t, "ray")
	carol := net.newService(t, "carol")

	befriend(t, alice, carol)
	befriend(t, ray, carol)
	connectLink(ray, carol)
	ray.SetRelayEnabled(false)

	env, err := alice.sealer.Seal(carol.ids.Fingerprint(), []byte("blocked"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ray.InjectLinkFrame(alice.ids.Fingerprint(), frame)

	waitFor(t, "policy drop", func() bool {
		return testutil.ToFloat64(ray.meters.RelayDropped.WithLabelValues("policy")) == 1
	})
	if records := carol.GetConversation(alice.ids.Fingerprint(), 10); len(records) != 0 {
		t.Fatalf("message must not reach carol: %+v", records)
	}
	if ray.queue.Len() != 0 {
		t.Fatalf("dropped forward must not be queued, len = %d", ray.queue.Len())
	}
}

func TestOfflinePeerQueuedThenDelivered(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)

	id, err := alice.SendMessage(context.Background(), bob.ids.Fingerprint(), []byte("catch up"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec, _ := alice.DeliveryStatus(id)
	if rec.State != models.StateQueued {
		t.Fatalf("state = %q, want queued", rec.State)
	}
	if alice.queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", alice.queue.Len())
	}

	connectLink(alice, bob)

	waitFor(t, "queued delivery", func() bool {
		rec, _ := alice.DeliveryStatus(id)
		return rec.State == models.StateDelivered
	})
	waitFor(t, "arrival at bob", func() bool {
		return len(bob.GetConversation(alice.ids.Fingerprint(), 10)) == 1
	})
	if alice.queue.Len() != 0 {
		t.Fatalf("queue should drain, len = %d", alice.queue.Len())
	}
}

func TestForgedSignatureNeverDelivered(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)

	env, err := alice.sealer.Seal(bob.ids.Fingerprint(), []byte("forged"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Signature[0] ^= 0xff
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bob.InjectLinkFrame(alice.ids.Fingerprint(), frame)

	waitFor(t, "suspicion record", func() bool {
		return bob.suspicion.Count(alice.ids.Fingerprint()) == 1
	})
	if records := bob.GetConversation(alice.ids.Fingerprint(), 10); len(records) != 0 {
		t.Fatalf("forged envelope must not be delivered: %+v", records)
	}
}

func TestDuplicateEnvelopeSuppressed(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)

	env, err := alice.sealer.Seal(bob.ids.Fingerprint(), []byte("once"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bob.InjectLinkFrame(alice.ids.Fingerprint(), frame)
	bob.InjectLinkFrame(alice.ids.Fingerprint(), frame)

	waitFor(t, "duplicate suppression", func() bool {
		return testutil.ToFloat64(bob.meters.DedupSuppressed) == 1
	})
	if records := bob.GetConversation(alice.ids.Fingerprint(), 10); len(records) != 1 {
		t.Fatalf("exactly one copy must be delivered, got %d", len(records))
	}
}

func TestHopLimitDropsForward(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	ray := net.newService(t, "ray")
	carol := net.newService(t, "carol")

	befriend(t, alice, carol)
	befriend(t, ray, carol)
	connectLink(ray, carol)

	env, err := alice.sealer.Seal(carol.ids.Fingerprint(), []byte("too far"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.HopCount = relay.DefaultMaxHops
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ray.InjectLinkFrame(alice.ids.Fingerprint(), frame)

	waitFor(t, "hop limit drop", func() bool {
		return testutil.ToFloat64(ray.meters.RelayDropped.WithLabelValues("hop_limit")) == 1
	})
}

func TestSendToUnknownPeerFails(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	_, err := alice.SendMessage(context.Background(), "deadbeef", []byte("to nobody"))
	if !errors.Is(err, relay.ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}

func TestBatteryFloorForcesMinimalProfile(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")

	alice.ReportBattery(5, false)
	alice.kickRetries()

	waitFor(t, "minimal profile", func() bool {
		return alice.ActiveProfile().Name == adaptive.ProfileMinimal
	})
	if got := testutil.ToFloat64(alice.meters.ActiveProfile.WithLabelValues(adaptive.ProfileMinimal)); got != 1 {
		t.Fatalf("minimal gauge = %v, want 1", got)
	}
}

func TestBudgetDeferredForwardBumpsHopCountOnce(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	carol := net.newService(t, "carol")

	var mu sync.Mutex
	var captured [][]byte
	sink := func(_ string, frame []byte) error {
		mu.Lock()
		captured = append(captured, frame)
		mu.Unlock()
		return nil
	}

	off := false
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Passphrase = "test-pass"
	cfg.LANEnabled = &off
	cfg.OverlayEnabled = &off
	cfg.LANListenAddr = "127.0.0.1:0"
	ray := NewService(cfg, sink)
	ray.budget = relay.NewBudget(0)
	ray.forwarder = relay.NewForwarder(ray.policy, ray.budget, ray.table)
	if _, _, err := ray.CreateIdentity("ray", "pw"); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if err := ray.Start(context.Background()); err != nil {
		t.Fatalf("start ray: %v", err)
	}
	t.Cleanup(func() { _ = ray.Stop(context.Background()) })

	befriend(t, alice, carol)
	befriend(t, ray, carol)

	env, err := alice.sealer.Seal(carol.ids.Fingerprint(), []byte("deferred hop"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ray.InjectLinkFrame(alice.ids.Fingerprint(), frame)

	waitFor(t, "budget deferral", func() bool { return ray.queue.Len() == 1 })
	entry, ok := ray.queue.Get(env.MessageID)
	if !ok || entry.Envelope.HopCount != 0 {
		t.Fatalf("queued hop count = %d, want the arrival value 0", entry.Envelope.HopCount)
	}

	ray.budget = relay.NewBudget(10)
	ray.forwarder = relay.NewForwarder(ray.policy, ray.budget, ray.table)
	ray.LinkUp(carol.ids.Fingerprint())

	var forwarded models.Envelope
	waitFor(t, "deferred retransmit", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, raw := range captured {
			f, err := decodeFrame(raw)
			if err != nil || f.Kind != frameKindEnvelope {
				continue
			}
			forwarded = *f.Envelope
			return true
		}
		return false
	})
	if forwarded.HopCount != 1 {
		t.Fatalf("forwarded hop count = %d, want exactly one bump", forwarded.HopCount)
	}
}

func TestForgedCopyDoesNotBlockGenuineEnvelope(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)

	env, err := alice.sealer.Seal(bob.ids.Fingerprint(), []byte("the real one"), time.Hour)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	forged := env
	forged.Signature = append([]byte(nil), env.Signature...)
	forged.Signature[0] ^= 0xff
	forgedFrame, err := encodeEnvelopeFrame(forged)
	if err != nil {
		t.Fatalf("encode forged: %v", err)
	}
	bob.InjectLinkFrame(alice.ids.Fingerprint(), forgedFrame)
	waitFor(t, "forged rejection", func() bool {
		return bob.suspicion.Count(alice.ids.Fingerprint()) == 1
	})

	frame, err := encodeEnvelopeFrame(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bob.InjectLinkFrame(alice.ids.Fingerprint(), frame)
	waitFor(t, "genuine delivery", func() bool {
		records := bob.GetConversation(alice.ids.Fingerprint(), 10)
		return len(records) == 1 && string(records[0].Content) == "the real one"
	})
}

func countPeerDiscovered(svc *Service, fingerprint string) int {
	replay, _, cancel := svc.Subscribe(0)
	cancel()
	n := 0
	for _, ev := range replay {
		if ev.Topic != events.TopicPeerDiscovered {
			continue
		}
		if pe, ok := ev.Payload.(PeerEvent); ok && pe.Fingerprint == fingerprint {
			n++
		}
	}
	return n
}

func TestRepeatedLinkSightingsCollapse(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)
	befriend(t, bob, alice)

	fp := alice.ids.Fingerprint()
	bob.LinkUp(fp)
	bob.LinkUp(fp)
	bob.LinkUp(fp)

	waitFor(t, "link sighting", func() bool { return countPeerDiscovered(bob, fp) >= 1 })
	time.Sleep(200 * time.Millisecond)
	if got := countPeerDiscovered(bob, fp); got != 1 {
		t.Fatalf("peer discovered %d times, want 1", got)
	}

	bob.LinkDown(fp)
	bob.LinkUp(fp)
	waitFor(t, "re-sighting after link down", func() bool { return countPeerDiscovered(bob, fp) == 2 })
}

func TestBatteryReportPublishesState(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")

	alice.ReportBattery(42, true)
	ev, ok := alice.LastEvent(events.TopicBatteryState)
	if !ok {
		t.Fatal("battery state never published")
	}
	state, ok := ev.Payload.(BatteryState)
	if !ok || state.Percent != 42 || !state.Charging {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestMaintenancePublishesStatsAndTransportState(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")
	bob := net.newService(t, "bob")
	befriend(t, alice, bob)

	ev, ok := alice.LastEvent(events.TopicTransportState)
	if !ok {
		t.Fatal("transport state not published at start")
	}
	if _, ok := ev.Payload.(TransportState); !ok {
		t.Fatalf("payload = %+v", ev.Payload)
	}

	alice.kickRetries()
	waitFor(t, "stats event", func() bool {
		ev, ok := alice.LastEvent(events.TopicStatsUpdated)
		if !ok {
			return false
		}
		stats, ok := ev.Payload.(Stats)
		return ok && stats.PeersKnown == 1
	})
	waitFor(t, "connection quality event", func() bool {
		_, ok := alice.LastEvent(events.TopicConnectionQuality)
		return ok
	})
}

func TestForegroundTogglesDuringResumeAreSafe(t *testing.T) {
	net := newLinkNet()
	alice := net.newService(t, "alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			alice.SetForeground(i%2 == 0)
		}
	}()
	for i := 0; i < 10; i++ {
		alice.Pause()
		alice.Resume()
	}
	<-done
}

func TestSendRequiresRunningService(t *testing.T) {
	off := false
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LANEnabled = &off
	cfg.OverlayEnabled = &off
	svc := NewService(cfg, nil)
	if _, _, err := svc.CreateIdentity("alice", "pw"); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), "deadbeef", []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}
