package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scmesh/go-core/pkg/models"
)

type fakeTransport struct {
	kind    string
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	events  chan Event
	closed  bool
}

func newFakeTransport(kind string) *fakeTransport {
	return &fakeTransport{kind: kind, events: make(chan Event, 16)}
}

func (f *fakeTransport) Kind() string { return f.kind }

func (f *fakeTransport) Connect(_ context.Context, _ string, _ []string) error { return nil }

func (f *fakeTransport) Send(_ context.Context, _ string, frame []byte) (SendOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return SendRejected, f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return SendAccepted, nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestOrderedWriterPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte
	release := make(chan struct{})
	first := true

	w := newOrderedWriter(func(_ context.Context, frame []byte) error {
		if first {
			first = false
			<-release
		}
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
		return nil
	}, nil)

	outcome, err := w.Submit(context.Background(), []byte("one"))
	if err != nil || outcome != SendAccepted {
		t.Fatalf("first submit: outcome=%v err=%v", outcome, err)
	}
	outcome, err = w.Submit(context.Background(), []byte("two"))
	if err != nil || outcome != SendQueued {
		t.Fatalf("second submit: outcome=%v err=%v", outcome, err)
	}
	outcome, err = w.Submit(context.Background(), []byte("three"))
	if err != nil || outcome != SendQueued {
		t.Fatalf("third submit: outcome=%v err=%v", outcome, err)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("drain did not finish, wrote %d frames", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if string(got[i]) != want {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestOrderedWriterDropsQueueOnError(t *testing.T) {
	var errCount int
	w := newOrderedWriter(func(_ context.Context, _ []byte) error {
		return errors.New("link broke")
	}, func(err error) {
		errCount++
	})

	if _, err := w.Submit(context.Background(), []byte("doomed")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if errCount != 1 {
		t.Fatalf("onError fired %d times, want 1", errCount)
	}
	w.mu.Lock()
	queued := len(w.queue)
	w.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queue not dropped after error, %d frames left", queued)
	}
}

func TestOrderedWriterClosedRejects(t *testing.T) {
	w := newOrderedWriter(func(_ context.Context, _ []byte) error { return nil }, nil)
	w.Close()
	if _, err := w.Submit(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: %v, want ErrClosed", err)
	}
}

func TestSightingCacheDedup(t *testing.T) {
	c := NewSightingCache(time.Minute)
	now := time.Now()
	if !c.Observe("aa:bb:cc", now) {
		t.Fatal("first sighting should be new")
	}
	if c.Observe("aa:bb:cc", now.Add(30*time.Second)) {
		t.Fatal("repeat inside TTL should be suppressed")
	}
	if !c.Observe("aa:bb:cc", now.Add(2*time.Minute)) {
		t.Fatal("sighting past TTL should be new again")
	}
	if !c.Observe("dd:ee:ff", now) {
		t.Fatal("different address should be new")
	}
}

func TestSightingCacheForget(t *testing.T) {
	c := NewSightingCache(time.Minute)
	now := time.Now()
	c.Observe("aa:bb:cc", now)
	c.Forget("aa:bb:cc")
	if !c.Observe("aa:bb:cc", now.Add(time.Second)) {
		t.Fatal("forgotten address should be new again")
	}
}

func TestSightingCachePurge(t *testing.T) {
	c := NewSightingCache(time.Minute)
	now := time.Now()
	c.Observe("one", now)
	c.Observe("two", now.Add(50*time.Second))
	c.purge(now.Add(70 * time.Second))
	if c.Len() != 1 {
		t.Fatalf("after purge Len=%d, want 1", c.Len())
	}
}

func TestManagerPrefersHigherPriorityTransport(t *testing.T) {
	m := NewManager()
	link := newFakeTransport(models.TransportLink)
	lan := newFakeTransport(models.TransportLAN)
	m.Register(link)
	m.Register(lan)
	defer m.Close()

	link.events <- Event{Kind: EventPeerConnected, Transport: models.TransportLink, PeerRef: "peer-a"}
	lan.events <- Event{Kind: EventPeerConnected, Transport: models.TransportLAN, PeerRef: "peer-a"}
	waitForLive(t, m, "peer-a", 2)

	kind, outcome, err := m.Send(context.Background(), "peer-a", []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if kind != models.TransportLink || outcome != SendAccepted {
		t.Fatalf("sent via %q (%v), want link", kind, outcome)
	}
	if link.sentCount() != 1 || lan.sentCount() != 0 {
		t.Fatalf("frame landed on wrong transport: link=%d lan=%d", link.sentCount(), lan.sentCount())
	}
}

func TestManagerFallsBackWhenPreferredFails(t *testing.T) {
	m := NewManager()
	link := newFakeTransport(models.TransportLink)
	link.sendErr = ErrWriteFailed
	lan := newFakeTransport(models.TransportLAN)
	m.Register(link)
	m.Register(lan)
	defer m.Close()

	link.events <- Event{Kind: EventPeerConnected, Transport: models.TransportLink, PeerRef: "peer-a"}
	lan.events <- Event{Kind: EventPeerConnected, Transport: models.TransportLAN, PeerRef: "peer-a"}
	waitForLive(t, m, "peer-a", 2)

	kind, _, err := m.Send(context.Background(), "peer-a", []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if kind != models.TransportLAN {
		t.Fatalf("sent via %q, want lan fallback", kind)
	}
}

func TestManagerNoSessionWithoutLivePeer(t *testing.T) {
	m := NewManager()
	m.Register(newFakeTransport(models.TransportLAN))
	defer m.Close()

	if _, _, err := m.Send(context.Background(), "stranger", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("send to unknown peer: %v, want ErrNoSession", err)
	}
}

func TestManagerDisabledTransportSkipped(t *testing.T) {
	m := NewManager()
	lan := newFakeTransport(models.TransportLAN)
	m.Register(lan)
	defer m.Close()

	lan.events <- Event{Kind: EventPeerConnected, Transport: models.TransportLAN, PeerRef: "peer-a"}
	waitForLive(t, m, "peer-a", 1)

	m.SetEnabled(models.TransportLAN, false)
	if _, _, err := m.Send(context.Background(), "peer-a", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("send via disabled transport: %v, want ErrNoSession", err)
	}
	if _, err := m.SendVia(context.Background(), models.TransportLAN, "peer-a", []byte("x")); err == nil {
		t.Fatal("SendVia on disabled transport should fail")
	}
}

func TestLinkBridgeLifecycle(t *testing.T) {
	var mu sync.Mutex
	var written [][]byte
	b := NewLinkBridge(func(_ string, frame []byte) error {
		mu.Lock()
		written = append(written, frame)
		mu.Unlock()
		return nil
	})
	defer b.Close()

	if err := b.Connect(context.Background(), "peer-a", nil); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("connect before LinkUp: %v, want ErrConnectFailed", err)
	}

	b.LinkUp("peer-a")
	ev := <-b.Events()
	if ev.Kind != EventPeerConnected || ev.PeerRef != "peer-a" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := b.Connect(context.Background(), "peer-a", nil); err != nil {
		t.Fatalf("connect after LinkUp: %v", err)
	}

	if _, err := b.Send(context.Background(), "peer-a", []byte("frame")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sink never received the frame")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.InjectFrame("peer-a", []byte("inbound"))
	ev = <-b.Events()
	if ev.Kind != EventDataReceived || string(ev.Data) != "inbound" {
		t.Fatalf("unexpected inject event %+v", ev)
	}

	b.LinkDown("peer-a")
	ev = <-b.Events()
	if ev.Kind != EventPeerDisconnected {
		t.Fatalf("unexpected event after LinkDown %+v", ev)
	}
	if _, err := b.Send(context.Background(), "peer-a", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("send after LinkDown: %v, want ErrNoSession", err)
	}
}

func TestFrameCodecRoundtrip(t *testing.T) {
	payload := []byte("length prefixed payload")
	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestFrameCodecRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readFrame(&buf); err == nil {
		t.Fatal("oversize frame should be rejected")
	}
	if err := writeFrame(&buf, nil); err == nil {
		t.Fatal("empty frame should be rejected")
	}
}

func TestPriorityOrdering(t *testing.T) {
	if Priority(models.TransportLink) >= Priority(models.TransportLAN) {
		t.Fatal("link must outrank lan")
	}
	if Priority(models.TransportLAN) >= Priority(models.TransportOverlay) {
		t.Fatal("lan must outrank overlay")
	}
}

func waitForLive(t *testing.T, m *Manager, peerRef string, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(m.LiveTransports(peerRef)) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer %q never reached %d live transports", peerRef, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
