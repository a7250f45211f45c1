package events

import (
	"testing"
	"time"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	d := NewDispatcher(16)
	first := d.Publish(TopicServiceState, "starting")
	second := d.Publish(TopicServiceState, "running")
	if second.Seq <= first.Seq {
		t.Fatalf("seq not monotonic: %d then %d", first.Seq, second.Seq)
	}
}

func TestSubscribeReplaysHistoryPastSeq(t *testing.T) {
	d := NewDispatcher(16)
	d.Publish(TopicPeerDiscovered, "fp-a")
	marker := d.Publish(TopicPeerDiscovered, "fp-b")
	d.Publish(TopicPeerDiscovered, "fp-c")

	replay, _, cancel := d.Subscribe(marker.Seq)
	defer cancel()
	if len(replay) != 1 || replay[0].Payload != "fp-c" {
		t.Fatalf("replay = %+v", replay)
	}
}

func TestHistoryBounded(t *testing.T) {
	d := NewDispatcher(3)
	for i := 0; i < 10; i++ {
		d.Publish(TopicRelayActivity, i)
	}
	if d.BacklogSize() != 3 {
		t.Fatalf("backlog = %d, want 3", d.BacklogSize())
	}
	replay, _, cancel := d.Subscribe(0)
	defer cancel()
	if replay[0].Payload != 7 {
		t.Fatalf("oldest retained = %v, want 7", replay[0].Payload)
	}
}

func TestLastValuePerTopic(t *testing.T) {
	d := NewDispatcher(16)
	if _, ok := d.Last(TopicProfileChanged); ok {
		t.Fatal("last value before any publish")
	}
	d.Publish(TopicProfileChanged, "standard")
	d.Publish(TopicProfileChanged, "minimal")
	d.Publish(TopicServiceState, "running")

	event, ok := d.Last(TopicProfileChanged)
	if !ok || event.Payload != "minimal" {
		t.Fatalf("last = %+v ok=%v", event, ok)
	}
}

func TestLiveDelivery(t *testing.T) {
	d := NewDispatcher(16)
	_, ch, cancel := d.Subscribe(0)
	defer cancel()

	d.Publish(TopicMessageArrived, "m1")
	select {
	case event := <-ch:
		if event.Topic != TopicMessageArrived || event.Payload != "m1" {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	d := NewDispatcher(1024)
	_, ch, cancel := d.Subscribe(0)
	defer cancel()

	// Fill the subscriber buffer without draining; the hub must drop the
	// subscriber instead of blocking.
	for i := 0; i < 300; i++ {
		d.Publish(TopicRelayActivity, i)
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained == 0 || drained > 128 {
		t.Fatalf("drained %d events from dropped subscriber", drained)
	}
}

func TestCancelIdempotent(t *testing.T) {
	d := NewDispatcher(16)
	_, _, cancel := d.Subscribe(0)
	cancel()
	cancel()
	d.Publish(TopicServiceState, "still fine")
}
