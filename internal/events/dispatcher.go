package events

import (
	"sync"
	"time"
)

// Topics published by the mesh core.
const (
	TopicMessageState      = "message.state"
	TopicMessageArrived    = "message.arrived"
	TopicPeerDiscovered    = "peer.discovered"
	TopicPeerLost          = "peer.lost"
	TopicProfileChanged    = "profile.changed"
	TopicRelayActivity     = "relay.activity"
	TopicStorageFault      = "storage.fault"
	TopicServiceState      = "service.state"
	TopicTransportState    = "transport.state"
	TopicConnectionQuality = "connection.quality"
	TopicBatteryState      = "battery.state"
	TopicStatsUpdated      = "stats.updated"
)

type Event struct {
	Seq       int64
	Topic     string
	Payload   any
	Timestamp time.Time
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Dispatcher fans events out to subscribers. A bounded global history serves
// catch-up replay by sequence number and each topic keeps its last value so
// late subscribers see current state immediately. Slow subscribers are
// disconnected rather than ever blocking a publisher.
type Dispatcher struct {
	mu        sync.Mutex
	nextSeq   int64
	limit     int
	history   []Event
	lastValue map[string]Event
	subs      map[int]chan Event
	nextSub   int
}

func NewDispatcher(limit int) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	return &Dispatcher{
		limit:     limit,
		lastValue: make(map[string]Event),
		subs:      make(map[int]chan Event),
	}
}

func (d *Dispatcher) Publish(topic string, payload any) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSeq++
	event := Event{
		Seq:       d.nextSeq,
		Topic:     topic,
		Payload:   payload,
		Timestamp: nowUTC(),
	}
	d.history = append(d.history, event)
	if len(d.history) > d.limit {
		d.history = append([]Event(nil), d.history[len(d.history)-d.limit:]...)
	}
	d.lastValue[topic] = event

	for id, ch := range d.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(d.subs, id)
		}
	}

	return event
}

// Subscribe replays history past fromSeq and then streams. The cancel func
// is idempotent.
func (d *Dispatcher) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range d.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := d.nextSub
	d.nextSub++
	ch := make(chan Event, 128)
	d.subs[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if sub, ok := d.subs[id]; ok {
			close(sub)
			delete(d.subs, id)
		}
	}
	return replay, ch, cancel
}

// Last returns the most recent event on a topic, for subscribers that only
// care about current state.
func (d *Dispatcher) Last(topic string) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	event, ok := d.lastValue[topic]
	return event, ok
}

func (d *Dispatcher) BacklogSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}
