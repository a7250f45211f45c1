package overlay

import (
	"sync"
	"time"
)

// Message is one sealed envelope frame in flight on the overlay. The frame is
// opaque here; sealing and opening happen above this layer.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Frame     []byte
	SentAt    time.Time
}

// Announcement is a signed presence beacon published under a fingerprint. The
// card bytes carry a self-signed contact card; consumers verify the signature
// before trusting anything inside.
type Announcement struct {
	Fingerprint string
	Card        []byte
	SentAt      time.Time
}

// retainedPerRecipient bounds the mock store window per fingerprint.
const retainedPerRecipient = 256

// envelopeBus is the in-process overlay used by the mock backend: recipients
// with a live subscription get frames pushed, everyone else accumulates a
// mailbox drained on subscribe. A bounded retained window per recipient
// mirrors the store backend so catch-up fetches work against the mock too.
// Announcements keep only the latest beacon per fingerprint.
type envelopeBus struct {
	mu            sync.Mutex
	subscribers   map[string]func(Message)
	mailbox       map[string][]Message
	retained      map[string][]Message
	announcements map[string]Announcement
	watchers      []func(Announcement)
}

var globalBus = &envelopeBus{
	subscribers:   make(map[string]func(Message)),
	mailbox:       make(map[string][]Message),
	retained:      make(map[string][]Message),
	announcements: make(map[string]Announcement),
}

func (b *envelopeBus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := append(b.retained[msg.Recipient], msg)
	if len(kept) > retainedPerRecipient {
		kept = kept[len(kept)-retainedPerRecipient:]
	}
	b.retained[msg.Recipient] = kept
	if handler, ok := b.subscribers[msg.Recipient]; ok {
		go handler(msg)
		return
	}
	b.mailbox[msg.Recipient] = append(b.mailbox[msg.Recipient], msg)
}

// fetchSince serves the mock store query: retained frames for one recipient
// newer than the cutoff, oldest first.
func (b *envelopeBus) fetchSince(recipient string, since time.Time, limit int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, limit)
	for _, msg := range b.retained[recipient] {
		if !msg.SentAt.After(since) {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (b *envelopeBus) subscribe(recipient string, handler func(Message)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Message(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, msg := range pending {
		handler(msg)
	}
}

func (b *envelopeBus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}

func (b *envelopeBus) announce(a Announcement) {
	b.mu.Lock()
	if prev, ok := b.announcements[a.Fingerprint]; !ok || a.SentAt.After(prev.SentAt) {
		b.announcements[a.Fingerprint] = a
	}
	watchers := make([]func(Announcement), len(b.watchers))
	copy(watchers, b.watchers)
	b.mu.Unlock()

	for _, w := range watchers {
		go w(a)
	}
}

func (b *envelopeBus) lookup(fingerprint string) (Announcement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.announcements[fingerprint]
	return a, ok
}

func (b *envelopeBus) watch(handler func(Announcement)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, handler)
}
