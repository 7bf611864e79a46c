// Package eventbus is a small in-process publish/subscribe fanout used to
// surface pipeline events (published, paused, dropped) without coupling the
// orchestrator to its observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the delivery pipeline.
const (
	TopicPublished = "delivery.published"
	TopicPaused    = "delivery.paused"
	TopicDropped   = "delivery.dropped"
)

// Event is one pipeline occurrence.
type Event struct {
	Topic       string
	Destination string
	Detail      string
	At          time.Time
}

type subscriber struct {
	ch     chan Event
	topics map[string]bool // nil means all topics
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[int]*subscriber{}}
}

// Subscribe registers a listener for the given topics (none means all).
// The returned cancel func must be called to release the channel.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded due to full buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
