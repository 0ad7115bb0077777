// Package eventbus fans out committed locker transitions to in-process
// consumers (the websocket stream, the MQTT publisher, telemetry).
//
// Publish never blocks: each subscriber has a bounded buffer, and events
// that do not fit are dropped and counted. A slow websocket must never
// stall a state transition.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/kioskworks/locker-core/internal/locker"
)

// defaultBufferSize is the per-subscriber event buffer.
const defaultBufferSize = 64

// Stats holds bus operational statistics.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// Bus is a non-blocking publish/subscribe fan-out of locker events.
// It satisfies locker.EventSink.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	bufferSize int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus. bufferSize <= 0 gets the default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[int]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscription is one consumer's handle on the bus.
type Subscription struct {
	id  int
	ch  chan locker.Event
	bus *Bus

	closeOnce sync.Once
}

// Events returns the subscriber's event channel. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan locker.Event {
	return s.ch
}

// Close detaches the subscriber and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new consumer. Returns nil when the bus is closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan locker.Event, b.bufferSize),
		bus: b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every subscriber without blocking.
// Subscribers whose buffer is full miss the event; the drop is counted.
func (b *Bus) Publish(evt locker.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		delete(b.subs, id)
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	// Channel closes happen outside the lock: a concurrent
	// Subscription.Close holds its sync.Once while waiting for the lock,
	// and taking both in the opposite order here would deadlock.
	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(b.subs),
	}
}
