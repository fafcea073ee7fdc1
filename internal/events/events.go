// Package events implements the bounded local event bus (spec.md §4.F,
// §4.G): a multi-producer multi-consumer broadcast of LocalEvent values,
// used to notify the stream engine and sync worker of state changes applied
// by the MLS driver without coupling them directly to it.
package events

import (
	"sync"
	"sync/atomic"
)

// Kind tags a LocalEvent's payload variant.
type Kind string

const (
	KindNewGroup                 Kind = "new_group"
	KindSyncMessage               Kind = "sync_message"
	KindOutgoingPreferenceUpdate Kind = "outgoing_preference_update"
	KindIncomingPreferenceUpdate Kind = "incoming_preference_update"
)

// LocalEvent is one event broadcast to every subscriber.
type LocalEvent struct {
	Kind    Kind
	GroupID []byte
	Payload any
}

// subscriberBuffer is the per-subscriber channel capacity. A slow consumer
// that falls behind this many events triggers a lag drop rather than
// blocking every producer (spec §4.G "Backpressure").
const subscriberBuffer = 256

type subscriberSlot struct {
	ch     chan LocalEvent
	lagged *int64
}

// Bus is a fan-out broadcaster: every Publish is delivered to every current
// Subscriber, best-effort.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]subscriberSlot
	nextID      int
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]subscriberSlot)}
}

// Subscription is a live subscriber handle. Events arrive over C; Lagged
// increments (without blocking) whenever the bus had to drop an event
// because this subscriber's buffer was full.
type Subscription struct {
	id     int
	C      <-chan LocalEvent
	bus    *Bus
	Lagged *int64
}

// Subscribe registers a new subscriber and returns its handle. Call
// Unsubscribe when the caller is done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	slot := subscriberSlot{ch: make(chan LocalEvent, subscriberBuffer), lagged: new(int64)}
	b.subscribers[id] = slot
	return &Subscription{id: id, C: slot.ch, bus: b, Lagged: slot.lagged}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot, ok := b.subscribers[s.id]; ok {
		delete(b.subscribers, s.id)
		close(slot.ch)
	}
}

// Publish delivers ev to every current subscriber. A subscriber whose
// buffer is full has the event dropped and its Lagged counter incremented
// rather than blocking the publisher (spec §4.G: "the engine logs a lag
// event and continues; missed messages are recovered on the next poll
// because the driver has already written them to the database").
func (b *Bus) Publish(ev LocalEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, slot := range b.subscribers {
		select {
		case slot.ch <- ev:
		default:
			atomic.AddInt64(slot.lagged, 1)
		}
	}
}
