// Package events implements Galaxy's in-process event bus: a typed pub/sub
// broker that fans a single Publish out to every subscribed observer, each
// drained by its own goroutine so one slow observer can never block
// another, with delivery in publish order per observer.
package events

import (
	"sync"

	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/galaxyhq/galaxy/pkg/types"
	"github.com/google/uuid"
)

// subscriberBuffer bounds how many undelivered events an observer may have
// queued before new events are dropped for it.
const subscriberBuffer = 256

// Handler receives one event at a time, in publish order, on its own
// goroutine.
type Handler func(types.Event)

type subscription struct {
	id      string
	kinds   map[types.EventKind]struct{} // nil means "every kind"
	ch      chan types.Event
	handler Handler
}

// Bus is the event broker. The zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	closed      bool
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscription)}
}

// Subscribe registers handler to receive every event whose Kind is in
// kinds, or every event if kinds is empty. Returns a subscription id for
// Unsubscribe.
func (b *Bus) Subscribe(handler Handler, kinds ...types.EventKind) string {
	sub := &subscription{
		id:      uuid.NewString(),
		ch:      make(chan types.Event, subscriberBuffer),
		handler: handler,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[types.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	go b.consume(sub)
	return sub.id
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber. Delivery is
// non-blocking per subscriber: a subscriber whose buffer is full misses
// the event rather than stalling the publisher.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			log.WithComponent("events").Warn().Str("kind", string(ev.Kind)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close stops accepting new events and tears down every subscriber
// goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// consume is the single delivery goroutine for one subscriber, guaranteeing
// publish-order, serial handler invocation with panic isolation.
func (b *Bus) consume(sub *subscription) {
	for ev := range sub.ch {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub *subscription, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("events").Error().Interface("panic", r).Str("kind", string(ev.Kind)).Msg("observer panicked handling event")
		}
	}()
	sub.handler(ev)
}
