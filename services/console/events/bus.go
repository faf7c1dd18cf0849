// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler processes one event. Handlers run on the publishing goroutine and
// must not block on network I/O; schedule such work elsewhere.
type Handler func(Event)

// subscription is one registered handler.
//
// active is cleared on unsubscribe so that a handler removed while a
// dispatch is in progress is not invoked for the rest of that dispatch.
type subscription struct {
	id      string
	kind    Kind // empty = all kinds
	handler Handler
	active  atomic.Bool
}

// Bus fans events out to subscribers in publish order.
//
// # Description
//
// Publish takes a snapshot of the subscriber list and then invokes handlers
// outside the lock. Handlers may therefore subscribe or unsubscribe (even
// themselves or each other) from inside a dispatch without deadlocking or
// corrupting the iteration. Handler panics are recovered and logged so one
// misbehaving consumer cannot starve the others.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Ordering across subscribers is only
// guaranteed when Publish is called from a single goroutine, which the
// Channel read loop does.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers handler for events of kind.
//
// # Outputs
//
//   - func(): Unsubscribe. Idempotent and safe to call from within a handler.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	return b.add(kind, handler)
}

// SubscribeAll registers handler for every event, including kinds this
// package has no name for.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add("", handler)
}

func (b *Bus) add(kind Kind, handler Handler) func() {
	sub := &subscription{
		id:      uuid.NewString(),
		kind:    kind,
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	if !sub.active.Swap(false) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			// Copy instead of in-place delete: an in-flight Publish may still
			// hold the old slice.
			next := make([]*subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.kind != "" && sub.kind != ev.Kind {
			continue
		}
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, ev)
		delivered++
	}
	if delivered == 0 {
		b.logger.Debug("event had no subscribers", "kind", ev.Kind, "seq", ev.Seq)
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanicsTotal.WithLabelValues(string(ev.Kind)).Inc()
			b.logger.Error("event handler panicked",
				"kind", ev.Kind,
				"seq", ev.Seq,
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ev)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Listen returns a channel receiving events of the given kinds (all kinds
// when none are given) and a cancel function that unsubscribes.
//
// Delivery into the channel never blocks the publisher: when the buffer is
// full the event is dropped and counted. Use Listen only for consumers that
// re-read state on wake-up, such as screens; state-keeping consumers must
// use Subscribe.
func (b *Bus) Listen(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	forward := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			listenerDropsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	var unsubs []func()
	if len(kinds) == 0 {
		unsubs = append(unsubs, b.SubscribeAll(forward))
	}
	for _, k := range kinds {
		unsubs = append(unsubs, b.Subscribe(k, forward))
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}
