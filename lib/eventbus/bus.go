// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is what a handler receives.
type Event struct {
	Type    EventType
	Payload any
}

// Handler receives events of the type it subscribed to.
type Handler func(Event)

// Bus dispatches events to handlers. Safe for concurrent use: handlers
// may subscribe, unsubscribe and emit from inside another handler.
type Bus struct {
	logger  *slog.Logger
	tracing atomic.Bool

	mu       sync.RWMutex
	handlers map[EventType][]*Subscription
	nextID   uint64
}

// New returns an empty Bus. A nil logger discards handler panics and
// tracing output.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[EventType][]*Subscription),
	}
}

// Subscription is one registered handler.
type Subscription struct {
	bus       *Bus
	eventType EventType
	id        uint64
	handler   Handler
	removed   atomic.Bool
}

// Unsubscribe removes the handler. An Emit already in progress may
// still call it once. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.removed.Swap(true) {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	current := s.bus.handlers[s.eventType]
	for i, candidate := range current {
		if candidate == s {
			updated := make([]*Subscription, 0, len(current)-1)
			updated = append(updated, current[:i]...)
			updated = append(updated, current[i+1:]...)
			if len(updated) == 0 {
				delete(s.bus.handlers, s.eventType)
			} else {
				s.bus.handlers[s.eventType] = updated
			}
			return
		}
	}
}

// Subscribe registers handler for eventType. Handlers for one type run
// in registration order.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	subscription := &Subscription{
		bus:       b,
		eventType: eventType,
		id:        b.nextID,
		handler:   handler,
	}
	b.handlers[eventType] = append(b.handlers[eventType], subscription)
	return subscription
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Emit calls every handler registered for eventType with payload,
// synchronously, before returning.
func (b *Bus) Emit(eventType EventType, payload any) {
	b.mu.RLock()
	handlers := b.handlers[eventType]
	b.mu.RUnlock()

	tracing := b.tracing.Load()
	if tracing {
		b.logger.Debug("emitting event",
			"event_type", string(eventType),
			"handlers", len(handlers),
		)
	}

	event := Event{Type: eventType, Payload: payload}
	for _, subscription := range handlers {
		if subscription.removed.Load() {
			continue
		}
		b.invoke(subscription, event)
	}
}

// EnableLogging turns on debug-level tracing of every emission.
func (b *Bus) EnableLogging() {
	b.tracing.Store(true)
}

// DisableLogging turns tracing back off.
func (b *Bus) DisableLogging() {
	b.tracing.Store(false)
}

func (b *Bus) invoke(subscription *Subscription, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				"event_type", string(event.Type),
				"subscription", subscription.id,
				"panic", recovered,
			)
		}
	}()
	subscription.handler(event)
}
