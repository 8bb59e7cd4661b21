// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (automation runners, the
// entity state store, broker transports, the engine supervisor) to
// subscribers (tests, the trace log sink, a future metrics collector).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the engine supervisor.
	SourceEngine = "engine"
	// SourceRunner identifies events from automation runners.
	SourceRunner = "runner"
	// SourceState identifies events from the entity state store.
	SourceState = "state"
	// SourceTransport identifies events from broker transports.
	SourceTransport = "transport"
)

// Kind constants describe the type of event within a source.
const (
	// KindEngineStarted signals the engine finished startup.
	// Data: entities, automations, transports.
	KindEngineStarted = "engine_started"
	// KindEngineStopped signals the engine completed shutdown.
	KindEngineStopped = "engine_stopped"

	// KindStateChange signals an automation state machine transition.
	// Data: automation, from, to.
	KindStateChange = "state_change"
	// KindTriggered signals an automation's condition evaluated true
	// and its actions were dispatched.
	// Data: automation, condition.
	KindTriggered = "triggered"
	// KindEnabled signals an automation was enabled by a peer or by the
	// engine. Data: automation, by.
	KindEnabled = "enabled"
	// KindDisabled signals an automation was disabled by a peer, by
	// checkOnce, or by continuous=false. Data: automation, by.
	KindDisabled = "disabled"

	// KindEntityUpdate signals an inbound message updated entity state.
	// Data: entity, attributes.
	KindEntityUpdate = "entity_update"

	// KindConnected signals a broker transport (re-)connected.
	// Data: broker, kind.
	KindConnected = "connected"
	// KindPublishFailed signals an outbound publish was dropped.
	// Data: broker, topic, error.
	KindPublishFailed = "publish_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// test consumers watching a running engine.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
