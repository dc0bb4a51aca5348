// Package events provides a publish/subscribe bus for connection
// lifecycle notifications. Components (hub client, MQTT mirror, journal)
// publish; the serve loop and the mirror subscribe. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHub identifies events from the hub client.
	SourceHub = "hub"
	// SourceMirror identifies events from the MQTT state mirror.
	SourceMirror = "mirror"
	// SourceJournal identifies events from the event journal.
	SourceJournal = "journal"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnectionState signals a hub connection state transition.
	// Data: from, to, session.
	KindConnectionState = "connection_state"
	// KindReconnectScheduled signals a reconnect attempt is pending.
	// Data: attempt, delay_ms.
	KindReconnectScheduled = "reconnect_scheduled"
	// KindReconnected signals the hub connection was restored.
	// Data: session, attempts.
	KindReconnected = "reconnected"
	// KindReconnectAbandoned signals reconnection stopped for good.
	// Data: error.
	KindReconnectAbandoned = "reconnect_abandoned"
	// KindCallbackError signals a subscriber callback failed or panicked.
	// Data: event_type, error.
	KindCallbackError = "callback_error"

	// KindMirrorUp signals the MQTT broker connection is established.
	// Data: broker.
	KindMirrorUp = "mirror_up"
	// KindMirrorDown signals the MQTT broker connection was lost.
	// Data: broker, error.
	KindMirrorDown = "mirror_down"

	// KindPruned signals old journal rows were deleted.
	// Data: rows.
	KindPruned = "pruned"
)

// Event represents a single lifecycle event published by a component.
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
// blocking publishers. Publishers include the hub read loop, which must
// never stall.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
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
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
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
