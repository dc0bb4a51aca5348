package homeassistant

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// EventHandler receives hub events of the type it was registered for.
// A returned error is logged; it does not affect other handlers.
type EventHandler func(Event) error

// StateChangeHandler receives parsed state_changed events.
type StateChangeHandler func(StateChangedEvent) error

// Subscription is a registered handler. Pass it to Client.Unsubscribe to
// remove it.
type Subscription struct {
	id        uint64
	eventType string
	handler   EventHandler
}

// EventType returns the event type the subscription listens for.
func (s *Subscription) EventType() string { return s.eventType }

// handlerRegistry holds handlers per event type. Lists are replaced,
// never mutated, so a dispatch iterating a snapshot is unaffected by
// concurrent registration; changes apply from the next dispatch.
type handlerRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[string][]*Subscription
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{byType: make(map[string][]*Subscription)}
}

// add registers h and reports whether it is the first handler for
// eventType.
func (r *handlerRegistry) add(eventType string, h EventHandler) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, eventType: eventType, handler: h}
	prev := r.byType[eventType]
	next := make([]*Subscription, len(prev), len(prev)+1)
	copy(next, prev)
	r.byType[eventType] = append(next, sub)
	return sub, len(prev) == 0
}

// remove unregisters sub and returns how many handlers remain for its
// event type. ok is false if sub was not registered.
func (r *handlerRegistry) remove(sub *Subscription) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byType[sub.eventType]
	idx := slices.IndexFunc(prev, func(s *Subscription) bool { return s.id == sub.id })
	if idx < 0 {
		return len(prev), false
	}
	next := slices.Concat(prev[:idx], prev[idx+1:])
	if len(next) == 0 {
		delete(r.byType, sub.eventType)
	} else {
		r.byType[sub.eventType] = next
	}
	return len(next), true
}

// snapshot returns the handlers for eventType in registration order.
// The slice must not be modified.
func (r *handlerRegistry) snapshot(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[eventType]
}

// types returns the event types with at least one handler, sorted.
func (r *handlerRegistry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// count returns the number of handlers for eventType.
func (r *handlerRegistry) count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[eventType])
}

// eventQueue is an unbounded FIFO between the read loop and handler
// delivery. Handlers run on the queue goroutine, never on the read loop,
// so a handler may issue commands and wait for their responses.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	signal  chan struct{}
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push appends ev. Events pushed before start are delivered once the
// queue runs.
func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// start launches the delivery goroutine if it is not already running.
func (q *eventQueue) start(deliver func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, deliver, q.done)
}

// stop halts delivery, discards undelivered events, and waits for the
// goroutine to exit. It must not be called from a handler.
func (q *eventQueue) stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.items = nil
	q.mu.Unlock()

	cancel()
	<-done
}

func (q *eventQueue) run(ctx context.Context, deliver func(Event), done chan struct{}) {
	defer close(done)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			deliver(ev)
		}

		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}
