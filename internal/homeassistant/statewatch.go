package homeassistant

import (
	"context"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// StateWatchHandler receives each state change that passes the entity
// filter and rate limiter.
type StateWatchHandler func(StateChangedEvent)

// EntityFilter passes entity ids that match any of its glob patterns.
type EntityFilter struct {
	matchAll bool
	patterns []string
}

// NewEntityFilter compiles globs in [path.Match] syntax, for example
// "light.*" or "binary_sensor.*door*". No globs matches everything.
// Malformed globs are logged and ignored.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &EntityFilter{matchAll: len(globs) == 0}
	for _, g := range globs {
		if _, err := path.Match(g, ""); err != nil {
			logger.Warn("ignoring malformed entity glob", "glob", g, "error", err)
			continue
		}
		f.patterns = append(f.patterns, g)
	}
	return f
}

// Match reports whether entityID passes the filter.
func (f *EntityFilter) Match(entityID string) bool {
	if f.matchAll {
		return true
	}
	for _, g := range f.patterns {
		// Patterns were checked at construction.
		if ok, _ := path.Match(g, entityID); ok {
			return true
		}
	}
	return false
}

// EntityRateLimiter caps state changes per entity over a sliding
// window. A limit of zero or less lets everything through.
type EntityRateLimiter struct {
	limit  int
	window time.Duration

	mu sync.Mutex
	// counters holds each entity's accepted times within the window,
	// oldest first.
	counters map[string][]time.Time
}

// NewEntityRateLimiter allows perMinute changes per entity per minute.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:    perMinute,
		window:   time.Minute,
		counters: make(map[string][]time.Time),
	}
}

// since drops the leading times at or before cutoff.
func since(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// Allow records a change for entityID and reports whether it is within
// the limit. Rejected changes are not recorded.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	recent := since(r.counters[entityID], now.Add(-r.window))
	if len(recent) >= r.limit {
		r.counters[entityID] = recent
		return false
	}
	r.counters[entityID] = append(recent, now)
	return true
}

// Cleanup forgets entities with nothing left in the window.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, times := range r.counters {
		if len(since(times, cutoff)) == 0 {
			delete(r.counters, id)
		}
	}
}

// StateWatcher filters and rate limits the state changes a [Client]
// dispatches, passing the survivors to a handler.
type StateWatcher struct {
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateWatchHandler
	logger  *slog.Logger

	passed  atomic.Int64
	dropped atomic.Int64
}

// NewStateWatcher creates a state watcher. A nil filter or limiter
// disables that stage.
func NewStateWatcher(filter *EntityFilter, limiter *EntityRateLimiter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &StateWatcher{
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger,
	}
}

// Run registers the watcher with c and blocks until ctx is cancelled,
// pruning idle rate limiter counters once a minute. The registration is
// removed on return.
func (w *StateWatcher) Run(ctx context.Context, c *Client) {
	sub := c.OnStateChanged(w.Handle)
	w.logger.Info("state watcher started")
	defer func() {
		// The state_changed subscription is never cancelled on the hub,
		// so a background context is enough here.
		_ = c.Unsubscribe(context.Background(), sub)
		w.logger.Info("state watcher stopped",
			"passed", w.passed.Load(),
			"dropped", w.dropped.Load(),
		)
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.limiter.Cleanup()
		}
	}
}

// Handle processes one state change. Entity removals (nil NewState)
// are filtered but never rate limited. It always returns nil so it can
// be registered directly with [Client.OnStateChanged].
func (w *StateWatcher) Handle(ev StateChangedEvent) error {
	if !w.filter.Match(ev.EntityID) {
		return nil
	}
	if ev.NewState != nil && !w.limiter.Allow(ev.EntityID) {
		w.dropped.Add(1)
		w.logger.Debug("rate limited state change", "entity_id", ev.EntityID)
		return nil
	}
	w.passed.Add(1)
	w.handler(ev)
	return nil
}
