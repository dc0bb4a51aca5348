// Package connwatch drives recovery of a lost service connection with
// exponential backoff.
//
// A [Backoff] holds the current retry interval: it starts at a base
// delay, doubles (by Multiplier) after every attempt, is capped at a
// ceiling, and snaps back to the base on [Backoff.Reset]. A [Watcher]
// runs one recovery episode in the background: sleep, probe, repeat,
// until the probe succeeds, reports a permanent failure, or the watcher
// is stopped.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc attempts to restore a service. Return nil if it is healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 300s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// ProbeTimeout limits how long each individual probe call may take (default: 30s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the reconnect schedule: 1s, 2s, 4s, ...
// capped at five minutes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
		ProbeTimeout: 30 * time.Second,
	}
}

// withDefaults replaces zero-value fields with the defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Backoff tracks the current retry interval. Safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig

	mu   sync.Mutex
	next time.Duration
}

// NewBackoff creates a Backoff positioned at the base interval.
// Zero-value config fields are replaced with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Config returns the effective configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.cfg
}

// Next returns the interval to wait before the upcoming attempt and
// advances the schedule. Successive calls without a Reset return a
// non-decreasing sequence bounded by MaxDelay.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if grown > b.cfg.MaxDelay || grown < b.next {
		grown = b.cfg.MaxDelay
	}
	b.next = grown
	return d
}

// Peek returns the interval Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Reset returns the schedule to the base interval.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.cfg.InitialDelay
	b.mu.Unlock()
}

// WatcherConfig configures a single recovery episode.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "homeassistant").
	Name string

	// Probe attempts recovery. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff supplies retry intervals. It is shared with the owner so a
	// success elsewhere can reset it. Required.
	Backoff *Backoff

	// Permanent reports whether a probe error should end the episode
	// without further attempts (e.g., rejected credentials). Optional.
	Permanent func(err error) bool

	// OnScheduled is called before each sleep with the 1-based attempt
	// number and the delay. Called synchronously; must not block. Optional.
	OnScheduled func(attempt int, delay time.Duration)

	// OnReady is called once when a probe succeeds. Called synchronously
	// from the watcher goroutine. Optional.
	OnReady func()

	// OnGiveUp is called when the episode ends on a permanent error.
	// Optional.
	OnGiveUp func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the recovery status of a watched service, suitable
// for JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"attempts"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher runs one recovery episode.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	attempts  int
	lastErr   error
	lastCheck time.Time
}

// Start validates cfg and launches the recovery goroutine. It runs until
// the probe succeeds, a permanent error occurs, ctx is cancelled, or
// Stop is called.
//
// Panics if Name is empty, Probe is nil, or Backoff is nil. These are
// programming errors.
func Start(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Backoff == nil {
		panic("connwatch: WatcherConfig.Backoff must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the episode ended with a successful probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current recovery status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Attempts:  w.attempts,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done returns a channel closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	cfg := w.config
	logger := cfg.Logger

	for attempt := 1; ; attempt++ {
		delay := cfg.Backoff.Next()
		if cfg.OnScheduled != nil {
			cfg.OnScheduled(attempt, delay)
		}
		logger.Info("reconnect scheduled",
			"service", cfg.Name,
			"attempt", attempt,
			"delay", delay.String(),
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		err := w.probe(ctx)
		w.recordResult(err)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			cfg.Backoff.Reset()
			w.ready.Store(true)
			logger.Info("service recovered",
				"service", cfg.Name,
				"after_attempts", attempt,
			)
			if cfg.OnReady != nil {
				cfg.OnReady()
			}
			return
		}

		if cfg.Permanent != nil && cfg.Permanent(err) {
			logger.Error("recovery abandoned",
				"service", cfg.Name,
				"attempt", attempt,
				"error", err,
			)
			if cfg.OnGiveUp != nil {
				cfg.OnGiveUp(err)
			}
			return
		}

		logger.Warn("reconnect attempt failed",
			"service", cfg.Name,
			"attempt", attempt,
			"next_delay", cfg.Backoff.Peek().String(),
			"error", err,
		)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.Config().ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.attempts++
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
