package connwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     8 * time.Millisecond,
		Multiplier:   2.0,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 300*time.Second {
		t.Errorf("MaxDelay = %v, want 300s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.ProbeTimeout != 30*time.Second {
		t.Errorf("ProbeTimeout = %v, want 30s", cfg.ProbeTimeout)
	}
}

func TestBackoff_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{})
	if got := b.Config(); got != DefaultBackoffConfig() {
		t.Errorf("Config() = %+v, want defaults", got)
	}
}

func TestBackoff_DoublesToCeiling(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2,
	})

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_NonDecreasingUntilReset(t *testing.T) {
	t.Parallel()
	b := NewBackoff(testBackoff())

	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("Next() #%d = %v, decreased from %v", i+1, d, prev)
		}
		if d > testBackoff().MaxDelay {
			t.Fatalf("Next() #%d = %v, exceeds ceiling %v", i+1, d, testBackoff().MaxDelay)
		}
		prev = d
	}

	b.Reset()
	if got := b.Next(); got != testBackoff().InitialDelay {
		t.Errorf("Next() after Reset = %v, want %v", got, testBackoff().InitialDelay)
	}
}

func TestBackoff_PeekDoesNotAdvance(t *testing.T) {
	t.Parallel()
	b := NewBackoff(testBackoff())
	b.Next()

	p := b.Peek()
	if p != b.Peek() {
		t.Fatal("Peek advanced the schedule")
	}
	if got := b.Next(); got != p {
		t.Errorf("Next() = %v, want peeked %v", got, p)
	}
}

func TestBackoff_MaxBelowInitial(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Second, MaxDelay: time.Second})
	for i := 0; i < 3; i++ {
		if got := b.Next(); got != 10*time.Second {
			t.Errorf("Next() = %v, want 10s", got)
		}
	}
}

func TestWatcher_RecoversAfterFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var readyCalled atomic.Int32
	var mu sync.Mutex
	var delays []time.Duration

	b := NewBackoff(testBackoff())
	w := Start(context.Background(), WatcherConfig{
		Name: "test-recover",
		Probe: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
		Backoff: b,
		OnScheduled: func(attempt int, delay time.Duration) {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
		},
		OnReady: func() { readyCalled.Add(1) },
	})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not finish")
	}

	if !w.IsReady() {
		t.Error("IsReady() = false after successful probe")
	}
	if readyCalled.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", readyCalled.Load())
	}
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("scheduled %d attempts, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	if got := b.Peek(); got != testBackoff().InitialDelay {
		t.Errorf("backoff not reset after success: Peek() = %v", got)
	}

	s := w.Status()
	if s.Name != "test-recover" || !s.Ready || s.Attempts != 3 {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_PermanentErrorStops(t *testing.T) {
	t.Parallel()

	errDenied := errors.New("denied")
	var calls atomic.Int32
	var gaveUp atomic.Bool

	w := Start(context.Background(), WatcherConfig{
		Name: "test-permanent",
		Probe: func(ctx context.Context) error {
			calls.Add(1)
			return errDenied
		},
		Backoff:   NewBackoff(testBackoff()),
		Permanent: func(err error) bool { return errors.Is(err, errDenied) },
		OnGiveUp:  func(error) { gaveUp.Store(true) },
	})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on permanent error")
	}

	if calls.Load() != 1 {
		t.Errorf("probe called %d times, want 1", calls.Load())
	}
	if !gaveUp.Load() {
		t.Error("OnGiveUp not called")
	}
	if w.IsReady() {
		t.Error("IsReady() = true after permanent failure")
	}
	if !errors.Is(w.LastError(), errDenied) {
		t.Errorf("LastError() = %v, want %v", w.LastError(), errDenied)
	}
}

func TestWatcher_StopDuringSleep(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	w := Start(context.Background(), WatcherConfig{
		Name: "test-stop",
		Probe: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
		Backoff: NewBackoff(BackoffConfig{InitialDelay: time.Hour}),
	})

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if calls.Load() != 0 {
		t.Errorf("probe called %d times after Stop, want 0", calls.Load())
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	w := Start(context.Background(), WatcherConfig{
		Name: "test-timeout",
		Probe: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
		Backoff: NewBackoff(BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			ProbeTimeout: 10 * time.Millisecond,
		}),
	})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not finish")
	}
	if calls.Load() != 2 {
		t.Errorf("probe called %d times, want 2", calls.Load())
	}
}

func TestStart_PanicsOnMissingFields(t *testing.T) {
	t.Parallel()

	probe := func(ctx context.Context) error { return nil }
	cases := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"no name", WatcherConfig{Probe: probe, Backoff: NewBackoff(testBackoff())}},
		{"no probe", WatcherConfig{Name: "x", Backoff: NewBackoff(testBackoff())}},
		{"no backoff", WatcherConfig{Name: "x", Probe: probe}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			Start(context.Background(), tc.cfg)
		})
	}
}
