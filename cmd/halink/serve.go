package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/halink/internal/buildinfo"
	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/connwatch"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
	"github.com/nugget/halink/internal/journal"
	"github.com/nugget/halink/internal/mqtt"
)

// shutdownTimeout bounds the MQTT offline publish and disconnect.
const shutdownTimeout = 5 * time.Second

// runServe connects to the hub and forwards filtered state changes to
// the journal and the MQTT mirror until ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting halink", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"url", cfg.HomeAssistant.URL,
		"journal", cfg.Journal.Path,
		"mqtt", cfg.MQTT.Broker,
	)

	bus := events.New()
	busCh := bus.Subscribe(64)
	defer bus.Unsubscribe(busCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// sinks receive every state change that passes the watcher.
	var sinks []homeassistant.StateWatchHandler

	// --- Journal ---
	var jrnl *journal.Journal
	if cfg.Journal.Enabled() {
		jrnl, err = journal.Open(cfg.Journal.Path, bus, logger.With("component", "journal"))
		if err != nil {
			return fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
		}
		defer jrnl.Close()
		logger.Info("journal opened", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention)
		sinks = append(sinks, func(ev homeassistant.StateChangedEvent) {
			if err := jrnl.Record(runCtx, ev); err != nil && runCtx.Err() == nil {
				logger.Warn("journal record failed", "entity_id", ev.EntityID, "error", err)
			}
		})
	}

	// Background workers stop before the journal closes.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logBusEvents(runCtx, logger, busCh)
	}()

	if jrnl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jrnl.RunPruner(runCtx, cfg.Journal.Retention, time.Hour)
		}()
	}

	// --- MQTT mirror ---
	// The broker connection outlives runCtx so Stop can still publish
	// "offline" during shutdown.
	if cfg.MQTT.Enabled() {
		mirror, err := mqtt.New(cfg.MQTT, bus, logger)
		if err != nil {
			return fmt.Errorf("create mqtt mirror: %w", err)
		}
		mirrorCtx, mirrorCancel := context.WithCancel(context.WithoutCancel(ctx))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mirror.Start(mirrorCtx); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := mirror.Stop(stopCtx); err != nil {
				logger.Warn("mqtt mirror stop failed", "error", err)
			}
			mirrorCancel()
		}()
		sinks = append(sinks, mirror.HandleStateChange)
	}

	// --- Hub client ---
	client := homeassistant.NewClient(clientOptions(cfg.HomeAssistant, logger, bus))
	defer client.Disconnect()

	if err := connectWithRetry(runCtx, client, cfg.HomeAssistant, logger); err != nil {
		return err
	}
	st := client.Status()
	logger.Info("connected to hub", "hub_version", st.HubVersion, "session", st.Session)

	forward := func(ev homeassistant.StateChangedEvent) {
		for _, sink := range sinks {
			sink(ev)
		}
	}
	watcher := homeassistant.NewStateWatcher(
		homeassistant.NewEntityFilter(cfg.HomeAssistant.Subscribe.EntityGlobs, logger),
		homeassistant.NewEntityRateLimiter(cfg.HomeAssistant.Subscribe.RateLimitPerMinute),
		forward,
		logger.With("component", "state_watcher"),
	)

	for _, eventType := range cfg.HomeAssistant.Subscribe.EventTypes {
		if eventType == homeassistant.EventStateChanged {
			continue
		}
		if _, err := client.SubscribeEvents(runCtx, eventType, logEvent(logger)); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
		logger.Info("subscribed to hub events", "event_type", eventType)
	}

	watcher.Run(runCtx, client)
	logger.Info("shutting down")
	return nil
}

// connectWithRetry makes the initial connection, retrying transient
// failures on the reconnect schedule. Authentication failures and
// cancellation end the attempt.
func connectWithRetry(ctx context.Context, client *homeassistant.Client, cfg config.HomeAssistantConfig, logger *slog.Logger) error {
	backoff := connwatch.NewBackoff(connwatch.BackoffConfig{
		InitialDelay: cfg.Reconnect.Base,
		MaxDelay:     cfg.Reconnect.Max,
	})
	for attempt := 1; ; attempt++ {
		if client.Connect(ctx) {
			return nil
		}
		err := client.LastError()
		if homeassistant.IsAuthError(err) {
			return fmt.Errorf("connect to %s: %w", cfg.URL, err)
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
		delay := backoff.Next()
		logger.Warn("hub unavailable, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// logEvent returns a handler that logs a subscribed hub event.
func logEvent(logger *slog.Logger) homeassistant.EventHandler {
	return func(ev homeassistant.Event) error {
		logger.Info("hub event",
			"event_type", ev.Type,
			"origin", ev.Origin,
			"context_id", ev.Context.ID,
			"data_bytes", len(ev.Data),
		)
		return nil
	}
}

// logBusEvents writes lifecycle events to the log until ctx is
// cancelled or the channel closes.
func logBusEvents(ctx context.Context, logger *slog.Logger, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			attrs := []any{"source", e.Source, "kind", e.Kind}
			for k, v := range e.Data {
				attrs = append(attrs, k, v)
			}
			level := slog.LevelInfo
			if e.Kind == events.KindCallbackError || e.Kind == events.KindReconnectAbandoned || e.Kind == events.KindMirrorDown {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "lifecycle event", attrs...)
		}
	}
}
