// Package homeassistant is a stateful client for a Home Assistant hub.
//
// A [Client] owns one REST session and one persistent WebSocket. REST
// calls go straight to the hub and surface their errors to the caller.
// WebSocket commands are correlated with their responses by id, and push
// events are fanned out to registered handlers after the local state
// cache has been updated. When the socket drops unexpectedly the client
// reconnects with exponential backoff and restores every event
// subscription before reporting itself connected again. [Client.Disconnect]
// never triggers a reconnect.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/halink/internal/connwatch"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/httpkit"
)

// levelTrace matches config.LevelTrace.
const levelTrace = slog.Level(-8)

// Defaults applied by NewClient to zero-valued options.
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	DefaultWebSocketTimeout = 55 * time.Second
)

// Options configures a Client. They are fixed at construction.
type Options struct {
	// URL is the hub base URL, e.g. "http://homeassistant.local:8123".
	URL string
	// Token is a long-lived access token.
	Token string

	// InsecureSkipVerify disables TLS certificate verification for both
	// REST and WebSocket.
	InsecureSkipVerify bool

	// WebSocketTimeout is the heartbeat interval. Zero selects the
	// default; a negative value disables the heartbeat.
	WebSocketTimeout time.Duration
	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration
	// CommandTimeout bounds each WebSocket command and the auth handshake.
	CommandTimeout time.Duration
	// StateCacheTTL expires cached entity states. Zero keeps them until
	// the connection is lost.
	StateCacheTTL time.Duration

	// Backoff is the reconnect schedule. Zero fields take the connwatch
	// defaults (1s doubling to 300s).
	Backoff connwatch.BackoffConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Bus receives lifecycle events. May be nil.
	Bus *events.Bus
	// HTTPClient overrides the REST client factory. Each Connect after
	// a Disconnect calls it again.
	HTTPClient func() *http.Client
}

// ConnState is the lifecycle state of the connection.
type ConnState int

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthPending
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// errShutdown ends a reconnect episode after Disconnect.
var errShutdown = errors.New("client shut down")

// Client is a connection to one hub. Construct with NewClient; all
// methods are safe for concurrent use.
type Client struct {
	opts    Options
	logger  *slog.Logger
	bus     *events.Bus
	rest    *restGateway
	cache   *stateCache
	subs    *handlerRegistry
	queue   *eventQueue
	backoff *connwatch.Backoff

	// connectMu serializes connect sequences (explicit and reconnect).
	connectMu sync.Mutex

	mu          sync.Mutex
	state       ConnState
	sess        *session
	shutdown    bool
	watcher     *connwatch.Watcher
	episode     int
	lastErr     error
	lastLatency time.Duration
	connectedAt time.Time
}

// NewClient creates a disconnected client. Call Connect to open it.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.WebSocketTimeout == 0 {
		opts.WebSocketTimeout = DefaultWebSocketTimeout
	}
	if opts.HTTPClient == nil {
		httpOpts := []httpkit.ClientOption{httpkit.WithTimeout(0)}
		if opts.InsecureSkipVerify {
			httpOpts = append(httpOpts, httpkit.WithTLSInsecureSkipVerify())
		}
		opts.HTTPClient = func() *http.Client { return httpkit.NewClient(httpOpts...) }
	}

	logger := opts.Logger.With("component", "homeassistant")
	c := &Client{
		opts:    opts,
		logger:  logger,
		bus:     opts.Bus,
		rest:    newRESTGateway(opts.URL, opts.Token, opts.RequestTimeout, opts.HTTPClient, logger),
		cache:   newStateCache(opts.StateCacheTTL),
		subs:    newHandlerRegistry(),
		queue:   newEventQueue(),
		backoff: connwatch.NewBackoff(opts.Backoff),
	}
	// The cache depends on state_changed; keep it subscribed for the
	// client's lifetime.
	c.subs.add(EventStateChanged, func(Event) error { return nil })
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the WebSocket is authenticated and all
// subscriptions are in place.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// LastError returns the error from the most recent failed connect or
// reconnect attempt, or nil after a success.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setState(to ConnState) {
	c.mu.Lock()
	c.setStateLocked(to)
	c.mu.Unlock()
}

// setStateLocked must be called with c.mu held.
func (c *Client) setStateLocked(to ConnState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	session := ""
	if c.sess != nil {
		session = c.sess.id
	}
	c.logger.Debug("connection state", "from", from, "to", to)
	c.bus.Emit(events.SourceHub, events.KindConnectionState, map[string]any{
		"from":    from.String(),
		"to":      to.String(),
		"session": session,
	})
}

// Connect opens the REST session, validates the token, opens and
// authenticates the WebSocket, and restores event subscriptions. It
// reports success; the failure cause is available from LastError.
// Ordinary network and auth failures are not errors to the caller. A
// failed Connect leaves no background work running.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return true
	}
	c.shutdown = false
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if w != nil {
		w.Stop()
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	// Another Connect or a reconnect may have finished while we waited.
	if c.hasLiveSession() {
		return true
	}

	err := c.connect(ctx, true)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connect failed", "url", c.opts.URL, "error", err)
		return false
	}
	return true
}

// hasLiveSession reports whether an established session is still
// running. Must hold connectMu.
func (c *Client) hasLiveSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.sess != nil && c.sess.established && !c.sess.ended
}

// connect runs the full connect sequence. Must hold connectMu. When
// initial is true a failure closes the REST session; during reconnect
// the REST session stays open so REST callers are unaffected.
func (c *Client) connect(ctx context.Context, initial bool) (err error) {
	c.setState(StateConnecting)
	c.rest.open()

	defer func() {
		if err == nil {
			return
		}
		c.setState(StateDisconnected)
		if initial {
			c.queue.stop()
		}
		if initial || IsAuthError(err) {
			c.rest.close()
		}
	}()

	start := time.Now()
	if _, err := c.rest.call(ctx, http.MethodGet, "/api/", nil, 0); err != nil {
		return fmt.Errorf("probe REST API: %w", err)
	}
	latency := time.Since(start)

	s, err := dialSession(ctx, &c.opts, c.logger, func() { c.setState(StateAuthPending) })
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		s.close()
		return &ConnectionError{Op: "connect", Err: errShutdown}
	}
	c.sess = s
	c.lastLatency = latency
	c.mu.Unlock()

	c.queue.start(c.deliver)
	go c.readLoop(s)

	if err := c.resubscribe(ctx, s); err != nil {
		c.abortSession(s)
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	c.mu.Lock()
	if s.ended || c.sess != s {
		c.mu.Unlock()
		c.abortSession(s)
		return &ConnectionError{Op: "connect", Err: ErrConnectionClosed}
	}
	s.established = true
	c.connectedAt = time.Now()
	c.lastErr = nil
	if !initial {
		// This reconnect episode is over; a later loss starts a new one.
		c.watcher = nil
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.backoff.Reset()
	s.logger.Info("connected to hub",
		"url", c.opts.URL,
		"hub_version", s.hubVersion,
		"subscriptions", len(c.subs.types()),
		"latency", latency.Round(time.Millisecond),
	)

	if c.opts.WebSocketTimeout > 0 {
		go c.heartbeat(s, c.opts.WebSocketTimeout)
	}
	return nil
}

// abortSession tears down a session that never became established.
func (c *Client) abortSession(s *session) {
	s.close()
	<-s.done
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
}

// resubscribe makes sure every event type with a registered handler is
// subscribed on s.
func (c *Client) resubscribe(ctx context.Context, s *session) error {
	for _, eventType := range c.subs.types() {
		if err := c.ensureHubSubscription(ctx, s, eventType); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect stops the read loop, closes the socket, rejects every
// pending command, closes the REST session, and suppresses automatic
// reconnection. It is idempotent. Registered handlers are kept and are
// resubscribed by the next Connect.
//
// Disconnect must not be called from an event handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shutdown = true
	w := c.watcher
	c.watcher = nil
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if s != nil {
		s.close()
		<-s.done
	}

	// Wait out a connect sequence that may be mid-flight.
	c.connectMu.Lock()
	c.setState(StateDisconnected)
	c.connectMu.Unlock()

	c.queue.stop()
	c.cache.invalidate()
	c.rest.close()

	if s != nil {
		s.logger.Info("disconnected from hub")
	}
}

// sessionEnded runs when the read loop for s exits. An unexpected loss
// of an established session starts a reconnect episode.
func (c *Client) sessionEnded(s *session, readErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.ended = true
	if c.sess != s {
		return
	}
	if !s.established {
		// The connect sequence that created s handles the failure.
		return
	}

	c.sess = nil
	c.cache.invalidate()
	c.setStateLocked(StateDisconnected)

	if c.shutdown || s.closing.Load() {
		return
	}

	s.logger.Warn("connection to hub lost", "error", readErr)
	c.startReconnectLocked()
}

// startReconnectLocked launches a reconnect episode. Must hold c.mu.
func (c *Client) startReconnectLocked() {
	if c.watcher != nil {
		return
	}
	c.episode++
	episode := c.episode
	c.watcher = connwatch.Start(context.Background(), connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   c.reconnect,
		Backoff: c.backoff,
		Permanent: func(err error) bool {
			return IsAuthError(err) || errors.Is(err, errShutdown)
		},
		OnScheduled: func(attempt int, delay time.Duration) {
			c.bus.Emit(events.SourceHub, events.KindReconnectScheduled, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
		},
		OnReady: func() {
			c.mu.Lock()
			session := ""
			if c.sess != nil {
				session = c.sess.id
			}
			c.mu.Unlock()
			c.bus.Emit(events.SourceHub, events.KindReconnected, map[string]any{"session": session})
		},
		OnGiveUp: func(err error) {
			c.mu.Lock()
			if c.episode == episode {
				c.watcher = nil
			}
			c.mu.Unlock()
			c.bus.Emit(events.SourceHub, events.KindReconnectAbandoned, map[string]any{"error": err.Error()})
		},
		Logger: c.logger,
	})
}

// reconnect is the probe for a reconnect episode.
func (c *Client) reconnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown {
		return errShutdown
	}

	err := c.connect(ctx, false)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// heartbeat pings the hub every interval. A failed ping closes the
// socket, which ends the read loop and starts a reconnect.
func (c *Client) heartbeat(s *session, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
		start := time.Now()
		_, err := s.command(ctx, "ping", nil, c.opts.CommandTimeout)
		cancel()

		if s.isDone() || s.closing.Load() {
			return
		}
		if err != nil {
			s.logger.Warn("heartbeat failed, dropping connection", "error", err)
			s.conn.Close()
			return
		}
		c.mu.Lock()
		c.lastLatency = time.Since(start)
		c.mu.Unlock()
	}
}

// connectedSession returns the established session, or a
// ConnectionError wrapping ErrNotConnected.
func (c *Client) connectedSession(op string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.established {
		return nil, &ConnectionError{Op: op, Err: ErrNotConnected}
	}
	return c.sess, nil
}

// SendCommand sends a WebSocket command and waits for its result. A
// timeout of zero uses the configured command timeout. Exactly one
// outcome is returned: the result, a *WebSocketError from the hub, a
// *ConnectionError (timeout, not connected, or connection lost), or
// ctx.Err() on cancellation. Retrying is up to the caller.
func (c *Client) SendCommand(ctx context.Context, cmdType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	s, err := c.connectedSession("send " + cmdType)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}
	return s.command(ctx, cmdType, payload, timeout)
}

// sendInto sends a command and decodes its result into out.
func (c *Client) sendInto(ctx context.Context, cmdType string, payload map[string]any, out any) error {
	raw, err := c.SendCommand(ctx, cmdType, payload, 0)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", cmdType, err)
	}
	return nil
}

// Call performs a REST call and returns the JSON response, or nil for
// an empty response. A timeout of zero uses the configured request
// timeout. 401 yields *AuthenticationError, other statuses ≥400 yield
// *RequestError, and transport failures yield *ConnectionError. There
// are no retries.
func (c *Client) Call(ctx context.Context, method, path string, body any, timeout time.Duration) (json.RawMessage, error) {
	return c.rest.call(ctx, method, path, body, timeout)
}

// Status summarizes the client's connection for diagnostics.
type Status struct {
	State           ConnState                `json:"state"`
	URL             string                   `json:"url"`
	RESTOpen        bool                     `json:"rest_open"`
	WebSocketOpen   bool                     `json:"websocket_open"`
	Session         string                   `json:"session,omitempty"`
	HubVersion      string                   `json:"hub_version,omitempty"`
	ConnectedSince  time.Time                `json:"connected_since,omitzero"`
	PendingRequests int                      `json:"pending_requests"`
	LastRequestID   int64                    `json:"last_request_id"`
	Subscriptions   []string                 `json:"subscriptions"`
	LastLatency     time.Duration            `json:"last_latency_ns"`
	LastError       string                   `json:"last_error,omitempty"`
	NextBackoff     time.Duration            `json:"next_backoff_ns"`
	Reconnect       *connwatch.ServiceStatus `json:"reconnect,omitempty"`
	Cache           CacheSizes               `json:"cache"`
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		State:       c.state,
		URL:         c.opts.URL,
		RESTOpen:    c.rest.isOpen(),
		LastLatency: c.lastLatency,
		NextBackoff: c.backoff.Peek(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if s := c.sess; s != nil && s.established {
		st.WebSocketOpen = true
		st.Session = s.id
		st.HubVersion = s.hubVersion
		st.ConnectedSince = c.connectedAt
		st.PendingRequests = s.corr.len()
		st.LastRequestID = s.corr.lastID()
	}
	if c.watcher != nil {
		ws := c.watcher.Status()
		st.Reconnect = &ws
	}
	c.mu.Unlock()

	st.Subscriptions = c.subs.types()
	st.Cache = c.cache.sizes()
	return st
}
