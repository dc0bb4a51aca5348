package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/halink/internal/buildinfo"
	"github.com/nugget/halink/internal/httpkit"
)

// Wire frame types.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
	msgEvent        = "event"
	msgPong         = "pong"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// maxFrameSize bounds a single inbound frame. Registry listings on
	// large installations run to tens of megabytes.
	maxFrameSize = 100 << 20
)

// wsMessage is the envelope shared by every inbound frame.
type wsMessage struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Error     *wsError        `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// session is one connection generation: a socket, the correlator whose
// ids are scoped to it, and the hub-side subscriptions made on it. A
// session never outlives its socket; a reconnect builds a new one.
type session struct {
	id         string
	conn       *websocket.Conn
	hubVersion string
	corr       *correlator
	logger     *slog.Logger

	writeMu sync.Mutex

	// subMu serializes subscribe/unsubscribe commands and guards hubSubs,
	// which maps event type to the hub's subscription id.
	subMu   sync.Mutex
	hubSubs map[string]int64

	// closing is set before a deliberate close so the read loop exit is
	// not mistaken for a failure.
	closing atomic.Bool

	// established and ended are guarded by the owning Client's mu.
	established bool
	ended       bool

	done chan struct{}
}

// websocketURL derives the WebSocket endpoint from the REST base URL.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	u.RawQuery = ""
	return u.String(), nil
}

// dialSession opens the socket and completes the auth handshake.
// onAuthPending is called once auth_required has been received.
func dialSession(ctx context.Context, opts *Options, logger *slog.Logger, onAuthPending func()) (*session, error) {
	wsURL, err := websocketURL(opts.URL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.CommandTimeout,
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		TLSClientConfig:  httpkit.TLSConfig(opts.InsecureSkipVerify),
	}
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		httpkit.DrainAndClose(resp.Body, 4096)
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthenticationError{Message: "websocket upgrade rejected"}
		}
		return nil, &ConnectionError{Op: "dial websocket", Err: transportCause(ctx, err)}
	}
	conn.SetReadLimit(maxFrameSize)

	id := uuid.Must(uuid.NewV7()).String()
	s := &session{
		id:      id,
		conn:    conn,
		corr:    newCorrelator(),
		logger:  logger.With("session", id),
		hubSubs: make(map[string]int64),
		done:    make(chan struct{}),
	}

	if err := s.authenticate(ctx, opts.Token, opts.CommandTimeout, onAuthPending); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// authenticate runs the auth_required → auth → auth_ok exchange.
func (s *session) authenticate(ctx context.Context, token string, timeout time.Duration, onAuthPending func()) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	var req wsMessage
	if err := s.conn.ReadJSON(&req); err != nil {
		return &ConnectionError{Op: "read auth_required", Err: handshakeCause(ctx, err)}
	}
	if req.Type != msgAuthRequired {
		return &ConnectionError{Op: "handshake", Err: fmt.Errorf("expected %s, got %q", msgAuthRequired, req.Type)}
	}
	if onAuthPending != nil {
		onAuthPending()
	}

	if err := s.writeJSON(map[string]string{"type": msgAuth, "access_token": token}); err != nil {
		return &ConnectionError{Op: "send auth", Err: err}
	}

	var resp wsMessage
	if err := s.conn.ReadJSON(&resp); err != nil {
		return &ConnectionError{Op: "read auth response", Err: handshakeCause(ctx, err)}
	}
	switch resp.Type {
	case msgAuthOK:
		s.hubVersion = resp.HAVersion
		return nil
	case msgAuthInvalid:
		return &AuthenticationError{Message: resp.Message}
	default:
		return &ConnectionError{Op: "handshake", Err: fmt.Errorf("unexpected auth response %q", resp.Type)}
	}
}

func handshakeCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// writeJSON writes one frame. Frames from concurrent callers never
// interleave.
func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// command sends a framed command and waits for its single outcome:
// the hub's result, a timeout, cancellation of ctx, or loss of the
// connection.
func (s *session) command(ctx context.Context, cmdType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	_, result, err := s.send(ctx, cmdType, payload, timeout)
	return result, err
}

// send is command that also returns the id the command was sent with.
// The id is allocated and the frame written under the same lock, so ids
// reach the hub in increasing order.
func (s *session) send(ctx context.Context, cmdType string, payload map[string]any, timeout time.Duration) (int64, json.RawMessage, error) {
	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = cmdType

	s.writeMu.Lock()
	p, err := s.corr.register(cmdType)
	if err != nil {
		s.writeMu.Unlock()
		return 0, nil, err
	}
	msg["id"] = p.id
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.conn.WriteJSON(msg)
	s.writeMu.Unlock()

	if err != nil {
		if s.corr.abandon(p.id) {
			return p.id, nil, &ConnectionError{Op: "send " + cmdType, Err: err}
		}
		out := <-p.done
		return p.id, out.result, out.err
	}
	s.logger.Log(ctx, levelTrace, "command sent", "id", p.id, "type", cmdType)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return p.id, out.result, out.err
	case <-timer.C:
		if s.corr.abandon(p.id) {
			s.logger.Warn("command timed out", "id", p.id, "type", cmdType, "timeout", timeout)
			return p.id, nil, &ConnectionError{Op: cmdType, Err: ErrTimeout}
		}
	case <-ctx.Done():
		if s.corr.abandon(p.id) {
			return p.id, nil, ctx.Err()
		}
	}
	// Lost the race: the outcome was already claimed and is in flight.
	out := <-p.done
	return p.id, out.result, out.err
}

// deliver settles the command a response frame belongs to.
func (s *session) deliver(msg *wsMessage) {
	out := outcome{result: msg.Result}
	if msg.Type == msgResult && !msg.Success {
		werr := &WebSocketError{Code: "unknown_error", Message: "request failed"}
		if msg.Error != nil {
			werr.Code = msg.Error.Code
			werr.Message = msg.Error.Message
		}
		out = outcome{err: werr}
	}

	if !s.corr.settle(msg.ID, out) {
		s.logger.Debug("response for unknown or abandoned request", "id", msg.ID, "type", msg.Type)
	}
}

// close shuts the socket deliberately, sending a close frame first.
func (s *session) close() {
	s.closing.Store(true)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
}

// isDone reports whether the read loop for s has exited.
func (s *session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
