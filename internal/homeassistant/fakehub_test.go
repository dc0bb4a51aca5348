package homeassistant

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/halink/internal/connwatch"
)

const testToken = "test-token"

// hubCommand is one command frame received by the fake hub.
type hubCommand struct {
	Conn    int
	ID      int64
	Type    string
	Payload map[string]any
}

// hubConn is one accepted WebSocket on the fake hub.
type hubConn struct {
	n    int
	ws   *websocket.Conn
	mu   sync.Mutex
	subs map[string]int64
}

func (c *hubConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *hubConn) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *hubConn) reply(id int64, result any) error {
	return c.send(map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

// responder answers one command. It may reply, reply later, or never.
type responder func(c *hubConn, cmd hubCommand)

// fakeHub serves the REST API and WebSocket endpoint of a hub.
type fakeHub struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	token        string
	wsToken      string
	states       []map[string]any
	rest         map[string]http.HandlerFunc
	restHits     map[string]int
	responders   map[string]responder
	conns        []*hubConn
	commands     []hubCommand
	failUpgrades int
	upgrades     int
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:          t,
		token:      testToken,
		rest:       make(map[string]http.HandlerFunc),
		restHits:   make(map[string]int),
		responders: make(map[string]responder),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serveHTTP))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) setStates(states ...map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = states
}

func (h *fakeHub) handleREST(path string, fn http.HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rest[path] = fn
}

func (h *fakeHub) respond(cmdType string, r responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responders[cmdType] = r
}

func (h *fakeHub) hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restHits[path]
}

func (h *fakeHub) upgradeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upgrades
}

// received returns the commands of the given type, in arrival order.
// An empty type returns all commands.
func (h *fakeHub) received(cmdType string) []hubCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hubCommand
	for _, c := range h.commands {
		if cmdType == "" || c.Type == cmdType {
			out = append(out, c)
		}
	}
	return out
}

func (h *fakeHub) current() *hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

// dropConnection closes the current socket without a close frame.
func (h *fakeHub) dropConnection() {
	if c := h.current(); c != nil {
		c.ws.Close()
	}
}

// pushEvent sends an event on the current connection.
func (h *fakeHub) pushEvent(eventType string, data any) {
	h.t.Helper()
	c := h.current()
	if c == nil {
		h.t.Fatal("pushEvent: no connection")
	}
	if err := c.send(eventFrame(c, eventType, data)); err != nil {
		h.t.Fatalf("pushEvent: %v", err)
	}
}

func eventFrame(c *hubConn, eventType string, data any) map[string]any {
	c.mu.Lock()
	subID := c.subs[eventType]
	c.mu.Unlock()
	return map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": eventType,
			"data":       data,
			"origin":     "LOCAL",
			"time_fired": "2026-01-02T03:04:05.000000+00:00",
			"context":    map[string]any{"id": "ctx-" + eventType},
		},
	}
}

func (h *fakeHub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/websocket" {
		h.serveWebSocket(w, r)
		return
	}

	h.mu.Lock()
	h.restHits[r.URL.Path]++
	token := h.token
	custom := h.rest[r.URL.Path]
	states := h.states
	h.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if custom != nil {
		custom(w, r)
		return
	}

	switch {
	case r.URL.Path == "/api/":
		writeJSON(w, map[string]string{"message": "API running."})
	case r.URL.Path == "/api/states":
		writeJSON(w, states)
	case strings.HasPrefix(r.URL.Path, "/api/states/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/states/")
		for _, s := range states {
			if s["entity_id"] == id {
				writeJSON(w, s)
				return
			}
		}
		http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (h *fakeHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.failUpgrades > 0 {
		h.failUpgrades--
		h.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	h.upgrades++
	n := h.upgrades
	token := h.token
	if h.wsToken != "" {
		token = h.wsToken
	}
	h.mu.Unlock()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubConn{n: n, ws: ws, subs: make(map[string]int64)}
	defer ws.Close()

	if err := c.send(map[string]string{"type": "auth_required", "ha_version": "2026.1.0"}); err != nil {
		return
	}
	var auth map[string]any
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != token {
		_ = c.send(map[string]string{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	if err := c.send(map[string]string{"type": "auth_ok", "ha_version": "2026.1.0"}); err != nil {
		return
	}

	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()

	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		id, _ := msg["id"].(float64)
		cmd := hubCommand{Conn: n, ID: int64(id), Type: msg["type"].(string), Payload: msg}

		h.mu.Lock()
		h.commands = append(h.commands, cmd)
		r := h.responders[cmd.Type]
		h.mu.Unlock()

		if r != nil {
			r(c, cmd)
			continue
		}
		switch cmd.Type {
		case "ping":
			_ = c.send(map[string]any{"id": cmd.ID, "type": "pong"})
		case "subscribe_events":
			et, _ := msg["event_type"].(string)
			c.mu.Lock()
			c.subs[et] = cmd.ID
			c.mu.Unlock()
			_ = c.reply(cmd.ID, nil)
		default:
			_ = c.reply(cmd.ID, nil)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client for h with short timeouts and no
// heartbeat. The client is disconnected at cleanup.
func newTestClient(t *testing.T, h *fakeHub, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:              h.srv.URL,
		Token:            testToken,
		WebSocketTimeout: -1,
		RequestTimeout:   2 * time.Second,
		CommandTimeout:   2 * time.Second,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     80 * time.Millisecond,
			ProbeTimeout: 2 * time.Second,
		},
		Logger: testLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := NewClient(opts)
	t.Cleanup(c.Disconnect)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lightState(id, state string) map[string]any {
	return map[string]any{
		"entity_id":    id,
		"state":        state,
		"attributes":   map[string]any{"friendly_name": "Kitchen", "brightness": 200},
		"last_changed": "2026-01-02T03:04:05.000000+00:00",
		"last_updated": "2026-01-02T03:04:05.000000+00:00",
		"context":      map[string]any{"id": "ctx-1"},
	}
}
