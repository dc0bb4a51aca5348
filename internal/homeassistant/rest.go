package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/halink/internal/httpkit"
)

// maxResponseBody bounds REST response bodies. Large installations
// return tens of megabytes from /api/states.
const maxResponseBody = 128 << 20

// restGateway performs one-shot HTTP calls against the hub. It holds no
// per-call state; the only shared resource is the pooled *http.Client,
// which exists between open and close.
type restGateway struct {
	baseURL string
	token   string
	timeout time.Duration
	newHTTP func() *http.Client
	logger  *slog.Logger

	mu   sync.RWMutex
	http *http.Client
}

func newRESTGateway(baseURL, token string, timeout time.Duration, newHTTP func() *http.Client, logger *slog.Logger) *restGateway {
	return &restGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		newHTTP: newHTTP,
		logger:  logger,
	}
}

// open creates the pooled session if none exists.
func (g *restGateway) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.http == nil {
		g.http = g.newHTTP()
	}
}

// close releases the pooled session. Later calls fail with ErrNotConnected.
func (g *restGateway) close() {
	g.mu.Lock()
	c := g.http
	g.http = nil
	g.mu.Unlock()
	httpkit.CloseIdle(c)
}

func (g *restGateway) isOpen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.http != nil
}

func (g *restGateway) client() *http.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.http
}

// call performs a request whose response is JSON. A 204 or empty body
// yields a nil result and nil error.
func (g *restGateway) call(ctx context.Context, method, path string, body any, timeout time.Duration) (json.RawMessage, error) {
	data, _, err := g.do(ctx, method, path, body, timeout)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: response is not valid JSON", method, path)
	}
	return json.RawMessage(data), nil
}

// callInto performs a JSON call and decodes the result into out. An
// empty response leaves out untouched.
func (g *restGateway) callInto(ctx context.Context, method, path string, body, out any) error {
	raw, err := g.call(ctx, method, path, body, 0)
	if err != nil {
		return err
	}
	if raw == nil || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// do executes one request and returns the raw body and content type.
// Status mapping: 401 → *AuthenticationError, ≥400 → *RequestError,
// transport failure or deadline → *ConnectionError.
func (g *restGateway) do(ctx context.Context, method, path string, body any, timeout time.Duration) ([]byte, string, error) {
	op := method + " " + path

	hc := g.client()
	if hc == nil {
		return nil, "", &ConnectionError{Op: op, Err: ErrNotConnected}
	}

	if timeout <= 0 {
		timeout = g.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, "", fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", &ConnectionError{Op: op, Err: transportCause(ctx, err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	g.logger.Debug("hub request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		msg := strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 512))
		return nil, "", &AuthenticationError{Message: msg}
	case resp.StatusCode >= 400:
		return nil, "", &RequestError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 2048)),
		}
	case resp.StatusCode == http.StatusNoContent:
		return nil, resp.Header.Get("Content-Type"), nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, "", &ConnectionError{Op: op, Err: transportCause(ctx, err)}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// transportCause tags deadline failures with ErrTimeout while keeping
// the original error reachable through errors.Is.
func transportCause(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
