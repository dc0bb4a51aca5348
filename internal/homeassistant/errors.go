package homeassistant

import (
	"errors"
	"fmt"
)

// Sentinel causes carried inside [ConnectionError].
var (
	// ErrNotConnected is returned when an operation needs a session that
	// has not been opened or has been closed by Disconnect.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed is the cause delivered to in-flight commands
	// when the WebSocket they were sent on goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout marks a REST call or command that exceeded its deadline.
	ErrTimeout = errors.New("timed out")
)

// AuthenticationError reports rejected credentials: HTTP 401 from the
// REST API or auth_invalid during the WebSocket handshake.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

// ConnectionError reports a transport failure: the hub could not be
// reached, the call timed out, or the client is not connected.
type ConnectionError struct {
	// Op names what was attempted (e.g. "GET /api/states", "send ping").
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Op == "" {
		return "connection error: " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError reports a REST response with status 400 or above.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// WebSocketError reports a command the hub answered with success=false.
type WebSocketError struct {
	Command string
	Code    string
	Message string
}

func (e *WebSocketError) Error() string {
	return fmt.Sprintf("%s failed: %s: %s", e.Command, e.Code, e.Message)
}

// IsAuthError reports whether err is or wraps an [*AuthenticationError].
func IsAuthError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsNotFound reports whether err is a REST 404.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Status == 404
}
