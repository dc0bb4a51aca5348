package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/nugget/halink/internal/events"
)

// readLoop is the only reader of s.conn. It runs for the lifetime of
// the session, then rejects whatever is still pending and hands off to
// sessionEnded. s.done is closed last.
func (c *Client) readLoop(s *session) {
	defer close(s.done)

	err := c.readFrames(s)
	if n := s.corr.failAll(&ConnectionError{Op: "websocket", Err: ErrConnectionClosed}); n > 0 {
		s.logger.Debug("rejected pending commands", "count", n)
	}
	c.sessionEnded(s, err)
}

// readFrames reads until the socket fails or is closed. It returns nil
// for a normal close.
func (c *Client) readFrames(s *session) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.logger.Log(context.Background(), levelTrace, "frame received", "bytes", len(data))

		data = bytes.TrimSpace(data)
		if len(data) > 0 && data[0] == '[' {
			// Coalesced frame: several messages in one JSON array.
			var batch []json.RawMessage
			if err := json.Unmarshal(data, &batch); err != nil {
				s.logger.Warn("malformed frame", "error", err)
				continue
			}
			for _, m := range batch {
				c.handleFrame(s, m)
			}
			continue
		}
		c.handleFrame(s, data)
	}
}

// handleFrame classifies one message. Events update the cache and are
// queued for handlers; anything carrying a request id goes to the
// correlator; heartbeats without an id are dropped.
func (c *Client) handleFrame(s *session, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed frame", "error", err)
		return
	}

	switch {
	case msg.Type == msgEvent:
		c.handleEvent(s, &msg)
	case msg.ID != 0:
		s.deliver(&msg)
	case msg.Type == msgPong:
	default:
		s.logger.Debug("unhandled frame", "type", msg.Type)
	}
}

func (c *Client) handleEvent(s *session, msg *wsMessage) {
	var ev Event
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		s.logger.Warn("malformed event", "error", err)
		return
	}

	if ev.Type == EventStateChanged {
		sc, err := parseStateChanged(&ev)
		if err != nil {
			s.logger.Warn("malformed state_changed event", "error", err)
		} else {
			c.cache.applyStateChange(sc)
			ev.StateChange = sc
		}
	}

	c.queue.push(ev)
}

// deliver fans ev out to its handlers in registration order. A failing
// or panicking handler is logged and skipped.
func (c *Client) deliver(ev Event) {
	for _, sub := range c.subs.snapshot(ev.Type) {
		if err := invokeHandler(sub.handler, ev); err != nil {
			c.logger.Error("event handler failed",
				"event_type", ev.Type,
				"subscription", sub.id,
				"error", err,
			)
			c.bus.Emit(events.SourceHub, events.KindCallbackError, map[string]any{
				"event_type": ev.Type,
				"error":      err.Error(),
			})
		}
	}
}

func invokeHandler(h EventHandler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// SubscribeEvents registers h for eventType. If connected, the hub
// subscription is made before returning (once per event type per
// connection); otherwise it is made by the next successful connect.
// Every registered type is resubscribed after a reconnect.
func (c *Client) SubscribeEvents(ctx context.Context, eventType string, h EventHandler) (*Subscription, error) {
	if eventType == "" {
		return nil, errors.New("subscribe: event type is required")
	}
	if h == nil {
		return nil, errors.New("subscribe: handler is required")
	}

	sub, _ := c.subs.add(eventType, h)

	s, err := c.connectedSession("subscribe " + eventType)
	if err != nil {
		return sub, nil
	}
	if err := c.ensureHubSubscription(ctx, s, eventType); err != nil {
		c.subs.remove(sub)
		return nil, err
	}
	return sub, nil
}

// OnStateChanged registers a typed handler for state changes. The
// state_changed subscription is always active, so no command is sent.
func (c *Client) OnStateChanged(h StateChangeHandler) *Subscription {
	sub, _ := c.subs.add(EventStateChanged, func(ev Event) error {
		if ev.StateChange == nil {
			return nil
		}
		return h(*ev.StateChange)
	})
	return sub
}

// Unsubscribe removes sub. When it was the last handler for its event
// type (other than state_changed), the hub subscription is cancelled
// too. Removing an unknown subscription is a no-op.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	remaining, ok := c.subs.remove(sub)
	if !ok || remaining > 0 || sub.eventType == EventStateChanged {
		return nil
	}

	s, err := c.connectedSession("unsubscribe " + sub.eventType)
	if err != nil {
		return nil
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	hubID, ok := s.hubSubs[sub.eventType]
	if !ok || c.subs.count(sub.eventType) > 0 {
		return nil
	}
	if _, err := s.command(ctx, "unsubscribe_events", map[string]any{"subscription": hubID}, c.opts.CommandTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.eventType, err)
	}
	delete(s.hubSubs, sub.eventType)
	s.logger.Info("unsubscribed from events", "event_type", sub.eventType)
	return nil
}

// ensureHubSubscription subscribes s to eventType unless it already is.
func (c *Client) ensureHubSubscription(ctx context.Context, s *session, eventType string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if _, ok := s.hubSubs[eventType]; ok {
		return nil
	}

	// The hub identifies the subscription by the id of the command
	// that created it.
	subID, _, err := s.send(ctx, "subscribe_events", map[string]any{"event_type": eventType}, c.opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	s.hubSubs[eventType] = subID
	s.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}
