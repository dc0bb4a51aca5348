package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
)

// DefaultOutboxSize bounds state changes waiting for the broker.
const DefaultOutboxSize = 1024

// publisher is the subset of [autopaho.ConnectionManager] the mirror
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Mirror forwards hub state changes to an MQTT broker. HandleStateChange
// never blocks: changes are queued and published by [Mirror.Start].
// When the queue is full new changes are dropped and counted.
type Mirror struct {
	cfg      config.MQTTConfig
	clientID string
	topics   topics
	bus      *events.Bus
	logger   *slog.Logger

	outbox  chan message
	dropped atomic.Int64
	sent    atomic.Int64

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. bus may be nil.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := clientID(cfg.ClientID)
	if err != nil {
		return nil, err
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = config.DefaultTopicPrefix
	}
	return &Mirror{
		cfg:      cfg,
		clientID: id,
		topics:   newTopics(prefix),
		bus:      bus,
		logger:   logger.With("component", "mqtt_mirror"),
		outbox:   make(chan message, DefaultOutboxSize),
	}, nil
}

// ClientID returns the MQTT client identifier in use.
func (m *Mirror) ClientID() string { return m.clientID }

// HandleStateChange queues the publishes for one state change. It has
// the shape of a state watch handler.
func (m *Mirror) HandleStateChange(ev homeassistant.StateChangedEvent) {
	msgs, err := m.topics.messagesFor(ev)
	if err != nil {
		m.logger.Warn("mqtt mirror skipped state change",
			"entity_id", ev.EntityID, "error", err)
		return
	}
	for _, msg := range msgs {
		select {
		case m.outbox <- msg:
		default:
			if m.dropped.Add(1) == 1 {
				m.logger.Warn("mqtt mirror outbox full, dropping state changes",
					"entity_id", ev.EntityID)
			}
		}
	}
}

// Start connects to the broker and publishes queued state changes. It
// blocks until ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.topics.availability(),
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, StatusOnline)
			m.bus.Emit(events.SourceMirror, events.KindMirrorUp, map[string]any{
				"broker": m.cfg.Broker,
			})
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnClientError: func(err error) {
				m.logger.Warn("mqtt connection lost", "error", err)
				m.bus.Emit(events.SourceMirror, events.KindMirrorDown, map[string]any{
					"broker": m.cfg.Broker,
					"error":  err.Error(),
				})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				m.logger.Warn("mqtt broker disconnected", "reason_code", d.ReasonCode)
				m.bus.Emit(events.SourceMirror, events.KindMirrorDown, map[string]any{
					"broker": m.cfg.Broker,
					"error":  fmt.Sprintf("server disconnect, reason %d", d.ReasonCode),
				})
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.drain(ctx, cm)
	return nil
}

// drain publishes queued messages until ctx is cancelled.
func (m *Mirror) drain(ctx context.Context, pub publisher) {
	for {
		select {
		case <-ctx.Done():
			if n := m.dropped.Load(); n > 0 {
				m.logger.Info("mqtt mirror stopped", "published", m.sent.Load(), "dropped", n)
			}
			return
		case msg := <-m.outbox:
			if _, err := pub.Publish(ctx, &paho.Publish{
				Topic:   msg.topic,
				Payload: msg.payload,
				QoS:     1,
				Retain:  true,
			}); err != nil {
				m.logger.Debug("mqtt state publish failed",
					"topic", msg.topic, "error", err)
				continue
			}
			m.sent.Add(1)
		}
	}
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, StatusOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (m *Mirror) AwaitConnection(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt mirror not started")
	}
	return cm.AwaitConnection(ctx)
}

func (m *Mirror) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   m.topics.availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}
