package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/halink/internal/homeassistant"
)

// Availability payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// message is one retained publish.
type message struct {
	topic   string
	payload []byte
}

// topics builds broker topic names under a fixed prefix.
type topics struct {
	prefix string
}

func newTopics(prefix string) topics {
	return topics{prefix: strings.TrimRight(prefix, "/")}
}

func (t topics) availability() string {
	return t.prefix + "/availability"
}

func (t topics) entityBase(entityID string) (string, error) {
	domain, object, err := homeassistant.ParseEntityID(entityID)
	if err != nil {
		return "", err
	}
	return t.prefix + "/" + domain + "/" + object, nil
}

func (t topics) state(entityID string) (string, error) {
	base, err := t.entityBase(entityID)
	if err != nil {
		return "", err
	}
	return base + "/state", nil
}

func (t topics) attributes(entityID string) (string, error) {
	base, err := t.entityBase(entityID)
	if err != nil {
		return "", err
	}
	return base + "/attributes", nil
}

// messagesFor converts a state change into its state and attributes
// publishes. A removed entity yields empty payloads, which clears the
// retained messages on the broker.
func (t topics) messagesFor(ev homeassistant.StateChangedEvent) ([]message, error) {
	stateTopic, err := t.state(ev.EntityID)
	if err != nil {
		return nil, err
	}
	attrTopic, _ := t.attributes(ev.EntityID)

	if ev.NewState == nil {
		return []message{
			{topic: stateTopic, payload: []byte{}},
			{topic: attrTopic, payload: []byte{}},
		}, nil
	}

	attrs := ev.NewState.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes for %s: %w", ev.EntityID, err)
	}
	return []message{
		{topic: stateTopic, payload: []byte(ev.NewState.State.String())},
		{topic: attrTopic, payload: payload},
	}, nil
}

// clientID returns the configured client id, or a generated
// "halink-<uuidv7>" when none is set.
func clientID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}
	return "halink-" + id.String(), nil
}
