package homeassistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventStateChanged is the hub event type carrying entity state changes.
const EventStateChanged = "state_changed"

// ParseEntityID splits an entity id into its domain and object id. The
// id must contain a '.' with non-empty text on both sides of the first
// one.
func ParseEntityID(entityID string) (domain, objectID string, err error) {
	domain, objectID, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" || objectID == "" {
		return "", "", fmt.Errorf("invalid entity id %q: want domain.object_id", entityID)
	}
	return domain, objectID, nil
}

// Context identifies the origin of a state change or event.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// EntityState is the state of one entity as reported by the hub.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       StateValue     `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Validate checks the entity id invariant.
func (s *EntityState) Validate() error {
	_, _, err := ParseEntityID(s.EntityID)
	return err
}

// Domain returns the domain part of the entity id.
func (s *EntityState) Domain() string {
	d, _, _ := strings.Cut(s.EntityID, ".")
	return d
}

// ObjectID returns the part of the entity id after the domain.
func (s *EntityState) ObjectID() string {
	_, o, _ := strings.Cut(s.EntityID, ".")
	return o
}

// FriendlyName returns the friendly_name attribute, falling back to the
// entity id.
func (s *EntityState) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	return s.EntityID
}

// Clone returns a deep copy of s. Nested attribute maps and slices are
// copied so the result shares no mutable memory with s.
func (s *EntityState) Clone() *EntityState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Attributes != nil {
		c.Attributes = deepCopyMap(s.Attributes)
	}
	return &c
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// EntityRegistryEntry is one entity from the entity registry.
type EntityRegistryEntry struct {
	EntityID       string   `json:"entity_id"`
	UniqueID       string   `json:"unique_id,omitempty"`
	Platform       string   `json:"platform"`
	Name           string   `json:"name,omitempty"`
	OriginalName   string   `json:"original_name,omitempty"`
	Icon           string   `json:"icon,omitempty"`
	DeviceID       string   `json:"device_id,omitempty"`
	AreaID         string   `json:"area_id,omitempty"`
	DisabledBy     string   `json:"disabled_by,omitempty"`
	HiddenBy       string   `json:"hidden_by,omitempty"`
	EntityCategory string   `json:"entity_category,omitempty"`
	Labels         []string `json:"labels,omitempty"`
}

// IsDisabled reports whether the entity is disabled on the hub.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// DisplayName returns the user-assigned name, then the integration's
// name, then the entity id.
func (e EntityRegistryEntry) DisplayName() string {
	switch {
	case e.Name != "":
		return e.Name
	case e.OriginalName != "":
		return e.OriginalName
	default:
		return e.EntityID
	}
}

func (e EntityRegistryEntry) clone() EntityRegistryEntry {
	e.Labels = cloneStrings(e.Labels)
	return e
}

// DeviceRegistryEntry is one device from the device registry.
type DeviceRegistryEntry struct {
	ID               string     `json:"id"`
	Name             string     `json:"name,omitempty"`
	NameByUser       string     `json:"name_by_user,omitempty"`
	Manufacturer     string     `json:"manufacturer,omitempty"`
	Model            string     `json:"model,omitempty"`
	SWVersion        string     `json:"sw_version,omitempty"`
	HWVersion        string     `json:"hw_version,omitempty"`
	ViaDeviceID      string     `json:"via_device_id,omitempty"`
	AreaID           string     `json:"area_id,omitempty"`
	DisabledBy       string     `json:"disabled_by,omitempty"`
	EntryType        string     `json:"entry_type,omitempty"`
	ConfigurationURL string     `json:"configuration_url,omitempty"`
	Identifiers      [][]string `json:"identifiers,omitempty"`
	Connections      [][]string `json:"connections,omitempty"`
}

// DisplayName returns the user-assigned name, falling back to the
// integration's name and then the id.
func (d DeviceRegistryEntry) DisplayName() string {
	switch {
	case d.NameByUser != "":
		return d.NameByUser
	case d.Name != "":
		return d.Name
	default:
		return d.ID
	}
}

func (d DeviceRegistryEntry) clone() DeviceRegistryEntry {
	d.Identifiers = clonePairs(d.Identifiers)
	d.Connections = clonePairs(d.Connections)
	return d
}

// AreaRegistryEntry is one area from the area registry.
type AreaRegistryEntry struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Picture string   `json:"picture,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	FloorID string   `json:"floor_id,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

func (a AreaRegistryEntry) clone() AreaRegistryEntry {
	a.Aliases = cloneStrings(a.Aliases)
	return a
}

// ServiceField describes one parameter accepted by a service.
type ServiceField struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Advanced    bool           `json:"advanced,omitempty"`
	Example     any            `json:"example,omitempty"`
	Selector    map[string]any `json:"selector,omitempty"`
}

// ServiceDescriptor describes one callable service, keyed by
// "domain.service".
type ServiceDescriptor struct {
	Domain      string                  `json:"domain"`
	Service     string                  `json:"service"`
	Name        string                  `json:"name,omitempty"`
	Description string                  `json:"description,omitempty"`
	Fields      map[string]ServiceField `json:"fields,omitempty"`
	Target      json.RawMessage         `json:"target,omitempty"`
}

// ServiceID returns "domain.service".
func (s ServiceDescriptor) ServiceID() string {
	return s.Domain + "." + s.Service
}

func (s ServiceDescriptor) clone() ServiceDescriptor {
	if s.Fields != nil {
		fields := make(map[string]ServiceField, len(s.Fields))
		for k, f := range s.Fields {
			if f.Selector != nil {
				f.Selector = deepCopyMap(f.Selector)
			}
			f.Example = deepCopyValue(f.Example)
			fields[k] = f
		}
		s.Fields = fields
	}
	if s.Target != nil {
		s.Target = append(json.RawMessage(nil), s.Target...)
	}
	return s
}

// serviceDomain is the wire shape of one element of GET /api/services.
type serviceDomain struct {
	Domain   string `json:"domain"`
	Services map[string]struct {
		Name        string                  `json:"name"`
		Description string                  `json:"description"`
		Fields      map[string]ServiceField `json:"fields"`
		Target      json.RawMessage         `json:"target"`
	} `json:"services"`
}

func flattenServices(domains []serviceDomain) []ServiceDescriptor {
	var out []ServiceDescriptor
	for _, d := range domains {
		for name, svc := range d.Services {
			out = append(out, ServiceDescriptor{
				Domain:      d.Domain,
				Service:     name,
				Name:        svc.Name,
				Description: svc.Description,
				Fields:      svc.Fields,
				Target:      svc.Target,
			})
		}
	}
	return out
}

// Event is a push event received from the hub.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
	ID        string          `json:"id,omitempty"`
	Context   Context         `json:"context"`

	// StateChange is the parsed payload of a state_changed event.
	StateChange *StateChangedEvent `json:"-"`
}

// UnmarshalJSON accepts the event id as either a string or a number.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		ID flexibleID `json:"id"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.ID = string(aux.ID)
	return nil
}

// StateChangedEvent is the typed payload of a state_changed event.
// OldState is nil for newly added entities; NewState is nil for
// removed ones.
type StateChangedEvent struct {
	EntityID  string
	OldState  *EntityState
	NewState  *EntityState
	EventID   string
	TimeFired time.Time
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

// parseStateChanged decodes the state_changed payload of ev.
func parseStateChanged(ev *Event) (*StateChangedEvent, error) {
	var data stateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, fmt.Errorf("decode state_changed: %w", err)
	}
	if _, _, err := ParseEntityID(data.EntityID); err != nil {
		return nil, err
	}
	for _, s := range []*EntityState{data.OldState, data.NewState} {
		if s != nil && s.EntityID == "" {
			s.EntityID = data.EntityID
		}
	}
	eventID := ev.ID
	if eventID == "" {
		eventID = ev.Context.ID
	}
	return &StateChangedEvent{
		EntityID:  data.EntityID,
		OldState:  data.OldState,
		NewState:  data.NewState,
		EventID:   eventID,
		TimeFired: ev.TimeFired,
	}, nil
}

// flexibleID accepts a JSON string or number and keeps its text.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		*f = flexibleID(n.String())
	}
	return nil
}

// HubConfig is the subset of GET /api/config callers rely on.
type HubConfig struct {
	LocationName string            `json:"location_name"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Elevation    float64           `json:"elevation"`
	UnitSystem   map[string]string `json:"unit_system"`
	TimeZone     string            `json:"time_zone"`
	Version      string            `json:"version"`
	Country      string            `json:"country,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Language     string            `json:"language,omitempty"`
	State        string            `json:"state,omitempty"`
	Components   []string          `json:"components,omitempty"`
}

// Location is the hub's configured home location.
type Location struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
	TimeZone  string  `json:"time_zone"`
}

// LogbookEntry is one row from the logbook API.
type LogbookEntry struct {
	When          time.Time `json:"when"`
	Name          string    `json:"name"`
	Message       string    `json:"message,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	State         string    `json:"state,omitempty"`
	Domain        string    `json:"domain,omitempty"`
	ContextUserID string    `json:"context_user_id,omitempty"`
}

// EntityDetails joins an entity's state with its registry metadata.
// Any part the hub does not know about is nil.
type EntityDetails struct {
	EntityID string               `json:"entity_id"`
	State    *EntityState         `json:"state,omitempty"`
	Entity   *EntityRegistryEntry `json:"entity,omitempty"`
	Device   *DeviceRegistryEntry `json:"device,omitempty"`
	Area     *AreaRegistryEntry   `json:"area,omitempty"`
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func clonePairs(p [][]string) [][]string {
	if p == nil {
		return nil
	}
	out := make([][]string, len(p))
	for i, pair := range p {
		out[i] = cloneStrings(pair)
	}
	return out
}
