package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContextProvider supplies the hub data a consumer needs to describe the
// home. [*Client] serves it live; [*FixtureProvider] serves static data.
type ContextProvider interface {
	GetStates(ctx context.Context) ([]*EntityState, error)
	GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error)
	GetAreaRegistry(ctx context.Context) ([]AreaRegistryEntry, error)
}

// ServiceCaller invokes hub services.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]*EntityState, error)
}

var (
	_ ContextProvider = (*Client)(nil)
	_ ContextProvider = (*FixtureProvider)(nil)
	_ ServiceCaller   = (*Client)(nil)
)

// Fixture is a static snapshot of hub data.
type Fixture struct {
	States         []*EntityState        `json:"states"`
	EntityRegistry []EntityRegistryEntry `json:"entity_registry"`
	AreaRegistry   []AreaRegistryEntry   `json:"area_registry"`
}

// FixtureProvider serves a [Fixture]. Every call returns fresh copies,
// so callers may modify results freely.
type FixtureProvider struct {
	fixture Fixture
}

// NewFixtureProvider copies f into a provider. States with malformed
// entity ids are rejected.
func NewFixtureProvider(f Fixture) (*FixtureProvider, error) {
	p := &FixtureProvider{}
	for i, s := range f.States {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("fixture state %d: %w", i, err)
		}
		p.fixture.States = append(p.fixture.States, s.Clone())
	}
	for _, e := range f.EntityRegistry {
		p.fixture.EntityRegistry = append(p.fixture.EntityRegistry, e.clone())
	}
	for _, a := range f.AreaRegistry {
		p.fixture.AreaRegistry = append(p.fixture.AreaRegistry, a.clone())
	}
	sort.Slice(p.fixture.States, func(i, j int) bool {
		return p.fixture.States[i].EntityID < p.fixture.States[j].EntityID
	})
	return p, nil
}

// LoadFixture reads a fixture from a .json, .yaml, or .yml file.
func LoadFixture(path string) (*FixtureProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	f, err := ParseFixture(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return NewFixtureProvider(*f)
}

// ParseFixture decodes fixture data. ext selects the format: ".json" is
// read as JSON, anything else as YAML.
func ParseFixture(data []byte, ext string) (*Fixture, error) {
	if !strings.EqualFold(ext, ".json") {
		// Route YAML through JSON so the model's JSON decoding (typed
		// state values, flexible timestamps) applies to both formats.
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// CaptureFixture snapshots p into a fixture.
func CaptureFixture(ctx context.Context, p ContextProvider) (*Fixture, error) {
	states, err := p.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := p.GetEntityRegistry(ctx)
	if err != nil {
		return nil, err
	}
	areas, err := p.GetAreaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &Fixture{States: states, EntityRegistry: entities, AreaRegistry: areas}, nil
}

// GetStates returns the fixture states sorted by entity id.
func (p *FixtureProvider) GetStates(context.Context) ([]*EntityState, error) {
	out := make([]*EntityState, len(p.fixture.States))
	for i, s := range p.fixture.States {
		out[i] = s.Clone()
	}
	return out, nil
}

// GetEntityRegistry returns the fixture entity registry.
func (p *FixtureProvider) GetEntityRegistry(context.Context) ([]EntityRegistryEntry, error) {
	out := make([]EntityRegistryEntry, len(p.fixture.EntityRegistry))
	for i, e := range p.fixture.EntityRegistry {
		out[i] = e.clone()
	}
	return out, nil
}

// GetAreaRegistry returns the fixture area registry.
func (p *FixtureProvider) GetAreaRegistry(context.Context) ([]AreaRegistryEntry, error) {
	out := make([]AreaRegistryEntry, len(p.fixture.AreaRegistry))
	for i, a := range p.fixture.AreaRegistry {
		out[i] = a.clone()
	}
	return out, nil
}
