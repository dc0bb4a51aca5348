package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// GetStates returns every entity state. A fresh full snapshot in the
// cache is served directly; otherwise the snapshot is fetched over REST
// and replaces the cached one. Entries with malformed entity ids are
// dropped.
func (c *Client) GetStates(ctx context.Context) ([]*EntityState, error) {
	if states, ok := c.cache.allStates(); ok {
		return states, nil
	}

	raw, err := c.rest.call(ctx, http.MethodGet, "/api/states", nil, 0)
	if err != nil {
		return nil, err
	}
	var decoded []*EntityState
	if raw != nil {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode states: %w", err)
		}
	}

	states := make([]*EntityState, 0, len(decoded))
	for _, s := range decoded {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			c.logger.Warn("skipping state with invalid entity id", "error", err)
			continue
		}
		states = append(states, s)
	}
	c.cache.replaceStates(states)

	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	out := make([]*EntityState, len(states))
	for i, s := range states {
		out[i] = s.Clone()
	}
	return out, nil
}

// GetState returns one entity's state, from the cache when fresh and
// over REST otherwise. An entity the hub does not know returns nil, nil.
func (c *Client) GetState(ctx context.Context, entityID string) (*EntityState, error) {
	if _, _, err := ParseEntityID(entityID); err != nil {
		return nil, err
	}
	if s, ok := c.cache.state(entityID); ok {
		return s, nil
	}

	raw, err := c.rest.call(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, 0)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var s EntityState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", entityID, err)
	}
	if s.EntityID == "" {
		s.EntityID = entityID
	}
	c.cache.putState(&s)
	return s.Clone(), nil
}

// GetEntityRegistry fetches the entity registry over the WebSocket and
// replaces the cached copy.
func (c *Client) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.sendInto(ctx, "config/entity_registry/list", nil, &entries); err != nil {
		return nil, fmt.Errorf("get entity registry: %w", err)
	}
	c.cache.replaceEntities(entries)
	return entries, nil
}

// GetAreaRegistry fetches the area registry over the WebSocket and
// replaces the cached copy.
func (c *Client) GetAreaRegistry(ctx context.Context) ([]AreaRegistryEntry, error) {
	var entries []AreaRegistryEntry
	if err := c.sendInto(ctx, "config/area_registry/list", nil, &entries); err != nil {
		return nil, fmt.Errorf("get area registry: %w", err)
	}
	c.cache.replaceAreas(entries)
	return entries, nil
}

// GetDeviceRegistry fetches the device registry and replaces the cached
// copy. Hubs without the REST listing (404) are asked over the
// WebSocket instead.
func (c *Client) GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	var entries []DeviceRegistryEntry
	err := c.rest.callInto(ctx, http.MethodGet, "/api/config/device_registry/list", nil, &entries)
	if IsNotFound(err) {
		c.logger.Debug("device registry not available over REST, using websocket")
		entries = nil
		err = c.sendInto(ctx, "config/device_registry/list", nil, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("get device registry: %w", err)
	}
	c.cache.replaceDevices(entries)
	return entries, nil
}

// GetServices fetches every service descriptor and replaces the cached
// copy. The result is sorted by service id.
func (c *Client) GetServices(ctx context.Context) ([]ServiceDescriptor, error) {
	var domains []serviceDomain
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/services", nil, &domains); err != nil {
		return nil, fmt.Errorf("get services: %w", err)
	}
	services := flattenServices(domains)
	sort.Slice(services, func(i, j int) bool { return services[i].ServiceID() < services[j].ServiceID() })
	c.cache.replaceServices(services)
	return services, nil
}

// GetCachedStates returns the cached states keyed by entity id, without
// network access. The map and its values are copies.
func (c *Client) GetCachedStates() map[string]*EntityState {
	return c.cache.cachedStates()
}

// GetCachedEntityRegistry returns the cached entity registry keyed by
// entity id.
func (c *Client) GetCachedEntityRegistry() map[string]EntityRegistryEntry {
	return c.cache.cachedEntities()
}

// GetCachedDeviceRegistry returns the cached device registry keyed by
// device id.
func (c *Client) GetCachedDeviceRegistry() map[string]DeviceRegistryEntry {
	return c.cache.cachedDevices()
}

// GetCachedAreaRegistry returns the cached area registry keyed by area id.
func (c *Client) GetCachedAreaRegistry() map[string]AreaRegistryEntry {
	return c.cache.cachedAreas()
}

// GetCachedServices returns the cached services keyed by "domain.service".
func (c *Client) GetCachedServices() map[string]ServiceDescriptor {
	return c.cache.cachedServices()
}
