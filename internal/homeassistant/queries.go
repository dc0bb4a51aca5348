package homeassistant

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// entitySnapshot returns the cached entity registry, fetching it first
// if the cache has none.
func (c *Client) entitySnapshot(ctx context.Context) (map[string]EntityRegistryEntry, error) {
	if m := c.cache.cachedEntities(); len(m) > 0 {
		return m, nil
	}
	if _, err := c.GetEntityRegistry(ctx); err != nil {
		return nil, err
	}
	return c.cache.cachedEntities(), nil
}

func (c *Client) deviceSnapshot(ctx context.Context) (map[string]DeviceRegistryEntry, error) {
	if m := c.cache.cachedDevices(); len(m) > 0 {
		return m, nil
	}
	if _, err := c.GetDeviceRegistry(ctx); err != nil {
		return nil, err
	}
	return c.cache.cachedDevices(), nil
}

func (c *Client) areaSnapshot(ctx context.Context) (map[string]AreaRegistryEntry, error) {
	if m := c.cache.cachedAreas(); len(m) > 0 {
		return m, nil
	}
	if _, err := c.GetAreaRegistry(ctx); err != nil {
		return nil, err
	}
	return c.cache.cachedAreas(), nil
}

func (c *Client) serviceSnapshot(ctx context.Context) (map[string]ServiceDescriptor, error) {
	if m := c.cache.cachedServices(); len(m) > 0 {
		return m, nil
	}
	if _, err := c.GetServices(ctx); err != nil {
		return nil, err
	}
	return c.cache.cachedServices(), nil
}

// EntitiesByArea returns the entities assigned to areaID, directly or
// through their device, sorted by entity id. An entity's own area
// overrides its device's.
func (c *Client) EntitiesByArea(ctx context.Context, areaID string) ([]EntityRegistryEntry, error) {
	entities, err := c.entitySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := c.deviceSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []EntityRegistryEntry
	for _, e := range entities {
		area := e.AreaID
		if area == "" && e.DeviceID != "" {
			area = devices[e.DeviceID].AreaID
		}
		if area == areaID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// EntitiesByDevice returns the entities belonging to deviceID.
func (c *Client) EntitiesByDevice(ctx context.Context, deviceID string) ([]EntityRegistryEntry, error) {
	entities, err := c.entitySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []EntityRegistryEntry
	for _, e := range entities {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(e []EntityRegistryEntry) {
	sort.Slice(e, func(i, j int) bool { return e[i].EntityID < e[j].EntityID })
}

// EntityInfo joins an entity's state with its registry, device, and
// area records.
func (c *Client) EntityInfo(ctx context.Context, entityID string) (*EntityDetails, error) {
	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return nil, err
	}
	entities, err := c.entitySnapshot(ctx)
	if err != nil {
		return nil, err
	}

	info := &EntityDetails{EntityID: entityID, State: state}
	entry, ok := entities[entityID]
	if !ok {
		return info, nil
	}
	info.Entity = &entry

	areaID := entry.AreaID
	if entry.DeviceID != "" {
		devices, err := c.deviceSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		if d, ok := devices[entry.DeviceID]; ok {
			info.Device = &d
			if areaID == "" {
				areaID = d.AreaID
			}
		}
	}
	if areaID != "" {
		areas, err := c.areaSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		if a, ok := areas[areaID]; ok {
			info.Area = &a
		}
	}
	return info, nil
}

// StatesByDomain returns the states of every entity in domain.
func (c *Client) StatesByDomain(ctx context.Context, domain string) ([]*EntityState, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*EntityState
	for _, s := range states {
		if s.Domain() == domain {
			out = append(out, s)
		}
	}
	return out, nil
}

// EntityCountByDomain counts entities per domain.
func (c *Client) EntityCountByDomain(ctx context.Context) (map[string]int, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, s := range states {
		counts[s.Domain()]++
	}
	return counts, nil
}

// DomainsWithServices lists the domains that offer at least one service.
func (c *Client) DomainsWithServices(ctx context.Context) ([]string, error) {
	services, err := c.serviceSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range services {
		if !seen[s.Domain] {
			seen[s.Domain] = true
			out = append(out, s.Domain)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ServicesForDomain returns the services of one domain.
func (c *Client) ServicesForDomain(ctx context.Context, domain string) ([]ServiceDescriptor, error) {
	services, err := c.serviceSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []ServiceDescriptor
	for _, s := range services {
		if s.Domain == domain {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// ServiceByID looks up "domain.service", consulting the cache before
// fetching. An unknown service returns nil, nil.
func (c *Client) ServiceByID(ctx context.Context, serviceID string) (*ServiceDescriptor, error) {
	if d, s, ok := strings.Cut(serviceID, "."); !ok || d == "" || s == "" {
		return nil, fmt.Errorf("invalid service id %q: want domain.service", serviceID)
	}
	if s, ok := c.cache.service(serviceID); ok {
		return &s, nil
	}
	if _, err := c.GetServices(ctx); err != nil {
		return nil, err
	}
	if s, ok := c.cache.service(serviceID); ok {
		return &s, nil
	}
	return nil, nil
}
