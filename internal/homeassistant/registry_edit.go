package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// EntityRegistryUpdate holds the registry fields to change. Nil fields
// are left as they are; a pointer to "" clears the field on the hub.
type EntityRegistryUpdate struct {
	Name        *string
	Icon        *string
	AreaID      *string
	DisabledBy  *string
	NewEntityID *string
}

func (u EntityRegistryUpdate) payload(entityID string) map[string]any {
	p := map[string]any{"entity_id": entityID}
	set := func(key string, v *string) {
		switch {
		case v == nil:
		case *v == "":
			p[key] = nil
		default:
			p[key] = *v
		}
	}
	set("name", u.Name)
	set("icon", u.Icon)
	set("area_id", u.AreaID)
	set("disabled_by", u.DisabledBy)
	if u.NewEntityID != nil {
		p["new_entity_id"] = *u.NewEntityID
	}
	return p
}

// UpdateEntityRegistry edits one entity's registry entry and returns the
// entry as the hub stored it. A loaded registry cache is updated in
// place, including a rename.
func (c *Client) UpdateEntityRegistry(ctx context.Context, entityID string, u EntityRegistryUpdate) (*EntityRegistryEntry, error) {
	if _, _, err := ParseEntityID(entityID); err != nil {
		return nil, err
	}
	if u.NewEntityID != nil {
		if _, _, err := ParseEntityID(*u.NewEntityID); err != nil {
			return nil, fmt.Errorf("new entity id: %w", err)
		}
	}

	raw, err := c.SendCommand(ctx, "config/entity_registry/update", u.payload(entityID), 0)
	if err != nil {
		return nil, fmt.Errorf("update entity registry %s: %w", entityID, err)
	}
	entry, err := decodeEntityEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("update entity registry %s: %w", entityID, err)
	}
	c.cache.putEntity(entityID, entry)
	c.logger.Info("entity registry updated", "entity_id", entityID, "now", entry.EntityID)
	return &entry, nil
}

// decodeEntityEntry accepts both the wrapped ({"entity_entry": ...}) and
// the bare result shapes hubs have used.
func decodeEntityEntry(raw json.RawMessage) (EntityRegistryEntry, error) {
	var wrapped struct {
		EntityEntry *EntityRegistryEntry `json:"entity_entry"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.EntityEntry != nil {
		return *wrapped.EntityEntry, nil
	}
	var entry EntityRegistryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("decode result: %w", err)
	}
	if entry.EntityID == "" {
		return entry, errors.New("decode result: no entity in response")
	}
	return entry, nil
}

// CreateArea adds an area and returns it with its hub-assigned id.
func (c *Client) CreateArea(ctx context.Context, name string) (*AreaRegistryEntry, error) {
	if name == "" {
		return nil, errors.New("create area: name is required")
	}
	var area AreaRegistryEntry
	if err := c.sendInto(ctx, "config/area_registry/create", map[string]any{"name": name}, &area); err != nil {
		return nil, fmt.Errorf("create area %q: %w", name, err)
	}
	c.cache.putArea(area)
	c.logger.Info("area created", "area_id", area.AreaID, "name", area.Name)
	return &area, nil
}

// AreaUpdate holds the area fields to change. Nil fields are left as
// they are.
type AreaUpdate struct {
	Name    *string
	Picture *string
	Icon    *string
}

// UpdateArea edits an area and returns it as the hub stored it.
func (c *Client) UpdateArea(ctx context.Context, areaID string, u AreaUpdate) (*AreaRegistryEntry, error) {
	if areaID == "" {
		return nil, errors.New("update area: area id is required")
	}
	payload := map[string]any{"area_id": areaID}
	if u.Name != nil {
		payload["name"] = *u.Name
	}
	if u.Picture != nil {
		payload["picture"] = *u.Picture
	}
	if u.Icon != nil {
		payload["icon"] = *u.Icon
	}

	var area AreaRegistryEntry
	if err := c.sendInto(ctx, "config/area_registry/update", payload, &area); err != nil {
		return nil, fmt.Errorf("update area %s: %w", areaID, err)
	}
	c.cache.putArea(area)
	return &area, nil
}

// DeleteArea removes an area. Entities and devices in it become
// unassigned on the hub.
func (c *Client) DeleteArea(ctx context.Context, areaID string) error {
	if areaID == "" {
		return errors.New("delete area: area id is required")
	}
	if _, err := c.SendCommand(ctx, "config/area_registry/delete", map[string]any{"area_id": areaID}, 0); err != nil {
		return fmt.Errorf("delete area %s: %w", areaID, err)
	}
	c.cache.removeArea(areaID)
	c.logger.Info("area deleted", "area_id", areaID)
	return nil
}

// EntitySource is the integration that provides an entity.
type EntitySource struct {
	Domain          string `json:"domain"`
	CustomComponent bool   `json:"custom_component,omitempty"`
	ConfigEntry     string `json:"config_entry,omitempty"`
}

// GetEntitySources returns the providing integration of every entity,
// keyed by entity id.
func (c *Client) GetEntitySources(ctx context.Context) (map[string]EntitySource, error) {
	var out map[string]EntitySource
	if err := c.sendInto(ctx, "entity/source", nil, &out); err != nil {
		return nil, fmt.Errorf("get entity sources: %w", err)
	}
	return out, nil
}

// ConfigCheck is the result of a hub configuration check.
type ConfigCheck struct {
	Result   string `json:"result"`
	Errors   string `json:"errors,omitempty"`
	Warnings string `json:"warnings,omitempty"`
}

// Valid reports whether the hub accepted its configuration.
func (c ConfigCheck) Valid() bool { return c.Result == "valid" }

// ValidateConfig asks the hub to check its configuration files. An
// invalid configuration is a result, not an error.
func (c *Client) ValidateConfig(ctx context.Context) (*ConfigCheck, error) {
	var check ConfigCheck
	if err := c.rest.callInto(ctx, http.MethodPost, "/api/config/core/check_config", nil, &check); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &check, nil
}

// GetDiscoveryInfo returns the hub's discovery document (name, URLs,
// version, uuid).
func (c *Client) GetDiscoveryInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/discovery_info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FrontendVersion returns the hub version reported by its config, or
// "unknown".
func (c *Client) FrontendVersion(ctx context.Context) (string, error) {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg.Version == "" {
		return "unknown", nil
	}
	return cfg.Version, nil
}

// EntityCategories groups registry entity ids by entity category.
// Entities without one are listed under "default". Ids are sorted.
func (c *Client) EntityCategories(ctx context.Context) (map[string][]string, error) {
	entities, err := c.entitySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for id, e := range entities {
		category := e.EntityCategory
		if category == "" {
			category = "default"
		}
		out[category] = append(out[category], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out, nil
}
