package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetStates_FetchesOnceThenServesCache(t *testing.T) {
	h := newFakeHub(t)
	h.setStates(map[string]any{"entity_id": "light.test", "state": "on"})
	c := connectedClient(t, h)
	ctx := context.Background()

	states, err := c.GetStates(ctx)
	if err != nil {
		t.Fatalf("GetStates() error: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("GetStates() returned %d states, want 1", len(states))
	}
	if states[0].EntityID != "light.test" || states[0].State.String() != "on" {
		t.Errorf("state = %s=%s, want light.test=on", states[0].EntityID, states[0].State)
	}
	if _, ok := c.GetCachedStates()["light.test"]; !ok {
		t.Error("GetCachedStates() missing light.test")
	}

	again, err := c.GetStates(ctx)
	if err != nil {
		t.Fatalf("second GetStates() error: %v", err)
	}
	if diff := cmp.Diff(states, again); diff != "" {
		t.Errorf("cached GetStates() differs (-first +second):\n%s", diff)
	}
	if n := h.hits("/api/states"); n != 1 {
		t.Errorf("/api/states fetched %d times, want 1", n)
	}
}

func TestGetStates_SkipsInvalidEntityIDs(t *testing.T) {
	h := newFakeHub(t)
	h.setStates(
		map[string]any{"entity_id": "sensor.ok", "state": 21.5},
		map[string]any{"entity_id": "nodot", "state": "x"},
	)
	c := connectedClient(t, h)

	states, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates() error: %v", err)
	}
	if len(states) != 1 || states[0].EntityID != "sensor.ok" {
		t.Fatalf("GetStates() = %v, want only sensor.ok", states)
	}
	if f, ok := states[0].State.Float(); !ok || f != 21.5 {
		t.Errorf("numeric state = %v, %v; want 21.5", f, ok)
	}
}

func TestGetStates_ReturnsCopies(t *testing.T) {
	h := newFakeHub(t)
	h.setStates(lightState("light.kitchen", "on"))
	c := connectedClient(t, h)
	ctx := context.Background()

	states, err := c.GetStates(ctx)
	if err != nil {
		t.Fatalf("GetStates() error: %v", err)
	}
	states[0].State = StringState("tampered")
	states[0].Attributes["friendly_name"] = "tampered"

	cached := c.GetCachedStates()["light.kitchen"]
	if cached.State.String() != "on" || cached.FriendlyName() != "Kitchen" {
		t.Errorf("caller mutation leaked into cache: %s %q", cached.State, cached.FriendlyName())
	}
	cached.Attributes["brightness"] = 0
	if again := c.GetCachedStates()["light.kitchen"]; again.Attributes["brightness"] != float64(200) {
		t.Errorf("GetCachedStates() mutation leaked: brightness = %v", again.Attributes["brightness"])
	}
}

func TestGetState(t *testing.T) {
	h := newFakeHub(t)
	h.setStates(lightState("light.kitchen", "on"))
	c := connectedClient(t, h)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		s, err := c.GetState(ctx, "light.kitchen")
		if err != nil {
			t.Fatalf("GetState() error: %v", err)
		}
		if s == nil || s.State.String() != "on" {
			t.Fatalf("GetState() = %v, want on", s)
		}
		if _, err := c.GetState(ctx, "light.kitchen"); err != nil {
			t.Fatal(err)
		}
		if n := h.hits("/api/states/light.kitchen"); n != 1 {
			t.Errorf("fetched %d times, want 1", n)
		}
	})

	t.Run("not found", func(t *testing.T) {
		s, err := c.GetState(ctx, "light.missing")
		if err != nil {
			t.Fatalf("GetState() error: %v", err)
		}
		if s != nil {
			t.Errorf("GetState() = %v, want nil", s)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		for _, id := range []string{"", "nodot", ".x", "x."} {
			if _, err := c.GetState(ctx, id); err == nil {
				t.Errorf("GetState(%q) accepted an invalid id", id)
			}
		}
	})
}

func TestGetEntityRegistry_ReplacesSnapshot(t *testing.T) {
	h := newFakeHub(t)
	var mu sync.Mutex
	listing := []map[string]any{
		{"entity_id": "light.kitchen", "platform": "hue", "area_id": "kitchen"},
		{"entity_id": "light.old", "platform": "hue"},
	}
	h.respond("config/entity_registry/list", func(hc *hubConn, cmd hubCommand) {
		mu.Lock()
		defer mu.Unlock()
		_ = hc.reply(cmd.ID, listing)
	})
	c := connectedClient(t, h)
	ctx := context.Background()

	if _, err := c.GetEntityRegistry(ctx); err != nil {
		t.Fatalf("GetEntityRegistry() error: %v", err)
	}
	mu.Lock()
	listing = listing[:1]
	mu.Unlock()
	entries, err := c.GetEntityRegistry(ctx)
	if err != nil {
		t.Fatalf("GetEntityRegistry() error: %v", err)
	}

	want := []EntityRegistryEntry{{EntityID: "light.kitchen", Platform: "hue", AreaID: "kitchen"}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	cached := c.GetCachedEntityRegistry()
	if _, ok := cached["light.old"]; ok {
		t.Error("removed entity survived a full replace")
	}
	if len(cached) != 1 {
		t.Errorf("cached %d entities, want 1", len(cached))
	}
}

func TestGetEntityRegistry_NotConnected(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h)

	if _, err := c.GetEntityRegistry(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want not connected", err)
	}
}

func TestGetAreaRegistry(t *testing.T) {
	h := newFakeHub(t)
	h.respond("config/area_registry/list", func(hc *hubConn, cmd hubCommand) {
		_ = hc.reply(cmd.ID, []map[string]any{
			{"area_id": "kitchen", "name": "Kitchen", "aliases": []string{"cookhouse"}},
		})
	})
	c := connectedClient(t, h)

	areas, err := c.GetAreaRegistry(context.Background())
	if err != nil {
		t.Fatalf("GetAreaRegistry() error: %v", err)
	}
	want := []AreaRegistryEntry{{AreaID: "kitchen", Name: "Kitchen", Aliases: []string{"cookhouse"}}}
	if diff := cmp.Diff(want, areas); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[0], c.GetCachedAreaRegistry()["kitchen"]); diff != "" {
		t.Errorf("cached area mismatch (-want +got):\n%s", diff)
	}
}

func TestGetDeviceRegistry_FallsBackToWebSocket(t *testing.T) {
	h := newFakeHub(t)
	h.respond("config/device_registry/list", func(hc *hubConn, cmd hubCommand) {
		_ = hc.reply(cmd.ID, []map[string]any{
			{"id": "dev1", "name": "Hue Bridge", "area_id": "hall"},
		})
	})
	c := connectedClient(t, h)

	devices, err := c.GetDeviceRegistry(context.Background())
	if err != nil {
		t.Fatalf("GetDeviceRegistry() error: %v", err)
	}
	if h.hits("/api/config/device_registry/list") != 1 {
		t.Error("REST listing not tried first")
	}
	if len(devices) != 1 || devices[0].DisplayName() != "Hue Bridge" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestGetDeviceRegistry_REST(t *testing.T) {
	h := newFakeHub(t)
	h.handleREST("/api/config/device_registry/list", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"id": "dev1", "name": "Bridge", "name_by_user": "Hall Bridge"}})
	})
	c := connectedClient(t, h)

	devices, err := c.GetDeviceRegistry(context.Background())
	if err != nil {
		t.Fatalf("GetDeviceRegistry() error: %v", err)
	}
	if len(devices) != 1 || devices[0].DisplayName() != "Hall Bridge" {
		t.Errorf("devices = %+v", devices)
	}
	if n := len(h.received("config/device_registry/list")); n != 0 {
		t.Errorf("websocket listing used %d times, want 0", n)
	}
}

func TestGetServices(t *testing.T) {
	h := newFakeHub(t)
	h.handleREST("/api/services", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"domain": "light", "services": map[string]any{
				"turn_on":  map[string]any{"name": "Turn on", "fields": map[string]any{"brightness": map[string]any{"required": false}}},
				"turn_off": map[string]any{"name": "Turn off"},
			}},
			{"domain": "notify", "services": map[string]any{"notify": map[string]any{"name": "Notify"}}},
		})
	})
	c := connectedClient(t, h)
	ctx := context.Background()

	services, err := c.GetServices(ctx)
	if err != nil {
		t.Fatalf("GetServices() error: %v", err)
	}
	var ids []string
	for _, s := range services {
		ids = append(ids, s.ServiceID())
	}
	want := []string{"light.turn_off", "light.turn_on", "notify.notify"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("service ids mismatch (-want +got):\n%s", diff)
	}

	svc, err := c.ServiceByID(ctx, "light.turn_on")
	if err != nil || svc == nil {
		t.Fatalf("ServiceByID() = %v, %v", svc, err)
	}
	if _, ok := svc.Fields["brightness"]; !ok {
		t.Error("turn_on lost its fields")
	}
	if h.hits("/api/services") != 1 {
		t.Error("ServiceByID refetched despite a cached listing")
	}

	missing, err := c.ServiceByID(ctx, "light.explode")
	if err != nil || missing != nil {
		t.Errorf("ServiceByID(unknown) = %v, %v; want nil, nil", missing, err)
	}
	if _, err := c.ServiceByID(ctx, "nodot"); err == nil {
		t.Error("ServiceByID accepted an id without a domain")
	}

	domains, err := c.DomainsWithServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"light", "notify"}, domains); diff != "" {
		t.Errorf("domains mismatch (-want +got):\n%s", diff)
	}
	light, err := c.ServicesForDomain(ctx, "light")
	if err != nil {
		t.Fatal(err)
	}
	if len(light) != 2 || light[0].Service != "turn_off" {
		t.Errorf("ServicesForDomain(light) = %+v", light)
	}
}

func TestEntitiesByArea(t *testing.T) {
	h := newFakeHub(t)
	h.respond("config/entity_registry/list", func(hc *hubConn, cmd hubCommand) {
		_ = hc.reply(cmd.ID, []map[string]any{
			{"entity_id": "light.direct", "platform": "hue", "area_id": "kitchen"},
			{"entity_id": "sensor.via_device", "platform": "zha", "device_id": "dev1"},
			{"entity_id": "sensor.moved", "platform": "zha", "device_id": "dev1", "area_id": "hall"},
			{"entity_id": "switch.elsewhere", "platform": "zha", "area_id": "hall"},
		})
	})
	h.handleREST("/api/config/device_registry/list", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"id": "dev1", "name": "Multisensor", "area_id": "kitchen"}})
	})
	h.respond("config/area_registry/list", func(hc *hubConn, cmd hubCommand) {
		_ = hc.reply(cmd.ID, []map[string]any{{"area_id": "kitchen", "name": "Kitchen"}})
	})
	h.setStates(lightState("sensor.via_device", "21"))
	c := connectedClient(t, h)
	ctx := context.Background()

	entries, err := c.EntitiesByArea(ctx, "kitchen")
	if err != nil {
		t.Fatalf("EntitiesByArea() error: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.EntityID)
	}
	if diff := cmp.Diff([]string{"light.direct", "sensor.via_device"}, ids); diff != "" {
		t.Errorf("EntitiesByArea mismatch (-want +got):\n%s", diff)
	}

	byDevice, err := c.EntitiesByDevice(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byDevice) != 2 {
		t.Errorf("EntitiesByDevice(dev1) = %d entries, want 2", len(byDevice))
	}

	info, err := c.EntityInfo(ctx, "sensor.via_device")
	if err != nil {
		t.Fatalf("EntityInfo() error: %v", err)
	}
	if info.State == nil || info.Entity == nil || info.Device == nil || info.Area == nil {
		t.Fatalf("EntityInfo() incomplete: %+v", info)
	}
	if info.Area.Name != "Kitchen" || info.Device.Name != "Multisensor" {
		t.Errorf("EntityInfo() joined area %q device %q", info.Area.Name, info.Device.Name)
	}
}

func TestStatesByDomain(t *testing.T) {
	h := newFakeHub(t)
	h.setStates(
		lightState("light.a", "on"),
		lightState("light.b", "off"),
		lightState("switch.c", "on"),
	)
	c := connectedClient(t, h)
	ctx := context.Background()

	lights, err := c.StatesByDomain(ctx, "light")
	if err != nil {
		t.Fatal(err)
	}
	if len(lights) != 2 {
		t.Errorf("StatesByDomain(light) = %d, want 2", len(lights))
	}
	counts, err := c.EntityCountByDomain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"light": 2, "switch": 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}
