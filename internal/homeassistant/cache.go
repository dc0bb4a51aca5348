package homeassistant

import (
	"sort"
	"sync"
	"time"
)

// stateCache is the local copy of hub state and registry snapshots.
//
// Entity states are valid only within the epoch they were stored in;
// invalidate starts a new epoch, so everything learned over a lost
// connection is refetched on next read. With a TTL, entries also expire
// by age. Registry sections are replaced wholesale by each fetch.
//
// Every read returns copies.
type stateCache struct {
	ttl time.Duration
	now func() time.Time

	mu          sync.RWMutex
	epoch       uint64
	states      map[string]cachedState
	primedEpoch uint64
	primedAt    time.Time
	primed      bool

	entities map[string]EntityRegistryEntry
	devices  map[string]DeviceRegistryEntry
	areas    map[string]AreaRegistryEntry
	services map[string]ServiceDescriptor
}

type cachedState struct {
	state  *EntityState
	epoch  uint64
	stored time.Time
}

func newStateCache(ttl time.Duration) *stateCache {
	return &stateCache{
		ttl:      ttl,
		now:      time.Now,
		epoch:    1,
		states:   make(map[string]cachedState),
		entities: make(map[string]EntityRegistryEntry),
		devices:  make(map[string]DeviceRegistryEntry),
		areas:    make(map[string]AreaRegistryEntry),
		services: make(map[string]ServiceDescriptor),
	}
}

func (c *stateCache) fresh(epoch uint64, stored time.Time) bool {
	if epoch != c.epoch {
		return false
	}
	return c.ttl <= 0 || c.now().Sub(stored) < c.ttl
}

// invalidate marks every cached state stale without discarding it.
func (c *stateCache) invalidate() {
	c.mu.Lock()
	c.epoch++
	c.primed = false
	c.mu.Unlock()
}

// state returns a copy of the entity's state if it is cached and fresh.
func (c *stateCache) state(entityID string) (*EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.states[entityID]
	if !ok || !c.fresh(e.epoch, e.stored) {
		return nil, false
	}
	return e.state.Clone(), true
}

// allStates returns copies of every state, sorted by entity id, if the
// cache holds a fresh full snapshot.
func (c *stateCache) allStates() ([]*EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.primed || !c.fresh(c.primedEpoch, c.primedAt) {
		return nil, false
	}
	return c.sortedStatesLocked(), true
}

func (c *stateCache) sortedStatesLocked() []*EntityState {
	out := make([]*EntityState, 0, len(c.states))
	for _, e := range c.states {
		out = append(out, e.state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// replaceStates installs a full snapshot and marks the cache primed.
func (c *stateCache) replaceStates(states []*EntityState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.states = make(map[string]cachedState, len(states))
	for _, s := range states {
		c.states[s.EntityID] = cachedState{state: s.Clone(), epoch: c.epoch, stored: now}
	}
	c.primed = true
	c.primedEpoch = c.epoch
	c.primedAt = now
}

// putState overwrites a single entity.
func (c *stateCache) putState(s *EntityState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.EntityID] = cachedState{state: s.Clone(), epoch: c.epoch, stored: c.now()}
}

// applyStateChange records the new state carried by a state_changed
// event. Removals (nil NewState) leave the last known state in place.
func (c *stateCache) applyStateChange(ev *StateChangedEvent) {
	if ev.NewState == nil {
		return
	}
	c.putState(ev.NewState)
}

// cachedStates returns every stored state regardless of freshness.
func (c *stateCache) cachedStates() map[string]*EntityState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*EntityState, len(c.states))
	for id, e := range c.states {
		out[id] = e.state.Clone()
	}
	return out
}

func (c *stateCache) replaceEntities(entries []EntityRegistryEntry) {
	m := make(map[string]EntityRegistryEntry, len(entries))
	for _, e := range entries {
		m[e.EntityID] = e.clone()
	}
	c.mu.Lock()
	c.entities = m
	c.mu.Unlock()
}

func (c *stateCache) replaceDevices(entries []DeviceRegistryEntry) {
	m := make(map[string]DeviceRegistryEntry, len(entries))
	for _, d := range entries {
		m[d.ID] = d.clone()
	}
	c.mu.Lock()
	c.devices = m
	c.mu.Unlock()
}

func (c *stateCache) replaceAreas(entries []AreaRegistryEntry) {
	m := make(map[string]AreaRegistryEntry, len(entries))
	for _, a := range entries {
		m[a.AreaID] = a.clone()
	}
	c.mu.Lock()
	c.areas = m
	c.mu.Unlock()
}

func (c *stateCache) replaceServices(entries []ServiceDescriptor) {
	m := make(map[string]ServiceDescriptor, len(entries))
	for _, s := range entries {
		m[s.ServiceID()] = s.clone()
	}
	c.mu.Lock()
	c.services = m
	c.mu.Unlock()
}

// putEntity records an edited entity, dropping it under previousID when
// the edit renamed it. An empty section stays empty so the next read
// still fetches the whole registry.
func (c *stateCache) putEntity(previousID string, e EntityRegistryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entities) == 0 {
		return
	}
	if previousID != e.EntityID {
		delete(c.entities, previousID)
	}
	c.entities[e.EntityID] = e.clone()
}

func (c *stateCache) putArea(a AreaRegistryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.areas) == 0 {
		return
	}
	c.areas[a.AreaID] = a.clone()
}

func (c *stateCache) removeArea(areaID string) {
	c.mu.Lock()
	delete(c.areas, areaID)
	c.mu.Unlock()
}

func (c *stateCache) cachedEntities() map[string]EntityRegistryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]EntityRegistryEntry, len(c.entities))
	for k, v := range c.entities {
		out[k] = v.clone()
	}
	return out
}

func (c *stateCache) cachedDevices() map[string]DeviceRegistryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]DeviceRegistryEntry, len(c.devices))
	for k, v := range c.devices {
		out[k] = v.clone()
	}
	return out
}

func (c *stateCache) cachedAreas() map[string]AreaRegistryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]AreaRegistryEntry, len(c.areas))
	for k, v := range c.areas {
		out[k] = v.clone()
	}
	return out
}

func (c *stateCache) cachedServices() map[string]ServiceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ServiceDescriptor, len(c.services))
	for k, v := range c.services {
		out[k] = v.clone()
	}
	return out
}

// service returns one cached service descriptor.
func (c *stateCache) service(id string) (ServiceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return s.clone(), true
}

// sizes reports how many records each section holds.
func (c *stateCache) sizes() CacheSizes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheSizes{
		States:   len(c.states),
		Entities: len(c.entities),
		Devices:  len(c.devices),
		Areas:    len(c.areas),
		Services: len(c.services),
	}
}

// CacheSizes counts the records held in each cache section.
type CacheSizes struct {
	States   int `json:"states"`
	Entities int `json:"entities"`
	Devices  int `json:"devices"`
	Areas    int `json:"areas"`
	Services int `json:"services"`
}
