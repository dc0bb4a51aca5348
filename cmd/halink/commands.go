package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/halink/internal/homeassistant"
)

// runStates lists entity states, optionally limited to one domain.
func runStates(ctx context.Context, stdout, stderr io.Writer, opts options, domain string) error {
	p, done, err := contextProvider(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer done()

	states, err := p.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("get states: %w", err)
	}
	if domain != "" {
		states = filterDomain(states, domain)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	if opts.outputFmt == "json" {
		return writeJSON(stdout, states)
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATE\tNAME")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.EntityID, s.State, s.FriendlyName())
	}
	return tw.Flush()
}

func filterDomain(states []*homeassistant.EntityState, domain string) []*homeassistant.EntityState {
	var out []*homeassistant.EntityState
	for _, s := range states {
		if s.Domain() == domain {
			out = append(out, s)
		}
	}
	return out
}

// runState shows one entity with whatever registry context is available.
func runState(ctx context.Context, stdout, stderr io.Writer, opts options, entityID string) error {
	if _, _, err := homeassistant.ParseEntityID(entityID); err != nil {
		return err
	}
	p, done, err := contextProvider(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer done()

	details, err := entityDetails(ctx, p, entityID)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, details)
	}
	return writeDetails(stdout, details)
}

// entityDetails resolves state and registry context for one entity. A
// live client also resolves the device.
func entityDetails(ctx context.Context, p homeassistant.ContextProvider, entityID string) (*homeassistant.EntityDetails, error) {
	if c, ok := p.(*homeassistant.Client); ok {
		return c.EntityInfo(ctx, entityID)
	}

	d := &homeassistant.EntityDetails{EntityID: entityID}
	states, err := p.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}
	for _, s := range states {
		if s.EntityID == entityID {
			d.State = s
			break
		}
	}
	entities, err := p.GetEntityRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("get entity registry: %w", err)
	}
	for i := range entities {
		if entities[i].EntityID == entityID {
			d.Entity = &entities[i]
			break
		}
	}
	if d.State == nil && d.Entity == nil {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	if d.Entity != nil && d.Entity.AreaID != "" {
		areas, err := p.GetAreaRegistry(ctx)
		if err != nil {
			return nil, fmt.Errorf("get area registry: %w", err)
		}
		for i := range areas {
			if areas[i].AreaID == d.Entity.AreaID {
				d.Area = &areas[i]
				break
			}
		}
	}
	return d, nil
}

func writeDetails(w io.Writer, d *homeassistant.EntityDetails) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "entity:\t%s\n", d.EntityID)
	if s := d.State; s != nil {
		fmt.Fprintf(tw, "name:\t%s\n", s.FriendlyName())
		fmt.Fprintf(tw, "state:\t%s\n", s.State)
		if !s.LastChanged.IsZero() {
			fmt.Fprintf(tw, "changed:\t%s\n", s.LastChanged.Format(time.RFC3339))
		}
		keys := make([]string, 0, len(s.Attributes))
		for k := range s.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s:\t%v\n", k, s.Attributes[k])
		}
	}
	if e := d.Entity; e != nil {
		fmt.Fprintf(tw, "platform:\t%s\n", e.Platform)
		if e.IsDisabled() {
			fmt.Fprintf(tw, "disabled:\t%s\n", e.DisabledBy)
		}
	}
	if dev := d.Device; dev != nil {
		fmt.Fprintf(tw, "device:\t%s\n", dev.DisplayName())
	}
	if a := d.Area; a != nil {
		fmt.Fprintf(tw, "area:\t%s\n", a.Name)
	}
	return tw.Flush()
}

// parseServiceData turns key=value arguments into a service payload.
// Values that parse as JSON keep their type; anything else is a string.
func parseServiceData(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid service data %q (expected key=value)", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			data[k] = decoded
		} else {
			data[k] = v
		}
	}
	return data, nil
}

// runCall invokes a service and prints the states it changed.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, serviceID string, args []string) error {
	domain, service, ok := strings.Cut(serviceID, ".")
	if !ok || domain == "" || service == "" {
		return fmt.Errorf("invalid service %q (expected domain.service)", serviceID)
	}
	data, err := parseServiceData(args)
	if err != nil {
		return err
	}
	if opts.fixturePath != "" {
		return fmt.Errorf("call needs a live hub; -fixture is read-only")
	}

	client, err := connectClient(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	changed, err := client.CallService(ctx, domain, service, data)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, changed)
	}
	if len(changed) == 0 {
		fmt.Fprintf(stdout, "%s called; no states changed\n", serviceID)
		return nil
	}
	for _, s := range changed {
		fmt.Fprintf(stdout, "%s = %s\n", s.EntityID, s.State)
	}
	return nil
}

// runRegistry lists one registry. Devices and services need a live hub.
func runRegistry(ctx context.Context, stdout, stderr io.Writer, opts options, kind string) error {
	switch kind {
	case "entities", "areas", "devices", "services":
	default:
		return fmt.Errorf("unknown registry %q (expected entities, devices, areas or services)", kind)
	}
	if opts.fixturePath != "" && (kind == "devices" || kind == "services") {
		return fmt.Errorf("registry %s needs a live hub", kind)
	}

	p, done, err := contextProvider(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer done()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	switch kind {
	case "entities":
		entries, err := p.GetEntityRegistry(ctx)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].EntityID < entries[j].EntityID })
		if opts.outputFmt == "json" {
			return writeJSON(stdout, entries)
		}
		fmt.Fprintln(tw, "ENTITY\tNAME\tPLATFORM\tAREA")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.EntityID, e.DisplayName(), e.Platform, e.AreaID)
		}
	case "areas":
		areas, err := p.GetAreaRegistry(ctx)
		if err != nil {
			return err
		}
		sort.Slice(areas, func(i, j int) bool { return areas[i].AreaID < areas[j].AreaID })
		if opts.outputFmt == "json" {
			return writeJSON(stdout, areas)
		}
		fmt.Fprintln(tw, "AREA\tNAME")
		for _, a := range areas {
			fmt.Fprintf(tw, "%s\t%s\n", a.AreaID, a.Name)
		}
	case "devices":
		devices, err := p.(*homeassistant.Client).GetDeviceRegistry(ctx)
		if err != nil {
			return err
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
		if opts.outputFmt == "json" {
			return writeJSON(stdout, devices)
		}
		fmt.Fprintln(tw, "DEVICE\tNAME\tMANUFACTURER\tAREA")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.DisplayName(), d.Manufacturer, d.AreaID)
		}
	case "services":
		services, err := p.(*homeassistant.Client).GetServices(ctx)
		if err != nil {
			return err
		}
		sort.Slice(services, func(i, j int) bool {
			if services[i].Domain != services[j].Domain {
				return services[i].Domain < services[j].Domain
			}
			return services[i].Service < services[j].Service
		})
		if opts.outputFmt == "json" {
			return writeJSON(stdout, services)
		}
		fmt.Fprintln(tw, "SERVICE\tDESCRIPTION")
		for _, s := range services {
			fmt.Fprintf(tw, "%s.%s\t%s\n", s.Domain, s.Service, s.Description)
		}
	}
	return tw.Flush()
}

// runTemplate renders a template on the hub.
func runTemplate(ctx context.Context, stdout, stderr io.Writer, opts options, text string) error {
	client, err := connectClient(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	out, err := client.RenderTemplate(ctx, text)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]string{"template": text, "result": out})
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// watchLine is the JSON form of one streamed state change.
type watchLine struct {
	Time     time.Time `json:"time"`
	EntityID string    `json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Removed  bool      `json:"removed,omitempty"`
}

// runWatch streams state changes matching globs until ctx is cancelled.
func runWatch(ctx context.Context, stdout, stderr io.Writer, opts options, globs []string) error {
	client, err := connectClient(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	enc := json.NewEncoder(stdout)
	show := func(ev homeassistant.StateChangedEvent) {
		line := watchLine{Time: ev.TimeFired, EntityID: ev.EntityID, Removed: ev.NewState == nil}
		if ev.OldState != nil {
			line.From = ev.OldState.State.String()
		}
		if ev.NewState != nil {
			line.To = ev.NewState.State.String()
		}
		if opts.outputFmt == "json" {
			_ = enc.Encode(line)
			return
		}
		to := line.To
		if line.Removed {
			to = "(removed)"
		}
		fmt.Fprintf(stdout, "%s  %s  %s -> %s\n",
			line.Time.Local().Format(time.TimeOnly), line.EntityID, line.From, to)
	}

	w := homeassistant.NewStateWatcher(homeassistant.NewEntityFilter(globs, nil), nil, show, nil)
	w.Run(ctx, client)
	return nil
}
