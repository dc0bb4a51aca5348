package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
)

func testJournal(t *testing.T, bus *events.Bus) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal_test.db")
	j, err := Open(dbPath, bus, nil)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func change(id, from, to string, at time.Time) homeassistant.StateChangedEvent {
	ev := homeassistant.StateChangedEvent{EntityID: id, TimeFired: at, EventID: "ev-" + to}
	if from != "" {
		ev.OldState = &homeassistant.EntityState{EntityID: id, State: homeassistant.StringState(from)}
	}
	if to != "" {
		ev.NewState = &homeassistant.EntityState{EntityID: id, State: homeassistant.StringState(to)}
	}
	return ev
}

func TestRecordAndRecent(t *testing.T) {
	j := testJournal(t, nil)
	ctx := context.Background()

	ev := change("light.kitchen", "off", "on", base)
	ev.NewState.Attributes = map[string]any{"brightness": 180.0}
	for _, e := range []homeassistant.StateChangedEvent{
		ev,
		change("switch.porch", "", "on", base.Add(time.Second)),
		change("light.kitchen", "on", "off", base.Add(2*time.Second)),
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got, err := j.Recent(ctx, "light.kitchen", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	want := []Entry{
		{EntityID: "light.kitchen", OldState: "on", NewState: "off", EventID: "ev-off", FiredAt: base.Add(2 * time.Second)},
		{EntityID: "light.kitchen", OldState: "off", NewState: "on", EventID: "ev-on", FiredAt: base, Attributes: map[string]any{"brightness": 180.0}},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Entry{}, "ID")); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}

	all, err := j.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent(all) error: %v", err)
	}
	if len(all) != 3 || all[0].EntityID != "light.kitchen" || all[1].EntityID != "switch.porch" {
		t.Errorf("Recent(all) = %+v", all)
	}

	limited, _ := j.Recent(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("Recent(limit 1) returned %d entries", len(limited))
	}
}

func TestRecordRemoval(t *testing.T) {
	j := testJournal(t, nil)
	ctx := context.Background()

	if err := j.Record(ctx, change("sensor.gone", "12", "", base)); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	got, err := j.Recent(ctx, "sensor.gone", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Removed || got[0].OldState != "12" {
		t.Errorf("removal entry = %+v", got)
	}
}

func TestRecordRejectsEmptyEntity(t *testing.T) {
	j := testJournal(t, nil)
	if err := j.Record(context.Background(), homeassistant.StateChangedEvent{}); err == nil {
		t.Error("Record() accepted an event without an entity id")
	}
}

func TestRecordDefaultsFiredAt(t *testing.T) {
	j := testJournal(t, nil)
	j.now = func() time.Time { return base }

	if err := j.Record(context.Background(), change("light.a", "", "on", time.Time{})); err != nil {
		t.Fatal(err)
	}
	got, _ := j.Recent(context.Background(), "light.a", 1)
	if len(got) != 1 || !got[0].FiredAt.Equal(base) {
		t.Errorf("FiredAt = %+v, want %v", got, base)
	}
}

func TestPrune(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	j := testJournal(t, bus)
	ctx := context.Background()
	for i := range 5 {
		if err := j.Record(ctx, change("sensor.t", "", "x", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	n, err := j.Prune(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
	left, _ := j.Recent(ctx, "sensor.t", 0)
	if len(left) != 3 || left[len(left)-1].FiredAt.Before(base.Add(2*time.Hour)) {
		t.Errorf("entries after prune = %+v", left)
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceJournal || e.Kind != events.KindPruned || e.Data["rows"] != int64(2) {
			t.Errorf("bus event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no pruned event published")
	}

	if n, _ := j.Prune(ctx, base); n != 0 {
		t.Errorf("second Prune() = %d, want 0", n)
	}
	select {
	case e := <-ch:
		t.Errorf("empty prune published %+v", e)
	default:
	}
}

func TestRunPruner(t *testing.T) {
	j := testJournal(t, nil)
	j.now = func() time.Time { return base.Add(48 * time.Hour) }
	ctx, cancel := context.WithCancel(context.Background())

	if err := j.Record(ctx, change("sensor.old", "", "1", base)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		j.RunPruner(ctx, 24*time.Hour, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := j.Recent(context.Background(), "sensor.old", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pruner did not remove the expired entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	j, err := Open(dbPath, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(context.Background(), change("light.a", "", "on", base)); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j2, err := Open(dbPath, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	got, _ := j2.Recent(context.Background(), "light.a", 0)
	if len(got) != 1 {
		t.Errorf("entries after reopen = %d, want 1", len(got))
	}
}

func TestRemovalRecordedThroughStateWatcher(t *testing.T) {
	j := testJournal(t, nil)
	ctx := context.Background()

	watcher := homeassistant.NewStateWatcher(
		homeassistant.NewEntityFilter([]string{"light.*"}, nil),
		homeassistant.NewEntityRateLimiter(1),
		func(ev homeassistant.StateChangedEvent) {
			if err := j.Record(ctx, ev); err != nil {
				t.Errorf("Record() error: %v", err)
			}
		},
		nil,
	)
	_ = watcher.Handle(change("light.attic", "off", "on", base))
	_ = watcher.Handle(change("light.attic", "on", "", base.Add(time.Second)))

	got, err := j.Recent(ctx, "light.attic", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	if !got[0].Removed || got[0].OldState != "on" {
		t.Errorf("newest entry = %+v, want removal of on", got[0])
	}
}
