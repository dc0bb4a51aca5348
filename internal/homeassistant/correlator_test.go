package homeassistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCorrelator_IDsIncreaseFromOne(t *testing.T) {
	c := newCorrelator()
	for want := int64(1); want <= 5; want++ {
		p, err := c.register("ping")
		if err != nil {
			t.Fatal(err)
		}
		if p.id != want {
			t.Errorf("id = %d, want %d", p.id, want)
		}
	}
	if c.lastID() != 5 || c.len() != 5 {
		t.Errorf("lastID=%d len=%d, want 5/5", c.lastID(), c.len())
	}
}

func TestCorrelator_SettleOnce(t *testing.T) {
	c := newCorrelator()
	p, _ := c.register("get_states")

	if !c.settle(p.id, outcome{result: json.RawMessage(`[]`)}) {
		t.Fatal("settle() = false for a pending id")
	}
	if c.settle(p.id, outcome{result: json.RawMessage(`"again"`)}) {
		t.Error("second settle() delivered")
	}
	if c.abandon(p.id) {
		t.Error("abandon() after settle reported ownership")
	}
	if out := <-p.done; string(out.result) != "[]" {
		t.Errorf("result = %s", out.result)
	}
	if c.len() != 0 {
		t.Errorf("len = %d, want 0", c.len())
	}
}

func TestCorrelator_SettleSetsCommandOnError(t *testing.T) {
	c := newCorrelator()
	p, _ := c.register("call_service")
	c.settle(p.id, outcome{err: &WebSocketError{Code: "x", Message: "y"}})

	out := <-p.done
	var wsErr *WebSocketError
	if !errors.As(out.err, &wsErr) || wsErr.Command != "call_service" {
		t.Errorf("err = %v, want WebSocketError for call_service", out.err)
	}
}

func TestCorrelator_SettleSetsCommandOnWrappedError(t *testing.T) {
	c := newCorrelator()
	p, _ := c.register("config/area_registry/delete")
	werr := &WebSocketError{Code: "not_found", Message: "Area ID doesn't exist"}
	c.settle(p.id, outcome{err: fmt.Errorf("hub: %w", werr)})

	<-p.done
	if werr.Command != "config/area_registry/delete" {
		t.Errorf("Command = %q, want config/area_registry/delete", werr.Command)
	}
}

func TestCorrelator_AbandonMakesLateResponseNoop(t *testing.T) {
	c := newCorrelator()
	p, _ := c.register("slow")
	if !c.abandon(p.id) {
		t.Fatal("abandon() = false")
	}
	if c.settle(p.id, outcome{}) {
		t.Error("late settle() delivered after abandon")
	}
	select {
	case out := <-p.done:
		t.Errorf("outcome delivered after abandon: %+v", out)
	default:
	}
}

func TestCorrelator_FailAll(t *testing.T) {
	c := newCorrelator()
	var ps []*pendingRequest
	for range 3 {
		p, _ := c.register("x")
		ps = append(ps, p)
	}
	c.settle(ps[1].id, outcome{result: json.RawMessage(`1`)})

	boom := errors.New("boom")
	if n := c.failAll(boom); n != 2 {
		t.Errorf("failAll() = %d, want 2", n)
	}
	for i, p := range ps {
		out := <-p.done
		if i == 1 {
			if out.err != nil {
				t.Errorf("settled request %d got error %v", i, out.err)
			}
			continue
		}
		if !errors.Is(out.err, boom) {
			t.Errorf("request %d err = %v, want boom", i, out.err)
		}
	}
	if _, err := c.register("after"); !errors.Is(err, boom) {
		t.Errorf("register after failAll err = %v, want boom", err)
	}
}

func TestCorrelator_ConcurrentExactlyOnce(t *testing.T) {
	c := newCorrelator()
	const n = 200
	ps := make([]*pendingRequest, n)
	for i := range ps {
		ps[i], _ = c.register("x")
	}

	var wg sync.WaitGroup
	for _, p := range ps {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.settle(p.id, outcome{result: json.RawMessage(`true`)})
		}()
		go func() {
			defer wg.Done()
			c.abandon(p.id)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.failAll(errors.New("closed"))
	}()
	wg.Wait()

	for _, p := range ps {
		// At most one outcome per request; the channel holds one.
		select {
		case <-p.done:
		default:
		}
		select {
		case out := <-p.done:
			t.Fatalf("request %d received a second outcome %+v", p.id, out)
		default:
		}
	}
}
