package homeassistant

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// outcome is the terminal result of one command.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is a command awaiting its response. The channel has
// capacity one and receives exactly one outcome, sent by whichever
// party removed the entry from the correlator.
type pendingRequest struct {
	id      int64
	command string
	created time.Time
	done    chan outcome
}

// correlator matches responses to commands by id for one connection
// generation. Ids start at 1 and increase by one per command. An entry
// is removed exactly once, by settle, abandon, or failAll; removal and
// delivery happen under the same lock decision, so a late response for
// an abandoned id is a no-op.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	closed  error
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]*pendingRequest)}
}

// register allocates the next id and records a pending entry. It fails
// once failAll has run.
func (c *correlator) register(command string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}
	c.nextID++
	p := &pendingRequest{
		id:      c.nextID,
		command: command,
		created: time.Now(),
		done:    make(chan outcome, 1),
	}
	c.pending[p.id] = p
	return p, nil
}

// settle delivers out to the command with the given id. It reports
// false when no such command is pending.
func (c *correlator) settle(id int64, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	var werr *WebSocketError
	if errors.As(out.err, &werr) && werr.Command == "" {
		werr.Command = p.command
	}
	p.done <- out
	return true
}

// abandon removes the entry without delivering anything. It reports
// false if another party already removed it, in which case an outcome
// is on its way.
func (c *correlator) abandon(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// failAll rejects every pending command with err and refuses further
// registrations. It returns the number of commands rejected.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	victims := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range victims {
		p.done <- outcome{err: err}
	}
	return len(victims)
}

// len returns the number of commands awaiting a response.
func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// lastID returns the most recently allocated id.
func (c *correlator) lastID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}
