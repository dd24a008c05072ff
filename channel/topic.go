package channel

import (
	"github.com/hupe1980/graphmesh/core"
)

// Topic is a pub/sub channel. With accumulation enabled it appends all values
// across the run's history; with accumulation disabled it is replaced by each
// step's incoming value set. Multiple concurrent writers are always permitted.
type Topic struct {
	name       string
	accumulate bool
	values     []any
	set        bool
}

// NewTopic constructs a topic channel. accumulate selects append-forever
// semantics over per-step replacement.
func NewTopic(name string, accumulate bool) *Topic {
	return &Topic{name: name, accumulate: accumulate}
}

// Update merges the step's incoming values into the buffer.
func (c *Topic) Update(values []any) (bool, error) {
	if len(values) == 0 {
		// A non-accumulating topic still resets between updates only when new
		// values arrive, matching pub/sub replacement semantics.
		return false, nil
	}
	if c.accumulate {
		c.values = append(c.values, values...)
	} else {
		c.values = append([]any(nil), values...)
	}
	c.set = true
	return true, nil
}

// Get returns a defensive copy of the buffered values.
func (c *Topic) Get() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out, nil
}

// Checkpoint returns the buffered values for persistence.
func (c *Topic) Checkpoint() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	out := make([]any, len(c.values))
	copy(out, c.values)
	return out, nil
}

// Restore sets the buffer from a persisted snapshot. Snapshots produced by
// Checkpoint are []any; anything else is wrapped as a single value.
func (c *Topic) Restore(snapshot any) error {
	switch v := snapshot.(type) {
	case nil:
		c.values = nil
	case []any:
		c.values = append([]any(nil), v...)
	default:
		c.values = []any{v}
	}
	c.set = true
	return nil
}

// Copy returns a fresh topic carrying the same buffer.
func (c *Topic) Copy() Channel {
	cp := &Topic{name: c.name, accumulate: c.accumulate, set: c.set}
	cp.values = append([]any(nil), c.values...)
	return cp
}

// Consume clears the buffer and reports whether it was non-empty.
func (c *Topic) Consume() bool {
	if len(c.values) == 0 {
		return false
	}
	c.values = nil
	return true
}

// IsAvailable reports whether the topic was ever updated.
func (c *Topic) IsAvailable() bool { return c.set }
