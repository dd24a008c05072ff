package channel

import (
	"github.com/hupe1980/graphmesh/core"
)

// Ephemeral holds a value only for the step in which it was written. The
// scheduler consumes it at the start of the following step, so downstream
// nodes observe it exactly once. Concurrent writers are accepted only when
// their values are equal; there is no write order to break ties with.
type Ephemeral struct {
	name  string
	value any
	set   bool
}

// NewEphemeral constructs an empty ephemeral channel.
func NewEphemeral(name string) *Ephemeral {
	return &Ephemeral{name: name}
}

// Update stores the incoming value for the current step. Unequal concurrent
// writes are rejected like AnyValue since no ordering exists to pick from.
func (c *Ephemeral) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	first := values[0]
	for _, v := range values[1:] {
		if !equalValues(first, v) {
			return false, core.NewInvalidUpdateError(c.name, "unequal concurrent writes to an ephemeral channel")
		}
	}
	c.value = first
	c.set = true
	return true, nil
}

// Get returns the step-local value or core.ErrEmptyChannel outside the step.
func (c *Ephemeral) Get() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Checkpoint returns the step-local value; empty outside its step.
func (c *Ephemeral) Checkpoint() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Restore sets the value from a persisted snapshot.
func (c *Ephemeral) Restore(snapshot any) error {
	c.value = snapshot
	c.set = true
	return nil
}

// Copy returns a fresh channel carrying the same value.
func (c *Ephemeral) Copy() Channel {
	cp := *c
	return &cp
}

// Consume clears the value at the start of the following step.
func (c *Ephemeral) Consume() bool {
	if !c.set {
		return false
	}
	c.value = nil
	c.set = false
	return true
}

// IsAvailable reports whether the channel holds a value this step.
func (c *Ephemeral) IsAvailable() bool { return c.set }
