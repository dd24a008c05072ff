package channel

import (
	"fmt"

	"github.com/hupe1980/graphmesh/core"
)

// LastValue stores the most recent value written to it. Because the result
// would depend on writer order, it rejects more than one concurrent write per
// step with an InvalidUpdateError.
type LastValue struct {
	name  string
	value any
	set   bool
}

// NewLastValue constructs an empty last-value channel.
func NewLastValue(name string) *LastValue {
	return &LastValue{name: name}
}

// Update stores the single incoming value. Multiple concurrent writes are a
// reducer conflict.
func (c *LastValue) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if len(values) > 1 {
		return false, core.NewInvalidUpdateError(c.name,
			fmt.Sprintf("received %d concurrent writes for a single-writer channel", len(values)))
	}
	c.value = values[0]
	c.set = true
	return true, nil
}

// Get returns the stored value or core.ErrEmptyChannel before the first write.
func (c *LastValue) Get() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Checkpoint returns the stored value for persistence.
func (c *LastValue) Checkpoint() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Restore sets the channel's value from a persisted snapshot.
func (c *LastValue) Restore(snapshot any) error {
	c.value = snapshot
	c.set = true
	return nil
}

// Copy returns a fresh channel carrying the same value.
func (c *LastValue) Copy() Channel {
	cp := *c
	return &cp
}

// Consume is a no-op for last-value channels.
func (c *LastValue) Consume() bool { return false }

// IsAvailable reports whether the channel holds a value.
func (c *LastValue) IsAvailable() bool { return c.set }
