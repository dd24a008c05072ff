package channel

import (
	"reflect"

	"github.com/hupe1980/graphmesh/core"
)

// AnyValue accepts multiple concurrent writers only when all incoming values
// are equal; otherwise the update is a reducer conflict. Useful for fan-in
// barriers where every branch is expected to agree.
type AnyValue struct {
	name  string
	value any
	set   bool
}

// NewAnyValue constructs an empty any-equal channel.
func NewAnyValue(name string) *AnyValue {
	return &AnyValue{name: name}
}

// Update stores the common incoming value, rejecting unequal concurrent writes.
func (c *AnyValue) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	first := values[0]
	for _, v := range values[1:] {
		if !equalValues(first, v) {
			return false, core.NewInvalidUpdateError(c.name, "unequal concurrent writes to an any-equal channel")
		}
	}
	c.value = first
	c.set = true
	return true, nil
}

// Get returns the stored value or core.ErrEmptyChannel before the first write.
func (c *AnyValue) Get() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Checkpoint returns the stored value for persistence.
func (c *AnyValue) Checkpoint() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Restore sets the channel's value from a persisted snapshot.
func (c *AnyValue) Restore(snapshot any) error {
	c.value = snapshot
	c.set = true
	return nil
}

// Copy returns a fresh channel carrying the same value.
func (c *AnyValue) Copy() Channel {
	cp := *c
	return &cp
}

// Consume is a no-op for any-equal channels.
func (c *AnyValue) Consume() bool { return false }

// IsAvailable reports whether the channel holds a value.
func (c *AnyValue) IsAvailable() bool { return c.set }

// equalValues compares two channel values structurally.
func equalValues(a, b any) bool { return reflect.DeepEqual(a, b) }
