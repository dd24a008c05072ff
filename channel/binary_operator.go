package channel

import (
	"github.com/hupe1980/graphmesh/core"
)

// BinaryOperator folds incoming values into the current value with a declared
// associative, commutative operator. The fold starts from the operator's
// identity value on first write, so the reducer is total over the empty state.
type BinaryOperator struct {
	name     string
	op       BinaryOp
	identity any
	value    any
	set      bool
}

// NewBinaryOperator constructs a fold channel from an operator and its
// identity (or the type's zero value).
func NewBinaryOperator(name string, op BinaryOp, identity any) *BinaryOperator {
	return &BinaryOperator{name: name, op: op, identity: identity}
}

// Update folds each incoming value into the current value. The order among
// the incoming set is unspecified; the operator must not depend on it.
func (c *BinaryOperator) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	if !c.set {
		c.value = c.identity
		c.set = true
	}
	for _, v := range values {
		c.value = c.op(c.value, v)
	}
	return true, nil
}

// Get returns the folded value or core.ErrEmptyChannel before the first write.
func (c *BinaryOperator) Get() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Checkpoint returns the folded value for persistence.
func (c *BinaryOperator) Checkpoint() (any, error) {
	if !c.set {
		return nil, core.ErrEmptyChannel
	}
	return c.value, nil
}

// Restore sets the folded value from a persisted snapshot. The operator itself
// is not serialized; it comes from the graph prototype.
func (c *BinaryOperator) Restore(snapshot any) error {
	c.value = snapshot
	c.set = true
	return nil
}

// Copy returns a fresh channel sharing the operator and carrying the value.
func (c *BinaryOperator) Copy() Channel {
	cp := *c
	return &cp
}

// Consume is a no-op for fold channels.
func (c *BinaryOperator) Consume() bool { return false }

// IsAvailable reports whether the channel holds a value.
func (c *BinaryOperator) IsAvailable() bool { return c.set }
