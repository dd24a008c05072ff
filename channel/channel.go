package channel

// Channel is a mutable slot with an update rule merging concurrent writes.
//
// Contract:
//   - Update applies the unordered multiset of writes collected for one step
//     and reports whether the value changed. Reducers that depend on writer
//     order must reject more than one concurrent write with an
//     InvalidUpdateError rather than silently picking one.
//   - Get returns the current value or core.ErrEmptyChannel when the channel
//     was never written and no default exists.
//   - Checkpoint/Restore round-trip the channel's value for persistence;
//     Checkpoint returns core.ErrEmptyChannel for an empty channel so stores
//     can omit it.
//   - Copy returns a fresh channel with the same configuration and value,
//     used to materialize per-run channels from graph prototypes.
//   - Consume resets channels that clear after being read by a downstream
//     trigger and reports whether there was anything to clear.
type Channel interface {
	Update(values []any) (bool, error)
	Get() (any, error)
	Checkpoint() (any, error)
	Restore(snapshot any) error
	Copy() Channel
	Consume() bool
	IsAvailable() bool
}

// BinaryOp combines a current value with one incoming value. Operators must be
// associative and commutative: the order of concurrent writes within a step is
// unspecified.
type BinaryOp func(current, incoming any) any
