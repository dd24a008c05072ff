// Package channel implements the typed, reducer-governed storage cells shared
// across graph nodes. A channel merges zero or more incoming values per
// superstep into a new value according to its update rule:
//
//   - LastValue: stores the most recent value, single writer per step
//   - Topic: pub/sub accumulation across steps or per-step replacement
//   - BinaryOperator: folds incoming values with an associative operator
//   - Ephemeral: holds a value only for the step it was written in
//   - AnyValue: accepts concurrent writers only when all values are equal
//
// Channels are created from graph-declared prototypes at run start, mutated
// only by the scheduler's Applying phase, and serialized via Checkpoint/Restore
// for persistence. Node code never holds a mutable channel reference.
package channel
