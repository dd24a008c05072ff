// Package checkpoint provides the built-in CheckpointStore backends.
//
// InMemoryStore is a volatile store suited to tests and ephemeral runs.
// For durable persistence use the badgerstore subpackage, which stores
// checkpoints in an embedded Badger database. Both honor the same contract:
// Put is the single durability point, concurrent runs under distinct run keys
// never interfere, and Put calls for the same run key are serialized.
package checkpoint
