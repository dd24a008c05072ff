// Package core provides the foundational domain types, interfaces and execution
// contexts used by GraphMesh. It defines the core abstractions for:
//
//   - Checkpoints (immutable, versioned snapshots of channel state)
//   - The CheckpointStore persistence contract with pluggable backends
//   - Node functions, their execution context and structured output
//   - Run configuration (run key, recursion limit, interrupts, streaming)
//   - Retry policies and the engine error taxonomy
//
// The package intentionally keeps implementation concerns (persistence, engine
// orchestration, concrete channels) out of scope, exposing small interfaces to
// enable custom backends and extensions. All exported identifiers include
// concise documentation to aid discoverability and external consumption.
package core
