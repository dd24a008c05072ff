// Package engine contains the superstep scheduler at the heart of GraphMesh.
//
// The Scheduler executes a compiled graph as a sequence of supersteps. Each
// superstep plans the active nodes from channel version deltas, executes them
// concurrently against a snapshot of channel values taken at the start of the
// step, applies all buffered writes through the channel reducers in one atomic
// logical operation, and persists a checkpoint. The loop halts at a fixpoint
// (no node active), at a configured interrupt point, or with a distinguished
// error when the recursion limit is exceeded.
package engine
