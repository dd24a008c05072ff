package core

import (
	"context"

	"github.com/hupe1980/graphmesh/logging"
)

// Snapshot is a read-only view of channel values as of the start of a
// superstep. Writes from sibling nodes in the same step are never visible.
type Snapshot map[string]any

// Value returns the value for a channel and whether it is present.
func (s Snapshot) Value(channel string) (any, bool) {
	v, ok := s[channel]
	return v, ok
}

// Clone returns a shallow copy of the snapshot map. Values are shared and
// must be treated as immutable by node code.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Send addresses a dynamic task: a target node plus an optional per-branch
// input payload. Branch functions and node Goto directives return Sends,
// enabling fan-out with branch counts unknown at compile time.
type Send struct {
	Node  string         `json:"node"`
	Input map[string]any `json:"input,omitempty"`
}

// NodeOutput is the structured result of a node function. All fields are
// optional; a nil NodeOutput is treated as "no writes".
type NodeOutput struct {
	// Updates are writes to this execution's own channels, merged by each
	// channel's reducer during the Applying phase.
	Updates map[string]any

	// Escalate are writes routed to the parent execution's channels instead
	// of the local ones. A local channel of the same name is unaffected.
	Escalate map[string]any

	// Goto dynamically requests the next node(s) alongside the writes above,
	// bypassing declared edges for this step ("decision + mutation").
	Goto []Send
}

// Updates is a convenience constructor for the common case of a node that
// only writes local channels.
func Updates(values map[string]any) *NodeOutput {
	return &NodeOutput{Updates: values}
}

// Goto is a convenience constructor for a pure routing decision.
func Goto(sends ...Send) *NodeOutput {
	return &NodeOutput{Goto: sends}
}

// NodeContext carries execution-scoped metadata and dependencies into a node
// function. It replaces process-wide singletons with an explicitly passed,
// run-scoped object.
type NodeContext struct {
	// RunKey identifies the run (thread) this task belongs to.
	RunKey string
	// RunID identifies this invocation of the run.
	RunID string
	// Node is the name of the executing node.
	Node string
	// TaskID uniquely identifies this task within the step.
	TaskID string
	// Step is the current superstep number.
	Step int
	// Attempt is the 1-based retry attempt for this execution.
	Attempt int
	// Input carries the per-branch payload when the task was created by a
	// Send; nil for statically triggered tasks.
	Input map[string]any
	// Values is the caller-supplied run-scoped context object from RunConfig,
	// resolved by the scheduler and threaded through every node invocation.
	Values map[string]any
	// Logger is the run-scoped logger.
	Logger logging.Logger
}

// NodeFunc is the unit of computation scheduled by the engine. It receives a
// read-only snapshot of channel values as of the start of the step and returns
// its proposed writes; it must never mutate shared state directly.
type NodeFunc func(ctx context.Context, nc *NodeContext, state Snapshot) (*NodeOutput, error)
