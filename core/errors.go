package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyChannel is returned when a channel is read before its first write
// and no default value exists.
var ErrEmptyChannel = errors.New("channel is empty")

// ErrInvalidUpdate is the sentinel matched by errors.Is for all
// InvalidUpdateError values (reducer conflicts, unknown channels).
var ErrInvalidUpdate = errors.New("invalid channel update")

// ErrGraphRecursion is the sentinel matched by errors.Is for
// GraphRecursionError values.
var ErrGraphRecursion = errors.New("graph recursion limit exceeded")

// ErrRouting is the sentinel matched by errors.Is for RoutingError values.
var ErrRouting = errors.New("routing error")

// ErrCheckpointNotFound is returned when a requested checkpoint id does not
// exist under the given run key.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrOutOfOrderCheckpoint is returned by stores when a Put references a parent
// checkpoint unknown to the run, indicating concurrent writers applied steps
// out of order.
var ErrOutOfOrderCheckpoint = errors.New("out-of-order checkpoint put")

// ErrEscalationWithoutParent is returned when a node escalates writes but the
// run has no enclosing parent execution to receive them.
var ErrEscalationWithoutParent = errors.New("escalation without parent execution")

// InvalidUpdateError reports a reducer conflict: a single-writer channel
// received multiple concurrent writes, an any-equal channel received unequal
// writes, or a write targeted an undeclared channel.
type InvalidUpdateError struct {
	Channel string
	Reason  string
}

// Error implements the error interface.
func (e *InvalidUpdateError) Error() string {
	return fmt.Sprintf("invalid update for channel %q: %s", e.Channel, e.Reason)
}

// Is reports sentinel identity so callers can use errors.Is(err, ErrInvalidUpdate).
func (e *InvalidUpdateError) Is(target error) bool { return target == ErrInvalidUpdate }

// NewInvalidUpdateError constructs an InvalidUpdateError for a channel.
func NewInvalidUpdateError(channel, reason string) *InvalidUpdateError {
	return &InvalidUpdateError{Channel: channel, Reason: reason}
}

// GraphRecursionError signals that the superstep counter exceeded the
// configured recursion limit while nodes were still active. It is a
// distinguished failure, never a silent truncation.
type GraphRecursionError struct {
	Limit int
	Step  int
}

// Error implements the error interface.
func (e *GraphRecursionError) Error() string {
	return fmt.Sprintf("recursion limit %d exceeded at step %d without reaching a fixpoint", e.Limit, e.Step)
}

// Is reports sentinel identity so callers can use errors.Is(err, ErrGraphRecursion).
func (e *GraphRecursionError) Is(target error) bool { return target == ErrGraphRecursion }

// RoutingError reports a conditional edge returning a target outside its
// declared candidate set. It is fatal and surfaced immediately.
type RoutingError struct {
	Node       string
	Target     string
	Candidates []string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("branch from node %q routed to undeclared target %q (candidates: %s)",
		e.Node, e.Target, strings.Join(e.Candidates, ", "))
}

// Is reports sentinel identity so callers can use errors.Is(err, ErrRouting).
func (e *RoutingError) Is(target error) bool { return target == ErrRouting }

// Attempt records a single failed execution attempt of a node task.
type Attempt struct {
	Number int           `json:"number"`
	Err    string        `json:"error"`
	At     time.Time     `json:"at"`
	Delay  time.Duration `json:"delay"`
}

// NodeError wraps the terminal failure of a node task after its retry policy
// is exhausted, carrying the full attempt history.
type NodeError struct {
	Node     string
	Task     string
	Attempts []Attempt
	Err      error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed after %d attempt(s): %v", e.Node, len(e.Attempts), e.Err)
}

// Unwrap returns the final underlying error for errors.Is/As traversal.
func (e *NodeError) Unwrap() error { return e.Err }

// NewNodeError constructs a NodeError from the last error and attempt history.
func NewNodeError(node, task string, attempts []Attempt, err error) *NodeError {
	return &NodeError{Node: node, Task: task, Attempts: attempts, Err: err}
}
