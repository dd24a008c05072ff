package graph

import (
	"context"
	"time"

	"github.com/hupe1980/graphmesh/core"
)

// Node is a named unit of computation with its scheduling options.
type Node struct {
	// Name uniquely identifies the node within the graph.
	Name string
	// Fn is the node's pure function from channel reads to proposed writes.
	Fn core.NodeFunc
	// Retry overrides the engine's default retry policy for this node.
	Retry *core.RetryPolicy
	// Timeout bounds a single execution attempt. Zero means no timeout.
	Timeout time.Duration
	// BestEffort marks the node's failure as non-fatal: exhausted retries are
	// logged and the step proceeds without its writes.
	BestEffort bool
	// Subscribes lists data channels whose updates activate this node in
	// addition to its edge-derived trigger channel.
	Subscribes []string
}

// NodeOptions configures optional node behavior at registration time.
type NodeOptions struct {
	// Retry overrides the engine default retry policy.
	Retry *core.RetryPolicy
	// Timeout bounds a single execution attempt.
	Timeout time.Duration
	// BestEffort makes exhausted retries non-fatal for the step.
	BestEffort bool
	// Subscribes adds data channels as activation triggers.
	Subscribes []string
}

// BranchFunc is a conditional routing function. It inspects the post-apply
// channel values and returns the next targets, optionally carrying a
// per-branch input payload for dynamic fan-out.
type BranchFunc func(ctx context.Context, state core.Snapshot) ([]core.Send, error)

// Branch is a conditional edge with its declared candidate target set.
type Branch struct {
	From       string
	Fn         BranchFunc
	Candidates []string
}

// RouteTo adapts a plain list of node names into the Sends a BranchFunc
// returns, for routing functions that carry no per-branch input.
func RouteTo(nodes ...string) []core.Send {
	sends := make([]core.Send, 0, len(nodes))
	for _, n := range nodes {
		sends = append(sends, core.Send{Node: n})
	}
	return sends
}
