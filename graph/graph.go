package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/graphmesh/channel"
	"github.com/hupe1980/graphmesh/core"
)

const (
	// Start is the designated entry sentinel. Edges from Start seed the first
	// superstep.
	Start = "__start__"
	// End is the designated terminal sentinel. Routing to End triggers
	// nothing; a run completes when no node remains active.
	End = "__end__"
)

// ErrInvalidGraph is the sentinel wrapped by all graph validation errors.
var ErrInvalidGraph = errors.New("invalid graph definition")

// triggerPrefix namespaces the internal trigger channels created per node at
// compile time.
const triggerPrefix = "trigger:"

// TriggerChannel returns the internal trigger channel name for a node.
func TriggerChannel(node string) string { return triggerPrefix + node }

// IsTriggerChannel reports whether a channel name is an internal trigger.
func IsTriggerChannel(name string) bool { return strings.HasPrefix(name, triggerPrefix) }

// Graph is a mutable builder for an immutable graph definition. It is not safe
// for concurrent use; build it fully, then Compile.
type Graph struct {
	name      string
	nodes     map[string]*Node
	nodeOrder []string
	channels  map[string]channel.Channel
	edges     map[string][]string
	branches  map[string][]*Branch
}

// New constructs an empty graph definition with the given name.
func New(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    map[string]*Node{},
		channels: map[string]channel.Channel{},
		edges:    map[string][]string{},
		branches: map[string][]*Branch{},
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// AddChannel declares a named state channel. Writes to undeclared channels are
// rejected at runtime, so every channel a node touches must be declared.
func (g *Graph) AddChannel(name string, ch channel.Channel) error {
	if name == "" || IsTriggerChannel(name) {
		return fmt.Errorf("%w: invalid channel name %q", ErrInvalidGraph, name)
	}
	if _, exists := g.channels[name]; exists {
		return fmt.Errorf("%w: channel %q already declared", ErrInvalidGraph, name)
	}
	g.channels[name] = ch
	return nil
}

// AddNode registers a named node function. Node names must be unique and must
// not collide with the Start/End sentinels.
func (g *Graph) AddNode(name string, fn core.NodeFunc, optFns ...func(o *NodeOptions)) error {
	if name == "" || name == Start || name == End {
		return fmt.Errorf("%w: reserved or empty node name %q", ErrInvalidGraph, name)
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("%w: node %q already registered", ErrInvalidGraph, name)
	}
	if fn == nil {
		return fmt.Errorf("%w: node %q has no function", ErrInvalidGraph, name)
	}

	opts := NodeOptions{}
	for _, f := range optFns {
		f(&opts)
	}

	g.nodes[name] = &Node{
		Name:       name,
		Fn:         fn,
		Retry:      opts.Retry,
		Timeout:    opts.Timeout,
		BestEffort: opts.BestEffort,
		Subscribes: append([]string(nil), opts.Subscribes...),
	}
	g.nodeOrder = append(g.nodeOrder, name)

	return nil
}

// AddEdge declares a static edge: whenever from's writes are applied, to is
// activated next step. from may be Start and to may be End.
func (g *Graph) AddEdge(from, to string) error {
	if from == End {
		return fmt.Errorf("%w: edge from terminal sentinel", ErrInvalidGraph)
	}
	if to == Start {
		return fmt.Errorf("%w: edge into entry sentinel", ErrInvalidGraph)
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// AddBranch declares a conditional edge from a node. After from's step is
// applied, fn is evaluated against the new channel values; any returned target
// outside candidates is a routing error at runtime.
func (g *Graph) AddBranch(from string, fn BranchFunc, candidates ...string) error {
	if from == End {
		return fmt.Errorf("%w: branch from terminal sentinel", ErrInvalidGraph)
	}
	if fn == nil {
		return fmt.Errorf("%w: branch from %q has no routing function", ErrInvalidGraph, from)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: branch from %q declares no candidates", ErrInvalidGraph, from)
	}
	g.branches[from] = append(g.branches[from], &Branch{
		From:       from,
		Fn:         fn,
		Candidates: append([]string(nil), candidates...),
	})
	return nil
}

// SetEntryPoint declares node as the static entry point.
func (g *Graph) SetEntryPoint(node string) error { return g.AddEdge(Start, node) }

// SetFinishPoint declares node as a terminal: its completion can end the run.
func (g *Graph) SetFinishPoint(node string) error { return g.AddEdge(node, End) }
