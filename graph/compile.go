package graph

import (
	"fmt"
	"sort"

	"github.com/hupe1980/graphmesh/channel"
)

// CompiledGraph is the executable plan produced by Compile: an immutable
// mapping of each channel to its subscriber nodes and each node to its trigger
// channels, plus the resolved routing tables. It is safe for concurrent use.
type CompiledGraph struct {
	name          string
	nodes         map[string]*Node
	nodeOrder     []string
	channels      map[string]channel.Channel
	triggers      map[string][]string
	subscribers   map[string][]string
	successors    map[string][]string
	branches      map[string][]*Branch
	entryNodes    []string
	entryBranches []*Branch
}

// Compile validates the definition and resolves it into an executable plan.
// Validation errors cover: missing entry point, unknown edge or branch
// endpoints, undeclared subscribed channels, unreachable nodes, and the
// absence of any path to the terminal sentinel. Compile does not mutate the
// builder; compiling twice yields structurally equivalent plans.
func (g *Graph) Compile() (*CompiledGraph, error) {
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no nodes", ErrInvalidGraph, g.name)
	}
	if len(g.edges[Start]) == 0 && len(g.branches[Start]) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no entry point", ErrInvalidGraph, g.name)
	}

	if err := g.validateEndpoints(); err != nil {
		return nil, err
	}
	if err := g.validateReachability(); err != nil {
		return nil, err
	}

	cg := &CompiledGraph{
		name:        g.name,
		nodes:       map[string]*Node{},
		nodeOrder:   append([]string(nil), g.nodeOrder...),
		channels:    map[string]channel.Channel{},
		triggers:    map[string][]string{},
		subscribers: map[string][]string{},
		successors:  map[string][]string{},
		branches:    map[string][]*Branch{},
	}

	for name, ch := range g.channels {
		cg.channels[name] = ch.Copy()
	}

	for _, name := range g.nodeOrder {
		node := g.nodes[name]
		cg.nodes[name] = node

		// Every node gets an internal trigger channel written by its
		// predecessors; explicit subscriptions add data channels on top.
		trigger := TriggerChannel(name)
		cg.channels[trigger] = channel.NewTopic(trigger, false)
		cg.triggers[name] = append([]string{trigger}, node.Subscribes...)
		for _, ch := range cg.triggers[name] {
			cg.subscribers[ch] = append(cg.subscribers[ch], name)
		}
	}

	for from, targets := range g.edges {
		if from == Start {
			for _, t := range targets {
				if t != End {
					cg.entryNodes = append(cg.entryNodes, t)
				}
			}
			continue
		}
		cg.successors[from] = append(cg.successors[from], targets...)
	}
	sort.Strings(cg.entryNodes)

	for from, branches := range g.branches {
		if from == Start {
			cg.entryBranches = append(cg.entryBranches, branches...)
			continue
		}
		cg.branches[from] = append(cg.branches[from], branches...)
	}

	return cg, nil
}

// validateEndpoints checks that every edge and branch references registered
// nodes (or the Start/End sentinels) and declared channels.
func (g *Graph) validateEndpoints() error {
	exists := func(name string) bool {
		if name == Start || name == End {
			return true
		}
		_, ok := g.nodes[name]
		return ok
	}

	for from, targets := range g.edges {
		if !exists(from) {
			return fmt.Errorf("%w: edge from unknown node %q", ErrInvalidGraph, from)
		}
		for _, to := range targets {
			if !exists(to) {
				return fmt.Errorf("%w: edge from %q to unknown node %q", ErrInvalidGraph, from, to)
			}
		}
	}

	for from, branches := range g.branches {
		if !exists(from) {
			return fmt.Errorf("%w: branch from unknown node %q", ErrInvalidGraph, from)
		}
		for _, b := range branches {
			for _, c := range b.Candidates {
				if !exists(c) {
					return fmt.Errorf("%w: branch from %q declares unknown candidate %q", ErrInvalidGraph, from, c)
				}
			}
		}
	}

	for _, name := range g.nodeOrder {
		for _, sub := range g.nodes[name].Subscribes {
			if _, ok := g.channels[sub]; !ok {
				return fmt.Errorf("%w: node %q subscribes to undeclared channel %q", ErrInvalidGraph, name, sub)
			}
		}
	}

	return nil
}

// validateReachability walks edges and branch candidates from Start, requiring
// every node to be reachable and at least one path to End. Nodes activated
// purely by data-channel subscriptions are treated as reachable.
func (g *Graph) validateReachability() error {
	visited := map[string]bool{}
	queue := []string{Start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		for _, to := range g.edges[cur] {
			if !visited[to] {
				queue = append(queue, to)
			}
		}
		for _, b := range g.branches[cur] {
			for _, c := range b.Candidates {
				if !visited[c] {
					queue = append(queue, c)
				}
			}
		}
	}

	if !visited[End] {
		return fmt.Errorf("%w: no path from entry point to terminal", ErrInvalidGraph)
	}

	for _, name := range g.nodeOrder {
		if !visited[name] && len(g.nodes[name].Subscribes) == 0 {
			return fmt.Errorf("%w: node %q is unreachable from the entry point", ErrInvalidGraph, name)
		}
	}

	return nil
}

// Name returns the compiled graph's name.
func (cg *CompiledGraph) Name() string { return cg.name }

// Node returns the named node and whether it exists.
func (cg *CompiledGraph) Node(name string) (*Node, bool) {
	n, ok := cg.nodes[name]
	return n, ok
}

// NodeNames returns node names in registration order.
func (cg *CompiledGraph) NodeNames() []string {
	return append([]string(nil), cg.nodeOrder...)
}

// NewChannels materializes a fresh channel set from the compiled prototypes,
// including the internal trigger channels.
func (cg *CompiledGraph) NewChannels() map[string]channel.Channel {
	channels := make(map[string]channel.Channel, len(cg.channels))
	for name, proto := range cg.channels {
		channels[name] = proto.Copy()
	}
	return channels
}

// HasChannel reports whether the channel name is part of the plan.
func (cg *CompiledGraph) HasChannel(name string) bool {
	_, ok := cg.channels[name]
	return ok
}

// Triggers returns the channels whose updates activate the node.
func (cg *CompiledGraph) Triggers(node string) []string {
	return cg.triggers[node]
}

// Subscribers returns the nodes activated by updates to the channel.
func (cg *CompiledGraph) Subscribers(channelName string) []string {
	return cg.subscribers[channelName]
}

// Successors returns the static-edge targets of the node (End included).
func (cg *CompiledGraph) Successors(node string) []string {
	return cg.successors[node]
}

// Branches returns the conditional edges leaving the node.
func (cg *CompiledGraph) Branches(node string) []*Branch {
	return cg.branches[node]
}

// EntryNodes returns the static entry targets, sorted.
func (cg *CompiledGraph) EntryNodes() []string {
	return append([]string(nil), cg.entryNodes...)
}

// EntryBranches returns the conditional entry points.
func (cg *CompiledGraph) EntryBranches() []*Branch {
	return cg.entryBranches
}
