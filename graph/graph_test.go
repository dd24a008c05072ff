package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphmesh/channel"
	"github.com/hupe1980/graphmesh/core"
)

func noopNode(context.Context, *core.NodeContext, core.Snapshot) (*core.NodeOutput, error) {
	return nil, nil
}

func TestGraph_AddNode(t *testing.T) {
	g := New("test")

	require.NoError(t, g.AddNode("a", noopNode))

	err := g.AddNode("a", noopNode)
	assert.ErrorIs(t, err, ErrInvalidGraph)

	assert.ErrorIs(t, g.AddNode(Start, noopNode), ErrInvalidGraph)
	assert.ErrorIs(t, g.AddNode(End, noopNode), ErrInvalidGraph)
	assert.ErrorIs(t, g.AddNode("", noopNode), ErrInvalidGraph)
	assert.ErrorIs(t, g.AddNode("b", nil), ErrInvalidGraph)
}

func TestGraph_AddChannel(t *testing.T) {
	g := New("test")

	require.NoError(t, g.AddChannel("state", channel.NewLastValue("state")))

	err := g.AddChannel("state", channel.NewLastValue("state"))
	assert.ErrorIs(t, err, ErrInvalidGraph)

	err = g.AddChannel(TriggerChannel("a"), channel.NewTopic(TriggerChannel("a"), false))
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestGraph_EdgeSentinels(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))

	assert.ErrorIs(t, g.AddEdge(End, "a"), ErrInvalidGraph)
	assert.ErrorIs(t, g.AddEdge("a", Start), ErrInvalidGraph)
	assert.NoError(t, g.AddEdge(Start, "a"))
	assert.NoError(t, g.AddEdge("a", End))
}

func TestCompile_MissingEntryPoint(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetFinishPoint("a"))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_NoNodes(t *testing.T) {
	_, err := New("test").Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_UnreachableNode(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.AddNode("orphan", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.Contains(t, err.Error(), "orphan")
}

func TestCompile_SubscribedNodeIsReachable(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddChannel("signal", channel.NewEphemeral("signal")))
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.AddNode("listener", noopNode, func(o *NodeOptions) {
		o.Subscribes = []string{"signal"}
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	_, err := g.Compile()
	assert.NoError(t, err)
}

func TestCompile_UndeclaredSubscription(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode, func(o *NodeOptions) {
		o.Subscribes = []string{"missing"}
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_NoPathToEnd(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_UnknownEdgeTarget(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "ghost"))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_UnknownBranchCandidate(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddBranch("a", func(ctx context.Context, s core.Snapshot) ([]core.Send, error) {
		return RouteTo(End), nil
	}, "ghost", End))

	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestCompile_ResolvesTriggersAndSubscribers(t *testing.T) {
	g := New("flow")
	require.NoError(t, g.AddChannel("state", channel.NewLastValue("state")))
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.AddNode("b", noopNode, func(o *NodeOptions) {
		o.Subscribes = []string{"state"}
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	cg, err := g.Compile()
	require.NoError(t, err)

	assert.Equal(t, "flow", cg.Name())
	assert.Equal(t, []string{"a", "b"}, cg.NodeNames())
	assert.Equal(t, []string{"a"}, cg.EntryNodes())
	assert.Equal(t, []string{TriggerChannel("a")}, cg.Triggers("a"))
	assert.Equal(t, []string{TriggerChannel("b"), "state"}, cg.Triggers("b"))
	assert.Equal(t, []string{"b"}, cg.Subscribers("state"))
	assert.Equal(t, []string{"b"}, cg.Successors("a"))
	assert.True(t, cg.HasChannel("state"))
	assert.True(t, cg.HasChannel(TriggerChannel("a")))
}

func TestCompile_NewChannelsAreIndependent(t *testing.T) {
	g := New("flow")
	require.NoError(t, g.AddChannel("state", channel.NewLastValue("state")))
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	cg, err := g.Compile()
	require.NoError(t, err)

	first := cg.NewChannels()
	_, err = first["state"].Update([]any{"v"})
	require.NoError(t, err)

	second := cg.NewChannels()
	_, err = second["state"].Get()
	assert.ErrorIs(t, err, core.ErrEmptyChannel)
}

func TestCompile_IsRepeatable(t *testing.T) {
	g := New("flow")
	require.NoError(t, g.AddNode("a", noopNode))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	first, err := g.Compile()
	require.NoError(t, err)
	second, err := g.Compile()
	require.NoError(t, err)

	assert.Equal(t, first.NodeNames(), second.NodeNames())
	assert.Equal(t, first.EntryNodes(), second.EntryNodes())
	assert.Equal(t, first.Triggers("a"), second.Triggers("a"))
}
