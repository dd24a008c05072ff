package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/graphmesh/channel"
	"github.com/hupe1980/graphmesh/checkpoint"
	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/graph"
)

func appendNode(value string) core.NodeFunc {
	return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return core.Updates(map[string]any{"log": value}), nil
	}
}

func mustCompile(t *testing.T, g *graph.Graph) *graph.CompiledGraph {
	t.Helper()
	cg, err := g.Compile()
	require.NoError(t, err)
	return cg
}

// fanInGraph is the diamond a -> b,c -> d over an accumulating topic.
func fanInGraph(t *testing.T) *graph.CompiledGraph {
	g := graph.New("diamond")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", appendNode("B")))
	require.NoError(t, g.AddNode("c", appendNode("C")))
	require.NoError(t, g.AddNode("d", appendNode("D")))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "d"))
	require.NoError(t, g.AddEdge("c", "d"))
	require.NoError(t, g.SetFinishPoint("d"))
	return mustCompile(t, g)
}

func TestScheduler_FanOutFanIn(t *testing.T) {
	sched := New(fanInGraph(t))

	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 3, res.Steps)

	log, ok := res.Values["log"].([]any)
	require.True(t, ok)
	require.Len(t, log, 4)
	assert.Equal(t, "A", log[0])
	assert.ElementsMatch(t, []any{"B", "C"}, log[1:3])
	assert.Equal(t, "D", log[3])
}

func TestScheduler_Determinism(t *testing.T) {
	sched := New(fanInGraph(t))

	first, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "r1"})
	require.NoError(t, err)
	second, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "r2"})
	require.NoError(t, err)

	assert.Equal(t, first.Values, second.Values)
	assert.Equal(t, first.Steps, second.Steps)
}

func TestScheduler_FoldChannel(t *testing.T) {
	sum := func(current, incoming any) any { return current.(int) + incoming.(int) }
	write := func(n int) core.NodeFunc {
		return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
			return core.Updates(map[string]any{"total": n}), nil
		}
	}

	g := graph.New("fold")
	require.NoError(t, g.AddChannel("total", channel.NewBinaryOperator("total", sum, 0)))
	require.NoError(t, g.AddNode("n1", write(50)))
	require.NoError(t, g.AddNode("n2", write(30)))
	require.NoError(t, g.AddNode("n3", write(20)))
	require.NoError(t, g.SetEntryPoint("n1"))
	require.NoError(t, g.AddEdge("n1", "n2"))
	require.NoError(t, g.AddEdge("n2", "n3"))
	require.NoError(t, g.SetFinishPoint("n3"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, 100, res.Values["total"])
}

func TestScheduler_AtMostOneWriter(t *testing.T) {
	write := func(v string) core.NodeFunc {
		return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
			return core.Updates(map[string]any{"out": v}), nil
		}
	}

	g := graph.New("conflict")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", write("B")))
	require.NoError(t, g.AddNode("c", write("C")))
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.SetFinishPoint("b"))
	require.NoError(t, g.SetFinishPoint("c"))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidUpdate)
}

func TestScheduler_RecursionLimit(t *testing.T) {
	g := graph.New("loop")
	require.NoError(t, g.AddChannel("list", channel.NewTopic("list", true)))
	require.NoError(t, g.AddNode("a", appendListNode()))
	require.NoError(t, g.AddNode("b", appendListNode()))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddBranch("b", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		if list, _ := state["list"].([]any); len(list) >= 7 {
			return graph.RouteTo(graph.End), nil
		}
		return graph.RouteTo("a"), nil
	}, "a", graph.End))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run", RecursionLimit: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGraphRecursion)

	var recursion *core.GraphRecursionError
	require.ErrorAs(t, err, &recursion)
	assert.Equal(t, 4, recursion.Limit)
}

func appendListNode() core.NodeFunc {
	return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return core.Updates(map[string]any{"list": nc.Node}), nil
	}
}

func TestScheduler_LoopTerminatesAtFixpoint(t *testing.T) {
	g := graph.New("loop")
	require.NoError(t, g.AddChannel("list", channel.NewTopic("list", true)))
	require.NoError(t, g.AddNode("a", appendListNode()))
	require.NoError(t, g.AddNode("b", appendListNode()))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddBranch("b", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		if list, _ := state["list"].([]any); len(list) >= 4 {
			return graph.RouteTo(graph.End), nil
		}
		return graph.RouteTo("a"), nil
	}, "a", graph.End))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, []any{"a", "b", "a", "b"}, res.Values["list"])
}

func TestScheduler_RoutingErrorOnUndeclaredTarget(t *testing.T) {
	g := graph.New("bad-route")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", appendNode("B")))
	require.NoError(t, g.AddNode("c", appendNode("C")))
	require.NoError(t, g.SetEntryPoint("a"))
	// c is a known node but not a declared candidate of a's branch.
	require.NoError(t, g.AddBranch("a", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		return graph.RouteTo("c"), nil
	}, "b", graph.End))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", graph.End))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRouting)
}

func TestScheduler_SendFanOut(t *testing.T) {
	var workerRuns atomic.Int32

	g := graph.New("fan")
	require.NoError(t, g.AddChannel("results", channel.NewTopic("results", true)))
	require.NoError(t, g.AddChannel("items", channel.NewLastValue("items")))
	require.NoError(t, g.AddNode("split", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return nil, nil
	}))
	require.NoError(t, g.AddNode("worker", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		workerRuns.Add(1)
		return core.Updates(map[string]any{"results": nc.Input["item"]}), nil
	}))
	require.NoError(t, g.SetEntryPoint("split"))
	require.NoError(t, g.AddBranch("split", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		items, _ := state["items"].([]any)
		var sends []core.Send
		for _, it := range items {
			sends = append(sends, core.Send{Node: "worker", Input: map[string]any{"item": it}})
		}
		return sends, nil
	}, "worker"))
	require.NoError(t, g.SetFinishPoint("worker"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{"items": []any{"x", "y", "z"}}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), workerRuns.Load())
	results, _ := res.Values["results"].([]any)
	assert.ElementsMatch(t, []any{"x", "y", "z"}, results)
}

func TestScheduler_GotoBypassesDeclaredEdges(t *testing.T) {
	g := graph.New("goto")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("decide", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return &core.NodeOutput{
			Updates: map[string]any{"log": "decide"},
			Goto:    []core.Send{{Node: "chosen"}},
		}, nil
	}))
	require.NoError(t, g.AddNode("chosen", appendNode("chosen")))
	require.NoError(t, g.SetEntryPoint("decide"))
	// The declared branch never picks chosen; only the Goto directive does.
	require.NoError(t, g.AddBranch("decide", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		return graph.RouteTo(graph.End), nil
	}, "chosen", graph.End))
	require.NoError(t, g.AddEdge("chosen", graph.End))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, []any{"decide", "chosen"}, res.Values["log"])
}

func TestScheduler_InterruptBeforeAndResume(t *testing.T) {
	var aRuns, bRuns atomic.Int32
	counting := func(counter *atomic.Int32, value string) core.NodeFunc {
		return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
			counter.Add(1)
			return core.Updates(map[string]any{"log": value}), nil
		}
	}

	g := graph.New("pausable")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", counting(&aRuns, "A")))
	require.NoError(t, g.AddNode("b", counting(&bRuns, "B")))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	sched := New(mustCompile(t, g))
	cfg := core.RunConfig{RunKey: "run", InterruptBefore: []string{"b"}}

	res, err := sched.Invoke(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "b", res.Interrupt.Node)
	assert.True(t, res.Interrupt.Before)
	assert.Equal(t, int32(1), aRuns.Load())
	assert.Equal(t, int32(0), bRuns.Load())

	// Resuming with nil input re-enters the suspended step without
	// re-executing already applied nodes.
	res, err = sched.Invoke(context.Background(), nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, int32(1), aRuns.Load())
	assert.Equal(t, int32(1), bRuns.Load())
	assert.Equal(t, []any{"A", "B"}, res.Values["log"])
}

func TestScheduler_InterruptAfter(t *testing.T) {
	sched := New(fanInGraph(t))
	cfg := core.RunConfig{RunKey: "run", InterruptAfter: []string{"a"}}

	res, err := sched.Invoke(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "a", res.Interrupt.Node)
	assert.False(t, res.Interrupt.Before)
	assert.Equal(t, []any{"A"}, res.Values["log"])

	res, err = sched.Invoke(context.Background(), nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	require.Len(t, res.Values["log"], 4)
}

func TestScheduler_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	g := graph.New("flaky")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("flaky", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return core.Updates(map[string]any{"out": "ok"}), nil
	}, func(o *graph.NodeOptions) {
		o.Retry = &core.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	}))
	require.NoError(t, g.SetEntryPoint("flaky"))
	require.NoError(t, g.SetFinishPoint("flaky"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "ok", res.Values["out"])
}

func TestScheduler_ExhaustedRetriesCarryAttemptHistory(t *testing.T) {
	g := graph.New("broken")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("broken", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return nil, fmt.Errorf("always fails")
	}, func(o *graph.NodeOptions) {
		o.Retry = &core.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	}))
	require.NoError(t, g.SetEntryPoint("broken"))
	require.NoError(t, g.SetFinishPoint("broken"))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)

	var nodeErr *core.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "broken", nodeErr.Node)
	assert.Len(t, nodeErr.Attempts, 2)
}

func TestScheduler_ReducerConflictIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	g := graph.New("conflict")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("bad", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		calls.Add(1)
		return nil, core.NewInvalidUpdateError("out", "conflict")
	}))
	require.NoError(t, g.SetEntryPoint("bad"))
	require.NoError(t, g.SetFinishPoint("bad"))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidUpdate)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_BestEffortNodeFailureIsNonFatal(t *testing.T) {
	g := graph.New("best-effort")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("optional", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return nil, fmt.Errorf("always fails")
	}, func(o *graph.NodeOptions) {
		o.BestEffort = true
		o.Retry = &core.RetryPolicy{MaxAttempts: 1}
	}))
	require.NoError(t, g.AddNode("b", appendNode("B")))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "optional"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))
	require.NoError(t, g.AddEdge("optional", graph.End))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []any{"A", "B"}, res.Values["log"])
}

func TestScheduler_NodeTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32

	g := graph.New("slow")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("slow", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		if calls.Add(1) == 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		return core.Updates(map[string]any{"out": "ok"}), nil
	}, func(o *graph.NodeOptions) {
		o.Timeout = 20 * time.Millisecond
		o.Retry = &core.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	}))
	require.NoError(t, g.SetEntryPoint("slow"))
	require.NoError(t, g.SetFinishPoint("slow"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Values["out"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_CancellationLeavesLastCheckpointIntact(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	g := graph.New("cancellable")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("blocker", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "blocker"))
	require.NoError(t, g.SetFinishPoint("blocker"))

	sched := New(mustCompile(t, g), WithStore(store))
	_, err := sched.Invoke(ctx, map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)

	// The step that was cancelled must not be checkpointed.
	latest, err := store.Get(context.Background(), "run", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 0, latest.Step)
	assert.Equal(t, []any{"A"}, latest.ChannelValues["log"])
}

func TestScheduler_UpdateStateOverwritesOnlyTargetChannel(t *testing.T) {
	g := graph.New("state")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddChannel("other", channel.NewLastValue("other")))
	require.NoError(t, g.AddNode("a", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return core.Updates(map[string]any{"out": "original", "other": "untouched"}), nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	id, err := sched.UpdateState(context.Background(), "run", map[string]any{"out": "patched"}, "", "")
	require.NoError(t, err)

	state, err := sched.State(context.Background(), "run", id)
	require.NoError(t, err)
	assert.Equal(t, "patched", state.Values["out"])
	assert.Equal(t, "untouched", state.Values["other"])
	assert.Equal(t, core.SourceUpdate, state.Source)
}

func TestScheduler_UpdateStateAsNodeTriggersSuccessors(t *testing.T) {
	var bRuns atomic.Int32

	g := graph.New("state")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		bRuns.Add(1)
		return core.Updates(map[string]any{"log": "B"}), nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	sched := New(mustCompile(t, g))

	// Seed the run state as if node a already ran, then resume.
	_, err := sched.UpdateState(context.Background(), "run", map[string]any{"log": "A"}, "a", "")
	require.NoError(t, err)

	res, err := sched.Invoke(context.Background(), nil, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), bRuns.Load())
	assert.Equal(t, []any{"A", "B"}, res.Values["log"])
}

func TestScheduler_ForkFromHistoricalCheckpoint(t *testing.T) {
	g := graph.New("fork")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", appendNode("B")))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	history, err := sched.History(context.Background(), "run", core.ListOptions{})
	require.NoError(t, err)
	require.Len(t, history, 3) // input, step 0, step 1

	// Fork from the checkpoint after step 0 and patch the log.
	afterA := history[1]
	assert.Equal(t, 0, afterA.Step)

	forkID, err := sched.UpdateState(context.Background(), "run", map[string]any{"log": "patched"}, "", afterA.CheckpointID)
	require.NoError(t, err)

	forked, err := sched.State(context.Background(), "run", forkID)
	require.NoError(t, err)
	assert.Equal(t, core.SourceFork, forked.Source)
	assert.Equal(t, afterA.CheckpointID, forked.ParentID)

	// The original terminal state is unaffected.
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, []any{"A", "B"}, res.Values["log"])
}

func TestScheduler_StateReportsNextNodes(t *testing.T) {
	sched := New(fanInGraph(t))
	cfg := core.RunConfig{RunKey: "run", InterruptBefore: []string{"d"}}

	res, err := sched.Invoke(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	state, err := sched.State(context.Background(), "run", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, state.Next)
}

func TestScheduler_SubgraphEscalation(t *testing.T) {
	child := graph.New("child")
	require.NoError(t, child.AddChannel("scratch", channel.NewLastValue("scratch")))
	require.NoError(t, child.AddNode("inner", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return &core.NodeOutput{
			Updates:  map[string]any{"scratch": "local"},
			Escalate: map[string]any{"result": "from-child"},
		}, nil
	}))
	require.NoError(t, child.SetEntryPoint("inner"))
	require.NoError(t, child.SetFinishPoint("inner"))

	store := checkpoint.NewInMemoryStore()
	childSched := New(mustCompile(t, child), WithStore(store))

	parent := graph.New("parent")
	require.NoError(t, parent.AddChannel("result", channel.NewLastValue("result")))
	require.NoError(t, parent.AddNode("sub", childSched.AsNode()))
	require.NoError(t, parent.SetEntryPoint("sub"))
	require.NoError(t, parent.SetFinishPoint("sub"))

	parentSched := New(mustCompile(t, parent), WithStore(store))
	res, err := parentSched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	// Escalated writes land on the parent channel; the child's local channel
	// stays in the child namespace.
	assert.Equal(t, "from-child", res.Values["result"])
	_, ok := res.Values["scratch"]
	assert.False(t, ok)

	childState, err := childSched.State(context.Background(), core.ChildRunKey("run", 0, "child"), "")
	require.NoError(t, err)
	require.NotNil(t, childState)
	assert.Equal(t, "local", childState.Values["scratch"])
}

func TestScheduler_EscalationWithoutParentFails(t *testing.T) {
	g := graph.New("orphan-escalation")
	require.NoError(t, g.AddChannel("out", channel.NewLastValue("out")))
	require.NoError(t, g.AddNode("a", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return &core.NodeOutput{Escalate: map[string]any{"out": "up"}}, nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.SetFinishPoint("a"))

	sched := New(mustCompile(t, g))
	_, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEscalationWithoutParent))
}

func TestScheduler_StreamEmitsPerStep(t *testing.T) {
	sched := New(fanInGraph(t))

	_, events, errs, err := sched.Stream(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	var collected []core.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NoError(t, <-errs)

	require.Len(t, collected, 3)
	assert.Equal(t, 0, collected[0].Step)
	assert.Equal(t, 2, collected[2].Step)
	log, _ := collected[2].Values["log"].([]any)
	assert.Len(t, log, 4)
}

func TestScheduler_StreamUpdatesMode(t *testing.T) {
	sched := New(fanInGraph(t))

	cfg := core.RunConfig{RunKey: "run", StreamMode: core.StreamUpdates}
	_, events, errs, err := sched.Stream(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)

	var collected []core.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NoError(t, <-errs)

	require.Len(t, collected, 3)
	assert.Equal(t, map[string]any{"log": "A"}, collected[0].Updates["a"])
	assert.Equal(t, map[string]any{"log": "B"}, collected[1].Updates["b"])
	assert.Equal(t, map[string]any{"log": "C"}, collected[1].Updates["c"])
}

func TestScheduler_StreamDebugMode(t *testing.T) {
	sched := New(fanInGraph(t))

	cfg := core.RunConfig{RunKey: "run", StreamMode: core.StreamDebug}
	_, events, errs, err := sched.Stream(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)

	var collected []core.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NoError(t, <-errs)

	require.Len(t, collected, 3)
	require.NotNil(t, collected[1].Debug)
	assert.Len(t, collected[1].Debug.Tasks, 2) // b and c ran concurrently
}

func TestScheduler_EphemeralChannelClearsAfterStep(t *testing.T) {
	g := graph.New("ephemeral")
	require.NoError(t, g.AddChannel("signal", channel.NewEphemeral("signal")))
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		return core.Updates(map[string]any{"signal": "go", "log": "A"}), nil
	}))
	require.NoError(t, g.AddNode("b", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		v, ok := state["signal"]
		if !ok {
			return nil, fmt.Errorf("signal not visible")
		}
		return core.Updates(map[string]any{"log": v}), nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	sched := New(mustCompile(t, g))
	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, []any{"A", "go"}, res.Values["log"])
	// The one-shot value is cleared once its step is over.
	_, ok := res.Values["signal"]
	assert.False(t, ok)
}

func TestScheduler_ResumeAfterCompletionIsNoOp(t *testing.T) {
	sched := New(fanInGraph(t))

	first, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	again, err := sched.Invoke(context.Background(), nil, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, again.Status)
	assert.Equal(t, 0, again.Steps)
	assert.Equal(t, first.Values, again.Values)
}

func TestScheduler_ResumeAfterInterruptAfterHonorsInterruptBefore(t *testing.T) {
	var aRuns, bRuns atomic.Int32
	counting := func(counter *atomic.Int32, value string) core.NodeFunc {
		return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
			counter.Add(1)
			return core.Updates(map[string]any{"log": value}), nil
		}
	}

	g := graph.New("gated")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddNode("a", counting(&aRuns, "A")))
	require.NoError(t, g.AddNode("b", counting(&bRuns, "B")))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	sched := New(mustCompile(t, g))
	cfg := core.RunConfig{RunKey: "run", InterruptAfter: []string{"a"}, InterruptBefore: []string{"b"}}

	res, err := sched.Invoke(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "a", res.Interrupt.Node)
	assert.False(t, res.Interrupt.Before)

	// Resuming past the interrupt-after must still stop before b; only a
	// resume from the interrupt-before itself gets to cross that gate.
	res, err = sched.Invoke(context.Background(), nil, cfg)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "b", res.Interrupt.Node)
	assert.True(t, res.Interrupt.Before)
	assert.Equal(t, int32(0), bRuns.Load())

	res, err = sched.Invoke(context.Background(), nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, int32(1), aRuns.Load())
	assert.Equal(t, int32(1), bRuns.Load())
	assert.Equal(t, []any{"A", "B"}, res.Values["log"])
}

func TestScheduler_RecursionLimitCountsPerInvocation(t *testing.T) {
	g := graph.New("loop")
	require.NoError(t, g.AddChannel("list", channel.NewTopic("list", true)))
	require.NoError(t, g.AddNode("a", appendListNode()))
	require.NoError(t, g.AddNode("b", appendListNode()))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddBranch("b", func(ctx context.Context, state core.Snapshot) ([]core.Send, error) {
		if list, _ := state["list"].([]any); len(list) >= 6 {
			return graph.RouteTo(graph.End), nil
		}
		return graph.RouteTo("a"), nil
	}, "a", graph.End))

	sched := New(mustCompile(t, g))
	cfg := core.RunConfig{RunKey: "run", RecursionLimit: 2, InterruptAfter: []string{"a", "b"}}

	// Every invocation applies a single step before suspending. The limit
	// budgets one invocation, so the run stays resumable no matter how many
	// supersteps its lifetime accumulates.
	res, err := sched.Invoke(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)
	for i := 0; i < 10 && res.Status == StatusSuspended; i++ {
		res, err = sched.Invoke(context.Background(), nil, cfg)
		require.NoError(t, err)
	}

	assert.Equal(t, StatusDone, res.Status)
	list, ok := res.Values["list"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 6)
}

func TestScheduler_StreamSuspensionEventMatchesStepEvent(t *testing.T) {
	sched := New(fanInGraph(t))
	cfg := core.RunConfig{RunKey: "run", InterruptAfter: []string{"a"}}

	_, events, errs, err := sched.Stream(context.Background(), map[string]any{}, cfg)
	require.NoError(t, err)

	var collected []core.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NoError(t, <-errs)

	require.Len(t, collected, 2)
	require.NotNil(t, collected[1].Interrupt)
	assert.Equal(t, collected[0].Step, collected[1].Step)
	assert.Equal(t, collected[0].CheckpointID, collected[1].CheckpointID)
}

func TestScheduler_UpdateStatePreservesRecoveredWrites(t *testing.T) {
	var bRuns atomic.Int32

	g := graph.New("recover")
	require.NoError(t, g.AddChannel("log", channel.NewTopic("log", true)))
	require.NoError(t, g.AddChannel("note", channel.NewLastValue("note")))
	require.NoError(t, g.AddNode("a", appendNode("A")))
	require.NoError(t, g.AddNode("b", func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		bRuns.Add(1)
		return core.Updates(map[string]any{"log": "B"}), nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))

	store := checkpoint.NewInMemoryStore()
	sched := New(mustCompile(t, g), WithStore(store))

	res, err := sched.Invoke(context.Background(), map[string]any{}, core.RunConfig{RunKey: "run", InterruptBefore: []string{"b"}})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	// Buffer finished task output for the suspended step, the way crash
	// recovery would have left it behind.
	err = store.PutPendingWrites(context.Background(), "run", res.CheckpointID, "1:b:0", []core.PendingWrite{{Channel: "log", Value: "B"}})
	require.NoError(t, err)

	id, err := sched.UpdateState(context.Background(), "run", map[string]any{"note": "edited"}, "", "")
	require.NoError(t, err)

	ckpt, err := store.Get(context.Background(), "run", id)
	require.NoError(t, err)
	require.Len(t, ckpt.PendingWrites, 1)
	assert.Equal(t, "1:b:0", ckpt.PendingWrites[0].TaskID)

	// Resuming replays the buffered write instead of re-executing b.
	out, err := sched.Invoke(context.Background(), nil, core.RunConfig{RunKey: "run"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, int32(0), bRuns.Load())
	assert.Equal(t, []any{"A", "B"}, out.Values["log"])
	assert.Equal(t, "edited", out.Values["note"])
}
