package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/graphmesh/channel"
	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/graph"
)

// escalatePrefix namespaces buffered writes addressed to the parent execution
// so they survive the same persistence path as ordinary channel writes.
const escalatePrefix = "escalate:"

// task is one scheduled node execution within a superstep. Task ids are
// deterministic (step, node, index) so recovered pending writes can be matched
// to their task across process restarts.
type task struct {
	id    string
	node  *graph.Node
	input map[string]any
}

// taskResult carries a finished task's buffered writes plus its debug trace.
type taskResult struct {
	task   *task
	writes []core.PendingWrite
	debug  core.TaskDebug
}

// plan computes the tasks for the upcoming step: a node is active iff at least
// one of its trigger channels carries a version newer than the one it last
// observed. Send payloads buffered in a node's trigger topic fan out into one
// task per payload. plan does not mutate state; commitPlan does.
func (s *Scheduler) plan(st *runState) []*task {
	var tasks []*task

	for _, name := range s.graph.NodeNames() {
		node, _ := s.graph.Node(name)

		active := false
		for _, trig := range s.graph.Triggers(name) {
			if st.versions[trig] > st.seen[name][trig] {
				active = true
				break
			}
		}
		if !active {
			continue
		}

		var payloads []any
		if ch, ok := st.channels[graph.TriggerChannel(name)]; ok {
			if v, err := ch.Get(); err == nil {
				payloads, _ = v.([]any)
			}
		}

		var sends []map[string]any
		static := len(payloads) == 0 // activated purely by a data-channel subscription
		for _, p := range payloads {
			if m, ok := p.(map[string]any); ok {
				sends = append(sends, m)
			} else {
				static = true
			}
		}

		if static {
			tasks = append(tasks, &task{id: taskID(st.step, name, 0), node: node})
		}
		for i, input := range sends {
			tasks = append(tasks, &task{id: taskID(st.step, name, i+1), node: node, input: input})
		}
	}

	return tasks
}

func taskID(step int, node string, idx int) string {
	return fmt.Sprintf("%d:%s:%d", step, node, idx)
}

// commitPlan records the channel versions observed by the planned nodes and
// clears the consumed trigger topics plus all ephemeral channels. It runs only
// once the step is committed to execute, so an interrupt-before suspension
// replans the identical step on resume.
func (s *Scheduler) commitPlan(st *runState, tasks []*task) {
	planned := map[string]bool{}
	for _, t := range tasks {
		planned[t.node.Name] = true
	}

	for name := range planned {
		seen := st.seen[name]
		if seen == nil {
			seen = map[string]int64{}
			st.seen[name] = seen
		}
		for _, trig := range s.graph.Triggers(name) {
			seen[trig] = st.versions[trig]
		}
		if ch, ok := st.channels[graph.TriggerChannel(name)]; ok {
			ch.Consume()
		}
	}

	for name, ch := range st.channels {
		if graph.IsTriggerChannel(name) {
			continue
		}
		if _, ok := ch.(*channel.Ephemeral); ok {
			ch.Consume()
		}
	}
}

// execute runs all tasks of the step concurrently against the shared
// snapshot. Writes are buffered per task and persisted as pending writes for
// crash recovery; nothing is applied here. A non-best-effort task failure
// fails the whole step.
func (s *Scheduler) execute(ctx context.Context, runKey, runID string, st *runState, cfg core.RunConfig, tasks []*task, snap core.Snapshot) ([]*taskResult, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]*taskResult, len(tasks))
		fatal   error
	)

	sem := make(chan struct{}, s.concurrency(len(tasks)))

	for i, t := range tasks {
		// Recovered writes from a crashed step short-circuit re-execution.
		if writes, ok := st.pending[t.id]; ok {
			results[i] = &taskResult{task: t, writes: writes, debug: core.TaskDebug{TaskID: t.id, Node: t.node.Name}}
			continue
		}

		wg.Add(1)
		go func(i int, t *task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-execCtx.Done():
				return
			}

			res, err := s.executeTask(execCtx, runKey, runID, st, cfg, t, snap)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if t.node.BestEffort {
					s.logger.Warn("best-effort node failed node=%s task_id=%s err=%v", t.node.Name, t.id, err)
					results[i] = &taskResult{task: t, debug: core.TaskDebug{TaskID: t.id, Node: t.node.Name, Error: err.Error()}}
					return
				}
				if fatal == nil {
					fatal = err
					cancel()
				}
				return
			}
			results[i] = res
		}(i, t)
	}

	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]*taskResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Scheduler) concurrency(tasks int) int {
	if s.config.MaxConcurrentTasks > 0 && s.config.MaxConcurrentTasks < tasks {
		return s.config.MaxConcurrentTasks
	}
	if tasks == 0 {
		return 1
	}
	return tasks
}

// executeTask drives the retry loop for a single task and buffers its writes
// with the store on success.
func (s *Scheduler) executeTask(ctx context.Context, runKey, runID string, st *runState, cfg core.RunConfig, t *task, snap core.Snapshot) (*taskResult, error) {
	policy := s.config.DefaultRetry
	if t.node.Retry != nil {
		policy = *t.node.Retry
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if policy.BaseDelay > 0 {
		bo.InitialInterval = policy.BaseDelay
	}
	if policy.Multiplier > 0 {
		bo.Multiplier = policy.Multiplier
	}
	if policy.MaxDelay > 0 {
		bo.MaxInterval = policy.MaxDelay
	}
	if !policy.Jitter {
		bo.RandomizationFactor = 0
	}
	bo.Reset()

	start := time.Now()
	var attempts []core.Attempt

	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		out, err := s.attempt(ctx, runKey, runID, st, cfg, t, attempt, snap)
		if err == nil {
			writes, convErr := s.convertOutput(t, out)
			if convErr != nil {
				return nil, convErr
			}
			if len(writes) > 0 {
				if perr := s.store.PutPendingWrites(ctx, runKey, st.parentID, t.id, writes); perr != nil {
					s.logger.Warn("buffering pending writes failed task_id=%s err=%v", t.id, perr)
				}
			}
			return &taskResult{
				task:   t,
				writes: writes,
				debug:  core.TaskDebug{TaskID: t.id, Node: t.node.Name, Duration: time.Since(start), Attempts: attempt},
			}, nil
		}

		attempts = append(attempts, core.Attempt{Number: attempt, Err: err.Error(), At: time.Now().UTC()})
		if attempt == policy.Attempts() || !policy.Retryable(err) {
			return nil, core.NewNodeError(t.node.Name, t.id, attempts, err)
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = policy.MaxDelay
		}
		attempts[len(attempts)-1].Delay = delay
		s.logger.Debug("retrying node node=%s task_id=%s attempt=%d delay=%s err=%v", t.node.Name, t.id, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, core.NewNodeError(t.node.Name, t.id, attempts, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, core.NewNodeError(t.node.Name, t.id, attempts, fmt.Errorf("retry policy exhausted"))
}

// attempt runs the node function once, enforcing the per-attempt timeout from
// the scheduler side. A node that outlives its deadline keeps running until it
// observes the context, but its writes are discarded.
func (s *Scheduler) attempt(ctx context.Context, runKey, runID string, st *runState, cfg core.RunConfig, t *task, attempt int, snap core.Snapshot) (*core.NodeOutput, error) {
	attemptCtx := ctx
	cancel := func() {}
	if t.node.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, t.node.Timeout)
	}
	defer cancel()

	nc := &core.NodeContext{
		RunKey:  runKey,
		RunID:   runID,
		Node:    t.node.Name,
		TaskID:  t.id,
		Step:    st.step,
		Attempt: attempt,
		Input:   t.input,
		Values:  cfg.Values,
		Logger:  s.logger,
	}

	type outcome struct {
		out *core.NodeOutput
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := t.node.Fn(attemptCtx, nc, snap)
		done <- outcome{out: out, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	case o := <-done:
		return o.out, o.err
	}
}

// convertOutput flattens a node's structured output into buffered writes:
// local updates, escalations addressed to the parent execution, and dynamic
// Goto routing encoded as trigger-channel writes.
func (s *Scheduler) convertOutput(t *task, out *core.NodeOutput) ([]core.PendingWrite, error) {
	if out == nil {
		return nil, nil
	}

	var writes []core.PendingWrite
	for _, name := range sortedKeys(out.Updates) {
		if !s.graph.HasChannel(name) || graph.IsTriggerChannel(name) {
			return nil, core.NewInvalidUpdateError(name, "write to undeclared channel")
		}
		writes = append(writes, core.PendingWrite{Channel: name, Value: out.Updates[name]})
	}
	for _, name := range sortedKeys(out.Escalate) {
		writes = append(writes, core.PendingWrite{Channel: escalatePrefix + name, Value: out.Escalate[name]})
	}
	for _, send := range out.Goto {
		if send.Node == graph.End {
			continue
		}
		if _, ok := s.graph.Node(send.Node); !ok {
			return nil, &core.RoutingError{Node: t.node.Name, Target: send.Node, Candidates: s.graph.NodeNames()}
		}
		writes = append(writes, core.PendingWrite{Channel: graph.TriggerChannel(send.Node), Value: sendPayload(send)})
	}

	return writes, nil
}

func isEscalation(channelName string) bool {
	return strings.HasPrefix(channelName, escalatePrefix)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
