package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/graphmesh/checkpoint"
	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/graph"
	"github.com/hupe1980/graphmesh/logging"
)

// Config defines tuning parameters for the Scheduler's operational behavior.
type Config struct {
	// MaxConcurrentTasks bounds how many node tasks of one step execute in
	// parallel. Zero means one goroutine per task.
	MaxConcurrentTasks int

	// EventBufferSize sets the channel buffer size for streamed step events.
	EventBufferSize int

	// DefaultRetry is the retry policy applied to nodes that do not declare
	// their own.
	DefaultRetry core.RetryPolicy
}

// DefaultConfig provides production-ready default configuration values.
var DefaultConfig = Config{
	MaxConcurrentTasks: 16,
	EventBufferSize:    64,
	DefaultRetry:       core.DefaultRetryPolicy(),
}

// Options configures a Scheduler instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Store persists checkpoints. Defaults to an in-memory store.
	Store core.CheckpointStore

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Status classifies how a run ended.
type Status string

const (
	// StatusDone marks a run that reached its fixpoint: no node active.
	StatusDone Status = "done"
	// StatusSuspended marks a run paused at an interrupt point, resumable by
	// re-invoking with the same run key and nil input.
	StatusSuspended Status = "suspended"
)

// Result is the outcome of a completed or suspended run.
type Result struct {
	// Status reports whether the run completed or suspended.
	Status Status
	// Values is the final (or suspended) data channel snapshot.
	Values core.Snapshot
	// CheckpointID is the id of the last persisted checkpoint.
	CheckpointID string
	// Steps is the number of supersteps applied by this invocation.
	Steps int
	// Interrupt describes the suspension point when Status is StatusSuspended.
	Interrupt *core.Interrupt
	// Escalations holds writes addressed to an enclosing parent execution,
	// grouped by parent channel. Only nested sub-executions produce these.
	Escalations map[string][]any
}

// Scheduler executes a compiled graph as checkpointed supersteps. It is
// stateless between invocations; all run state lives in the checkpoint store,
// so a single Scheduler serves any number of concurrent runs under distinct
// run keys.
type Scheduler struct {
	graph  *graph.CompiledGraph
	store  core.CheckpointStore
	logger logging.Logger
	config Config
}

// New creates a Scheduler for a compiled graph.
//
// Example:
//
//	sched := engine.New(compiled,
//	    engine.WithStore(badgerStore),
//	    engine.WithLogger(logger),
//	)
func New(g *graph.CompiledGraph, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		Config: DefaultConfig,
		Store:  checkpoint.NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Scheduler{
		graph:  g,
		store:  opts.Store,
		logger: opts.Logger,
		config: opts.Config,
	}
}

// WithConfig overrides the scheduler configuration.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithStore sets the checkpoint store backing all runs.
func WithStore(store core.CheckpointStore) func(o *Options) {
	return func(o *Options) { o.Store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = logger }
}

// Graph returns the compiled graph this scheduler executes.
func (s *Scheduler) Graph() *graph.CompiledGraph { return s.graph }

// Store returns the checkpoint store backing this scheduler.
func (s *Scheduler) Store() core.CheckpointStore { return s.store }

// Invoke runs the graph to completion (or suspension) and returns the final
// result. A nil input on a run key with existing checkpoints resumes the run;
// a non-nil input seeds a fresh step -1 checkpoint continuing the lineage.
func (s *Scheduler) Invoke(ctx context.Context, input map[string]any, cfg core.RunConfig) (*Result, error) {
	if cfg.RunKey == "" {
		cfg.RunKey = core.NewID()
	}
	res, err := s.run(ctx, cfg.RunKey, core.NewID(), input, cfg, nil, false)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stream runs the graph like Invoke but emits a StreamEvent after every
// applied superstep. The events channel is closed on completion; a terminal
// failure is delivered on the errors channel.
func (s *Scheduler) Stream(ctx context.Context, input map[string]any, cfg core.RunConfig) (string, <-chan core.StreamEvent, <-chan error, error) {
	if cfg.RunKey == "" {
		cfg.RunKey = core.NewID()
	}
	runID := core.NewID()

	eventsCh := make(chan core.StreamEvent, s.config.EventBufferSize)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(eventsCh)
		defer close(errorsCh)

		emit := func(ev core.StreamEvent) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case eventsCh <- ev:
				return nil
			}
		}

		if _, err := s.run(ctx, cfg.RunKey, runID, input, cfg, emit, false); err != nil {
			errorsCh <- err
		}
	}()

	return runID, eventsCh, errorsCh, nil
}

type emitFunc func(core.StreamEvent) error

// run drives the superstep loop: plan, interrupt-before, execute, apply,
// checkpoint, emit, interrupt-after. allowEscalation is set for nested
// sub-executions whose escalated writes a parent collects.
func (s *Scheduler) run(ctx context.Context, runKey, runID string, input map[string]any, cfg core.RunConfig, emit emitFunc, allowEscalation bool) (*Result, error) {
	st, resumed, err := s.loadOrSeed(ctx, runKey, input, cfg)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("run started graph=%s run_key=%s run_id=%s step=%d resumed=%t", s.graph.Name(), runKey, runID, st.step, resumed)

	escalations := map[string][]any{}
	// A run resumed from an interrupt-before suspension re-enters the step it
	// suspended at without tripping the same interrupt again. Runs suspended
	// for any other reason get no such pass.
	skipInterruptBefore := resumed && st.resumeInterrupt != nil && st.resumeInterrupt.Before
	steps := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tasks := s.plan(st)
		if len(tasks) == 0 {
			break // fixpoint
		}
		if steps >= cfg.Limit() {
			return nil, &core.GraphRecursionError{Limit: cfg.Limit(), Step: st.step}
		}

		if !skipInterruptBefore {
			for _, t := range tasks {
				if cfg.InterruptsBefore(t.node.Name) {
					intr := &core.Interrupt{Node: t.node.Name, Before: true}
					// Persist a marker checkpoint recording the interrupt so
					// a nil-input resume re-enters this exact step.
					ckpt, err := s.buildCheckpoint(st, st.step-1, core.SourceInterrupt, nil)
					if err != nil {
						return nil, err
					}
					ckpt.Interrupt = intr
					id, err := s.store.Put(ctx, runKey, ckpt)
					if err != nil {
						return nil, fmt.Errorf("persist interrupt checkpoint: %w", err)
					}
					st.parentID = id
					return s.suspend(runID, st, cfg, emit, intr, steps, escalations)
				}
			}
		}
		skipInterruptBefore = false

		snap := s.snapshot(st)
		s.commitPlan(st, tasks)

		stepStart := time.Now()
		results, err := s.execute(ctx, runKey, runID, st, cfg, tasks, snap)
		if err != nil {
			s.logger.Error("superstep failed graph=%s run_key=%s step=%d err=%v", s.graph.Name(), runKey, st.step, err)
			return nil, err
		}

		updatesByNode, writesByNode, err := s.apply(ctx, st, results, escalations)
		if err != nil {
			return nil, err
		}
		st.pending = nil

		var intrAfter *core.Interrupt
		for _, t := range tasks {
			if cfg.InterruptsAfter(t.node.Name) {
				intrAfter = &core.Interrupt{Node: t.node.Name, Before: false}
				break
			}
		}

		ckpt, err := s.buildCheckpoint(st, st.step, core.SourceLoop, writesByNode)
		if err != nil {
			return nil, err
		}
		ckpt.Interrupt = intrAfter
		id, err := s.store.Put(ctx, runKey, ckpt)
		if err != nil {
			return nil, fmt.Errorf("persist checkpoint: %w", err)
		}
		st.parentID = id

		s.logger.Debug("superstep applied graph=%s run_key=%s step=%d tasks=%d checkpoint_id=%s duration=%s",
			s.graph.Name(), runKey, st.step, len(tasks), id, time.Since(stepStart))

		if emit != nil {
			ev := s.buildEvent(runID, st, id, cfg, updatesByNode, results, time.Since(stepStart))
			if err := emit(ev); err != nil {
				return nil, err
			}
		}

		steps++

		if intrAfter != nil {
			return s.suspend(runID, st, cfg, emit, intrAfter, steps, escalations)
		}

		st.step++
	}

	if len(escalations) > 0 && !allowEscalation {
		return nil, core.ErrEscalationWithoutParent
	}

	s.logger.Info("run completed graph=%s run_key=%s run_id=%s steps=%d checkpoint_id=%s", s.graph.Name(), runKey, runID, steps, st.parentID)

	res := &Result{
		Status:       StatusDone,
		Values:       s.snapshot(st),
		CheckpointID: st.parentID,
		Steps:        steps,
	}
	if len(escalations) > 0 {
		res.Escalations = escalations
	}
	return res, nil
}

// suspend finalizes an interrupted run. The caller has already persisted a
// checkpoint carrying the interrupt, so resuming can tell why the run stopped.
func (s *Scheduler) suspend(runID string, st *runState, cfg core.RunConfig, emit emitFunc, intr *core.Interrupt, steps int, escalations map[string][]any) (*Result, error) {
	s.logger.Info("run suspended graph=%s run_id=%s node=%s before=%t checkpoint_id=%s", s.graph.Name(), runID, intr.Node, intr.Before, st.parentID)

	if emit != nil {
		ev := core.StreamEvent{RunID: runID, Step: st.step, CheckpointID: st.parentID, Interrupt: intr}
		if cfg.StreamMode == "" || cfg.StreamMode == core.StreamValues {
			ev.Values = s.filterValues(s.snapshot(st), cfg)
		}
		if err := emit(ev); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Status:       StatusSuspended,
		Values:       s.snapshot(st),
		CheckpointID: st.parentID,
		Steps:        steps,
		Interrupt:    intr,
	}
	if len(escalations) > 0 {
		res.Escalations = escalations
	}
	return res, nil
}

// apply merges all buffered task writes into the channels in one logical
// operation: data updates through each channel's reducer first, then routing
// (static successors, conditional branches evaluated against the post-apply
// values) resolved into trigger writes. Version tokens are bumped only for
// channels whose value actually changed.
func (s *Scheduler) apply(ctx context.Context, st *runState, results []*taskResult, escalations map[string][]any) (map[string]map[string]any, map[string][]string, error) {
	updates := map[string][]any{}
	triggers := map[string][]any{}
	updatesByNode := map[string]map[string]any{}
	writesByNode := map[string][]string{}
	executed := map[string]bool{}

	for _, r := range results {
		node := r.task.node.Name
		executed[node] = true

		for _, w := range r.writes {
			switch {
			case isEscalation(w.Channel):
				name := strings.TrimPrefix(w.Channel, escalatePrefix)
				escalations[name] = append(escalations[name], w.Value)
			case graph.IsTriggerChannel(w.Channel):
				triggers[w.Channel] = append(triggers[w.Channel], w.Value)
			default:
				updates[w.Channel] = append(updates[w.Channel], w.Value)
				if !containsTarget(writesByNode[node], w.Channel) {
					writesByNode[node] = append(writesByNode[node], w.Channel)
				}
				if updatesByNode[node] == nil {
					updatesByNode[node] = map[string]any{}
				}
				updatesByNode[node][w.Channel] = w.Value
			}
		}
	}

	for _, name := range sortedKeys(updates) {
		ch, ok := st.channels[name]
		if !ok {
			return nil, nil, core.NewInvalidUpdateError(name, "write to undeclared channel")
		}
		changed, err := ch.Update(updates[name])
		if err != nil {
			return nil, nil, err
		}
		if changed {
			st.versions[name] = s.store.NextVersion(st.versions[name])
		}
	}

	// Routing runs against the post-apply values.
	postSnap := s.snapshot(st)
	for _, node := range s.graph.NodeNames() {
		if !executed[node] {
			continue
		}
		for _, to := range s.graph.Successors(node) {
			if to == graph.End {
				continue
			}
			triggers[graph.TriggerChannel(to)] = append(triggers[graph.TriggerChannel(to)], nil)
		}
		for _, b := range s.graph.Branches(node) {
			sends, err := b.Fn(ctx, postSnap)
			if err != nil {
				return nil, nil, fmt.Errorf("branch from %q: %w", node, err)
			}
			for _, send := range sends {
				if send.Node == graph.End {
					continue
				}
				if !containsTarget(b.Candidates, send.Node) {
					return nil, nil, &core.RoutingError{Node: node, Target: send.Node, Candidates: b.Candidates}
				}
				triggers[graph.TriggerChannel(send.Node)] = append(triggers[graph.TriggerChannel(send.Node)], sendPayload(send))
			}
		}
	}

	if err := s.applyTriggers(st, triggers); err != nil {
		return nil, nil, err
	}

	return updatesByNode, writesByNode, nil
}

// buildEvent shapes the per-step stream event according to the configured
// stream mode.
func (s *Scheduler) buildEvent(runID string, st *runState, checkpointID string, cfg core.RunConfig, updatesByNode map[string]map[string]any, results []*taskResult, dur time.Duration) core.StreamEvent {
	ev := core.StreamEvent{RunID: runID, Step: st.step, CheckpointID: checkpointID}

	switch cfg.StreamMode {
	case core.StreamUpdates:
		ev.Updates = map[string]map[string]any{}
		for node, chans := range updatesByNode {
			for name, v := range chans {
				if !cfg.StreamsChannel(name) {
					continue
				}
				if ev.Updates[node] == nil {
					ev.Updates[node] = map[string]any{}
				}
				ev.Updates[node][name] = v
			}
		}
	case core.StreamDebug:
		dbg := &core.StepDebug{Duration: dur}
		for _, r := range results {
			dbg.Tasks = append(dbg.Tasks, r.debug)
		}
		ev.Debug = dbg
	default:
		ev.Values = s.filterValues(s.snapshot(st), cfg)
	}

	return ev
}

func (s *Scheduler) filterValues(snap core.Snapshot, cfg core.RunConfig) core.Snapshot {
	if len(cfg.StreamChannels) == 0 {
		return snap
	}
	out := core.Snapshot{}
	for name, v := range snap {
		if cfg.StreamsChannel(name) {
			out[name] = v
		}
	}
	return out
}

// AsNode adapts this scheduler into a node function of an enclosing graph,
// running the wrapped graph as a nested sub-execution. The child's checkpoints
// live under a namespace derived from the parent run key, parent step and
// child graph name. Channels the child shares with the parent snapshot seed
// its input, overridden by any Send payload; the child's escalated writes
// become the node's updates in the parent.
func (s *Scheduler) AsNode() core.NodeFunc {
	return func(ctx context.Context, nc *core.NodeContext, state core.Snapshot) (*core.NodeOutput, error) {
		input := map[string]any{}
		for name, v := range state {
			if s.graph.HasChannel(name) && !graph.IsTriggerChannel(name) {
				input[name] = v
			}
		}
		for name, v := range nc.Input {
			if s.graph.HasChannel(name) {
				input[name] = v
			}
		}

		childKey := core.ChildRunKey(nc.RunKey, nc.Step, s.graph.Name())
		cfg := core.RunConfig{RunKey: childKey, Values: nc.Values}

		res, err := s.run(ctx, childKey, core.NewID(), input, cfg, nil, true)
		if err != nil {
			return nil, fmt.Errorf("subgraph %q: %w", s.graph.Name(), err)
		}

		out := &core.NodeOutput{}
		if len(res.Escalations) > 0 {
			out.Updates = map[string]any{}
			for name, vals := range res.Escalations {
				if len(vals) == 1 {
					out.Updates[name] = vals[0]
				} else {
					out.Updates[name] = vals
				}
			}
		}
		return out, nil
	}
}

// State is a point-in-time view of a run for inspection.
type State struct {
	// Values is the data channel snapshot at the checkpoint.
	Values core.Snapshot
	// CheckpointID identifies the checkpoint this state was read from.
	CheckpointID string
	// ParentID is the previous checkpoint in the lineage.
	ParentID string
	// Step is the superstep the checkpoint concluded.
	Step int
	// Source tags how the checkpoint came into existence.
	Source core.CheckpointSource
	// CreatedAt is the checkpoint creation time.
	CreatedAt time.Time
	// Next lists the nodes that would be active on the following step.
	Next []string
}

// State returns the run's state at the given checkpoint, or at the latest one
// when checkpointID is empty. It returns (nil, nil) for a run with no
// checkpoints.
func (s *Scheduler) State(ctx context.Context, runKey, checkpointID string) (*State, error) {
	ckpt, err := s.store.Get(ctx, runKey, checkpointID)
	if err != nil {
		return nil, err
	}
	if ckpt == nil {
		return nil, nil
	}
	return s.stateFromCheckpoint(ckpt), nil
}

// History returns past states of the run, newest first.
func (s *Scheduler) History(ctx context.Context, runKey string, opts core.ListOptions) ([]*State, error) {
	ckpts, err := s.store.List(ctx, runKey, opts)
	if err != nil {
		return nil, err
	}
	states := make([]*State, 0, len(ckpts))
	for _, ckpt := range ckpts {
		states = append(states, s.stateFromCheckpoint(ckpt))
	}
	return states, nil
}

func (s *Scheduler) stateFromCheckpoint(ckpt *core.Checkpoint) *State {
	st := &State{
		Values:       core.Snapshot{},
		CheckpointID: ckpt.ID,
		ParentID:     ckpt.ParentID,
		Step:         ckpt.Step,
		Source:       ckpt.Source,
		CreatedAt:    ckpt.Timestamp,
	}
	for name, v := range ckpt.ChannelValues {
		if !graph.IsTriggerChannel(name) {
			st.Values[name] = v
		}
	}
	for _, node := range s.graph.NodeNames() {
		for _, trig := range s.graph.Triggers(node) {
			if ckpt.ChannelVersions[trig] > ckpt.VersionsSeen[node][trig] {
				st.Next = append(st.Next, node)
				break
			}
		}
	}
	return st
}

// UpdateState applies partial values to a run's state through the same reducer
// semantics as a normal step and persists a new checkpoint, returning its id.
// When asNode names a registered node the write is attributed to it and its
// outgoing edges are triggered, as if the node had produced the values itself.
// A non-empty checkpointID forks the run from that historical checkpoint.
func (s *Scheduler) UpdateState(ctx context.Context, runKey string, values map[string]any, asNode, checkpointID string) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("update state: no values")
	}
	if asNode != "" {
		if _, ok := s.graph.Node(asNode); !ok {
			return "", fmt.Errorf("update state: unknown node %q", asNode)
		}
	}

	cfg := core.RunConfig{RunKey: runKey, CheckpointID: checkpointID}
	st, _, err := s.loadOrSeedForUpdate(ctx, runKey, cfg)
	if err != nil {
		return "", err
	}

	writer := core.WriterUpdate
	if asNode != "" {
		writer = asNode
	}

	writesByNode := map[string][]string{}
	for _, name := range sortedKeys(values) {
		ch, ok := st.channels[name]
		if !ok || graph.IsTriggerChannel(name) {
			return "", core.NewInvalidUpdateError(name, "write to undeclared channel")
		}
		changed, err := ch.Update([]any{values[name]})
		if err != nil {
			return "", err
		}
		if changed {
			st.versions[name] = s.store.NextVersion(st.versions[name])
			writesByNode[writer] = append(writesByNode[writer], name)
		}
	}

	if asNode != "" {
		seen := st.seen[asNode]
		if seen == nil {
			seen = map[string]int64{}
			st.seen[asNode] = seen
		}
		for _, trig := range s.graph.Triggers(asNode) {
			seen[trig] = st.versions[trig]
		}

		triggers := map[string][]any{}
		for _, to := range s.graph.Successors(asNode) {
			if to == graph.End {
				continue
			}
			triggers[graph.TriggerChannel(to)] = append(triggers[graph.TriggerChannel(to)], nil)
		}
		postSnap := s.snapshot(st)
		for _, b := range s.graph.Branches(asNode) {
			sends, err := b.Fn(ctx, postSnap)
			if err != nil {
				return "", fmt.Errorf("branch from %q: %w", asNode, err)
			}
			for _, send := range sends {
				if send.Node == graph.End {
					continue
				}
				if !containsTarget(b.Candidates, send.Node) {
					return "", &core.RoutingError{Node: asNode, Target: send.Node, Candidates: b.Candidates}
				}
				triggers[graph.TriggerChannel(send.Node)] = append(triggers[graph.TriggerChannel(send.Node)], sendPayload(send))
			}
		}
		if err := s.applyTriggers(st, triggers); err != nil {
			return "", err
		}
	}

	source := core.SourceUpdate
	if checkpointID != "" {
		source = core.SourceFork
	}
	ckpt, err := s.buildCheckpoint(st, st.step, source, writesByNode)
	if err != nil {
		return "", err
	}
	id, err := s.store.Put(ctx, runKey, ckpt)
	if err != nil {
		return "", fmt.Errorf("persist update checkpoint: %w", err)
	}

	s.logger.Info("state updated graph=%s run_key=%s writer=%s checkpoint_id=%s", s.graph.Name(), runKey, writer, id)
	return id, nil
}

// loadOrSeedForUpdate restores state for UpdateState: an existing checkpoint
// is restored in place, a missing one yields fresh empty channels at step -1.
func (s *Scheduler) loadOrSeedForUpdate(ctx context.Context, runKey string, cfg core.RunConfig) (*runState, bool, error) {
	ckpt, err := s.store.Get(ctx, runKey, cfg.CheckpointID)
	if err != nil {
		return nil, false, err
	}
	if ckpt == nil {
		return &runState{
			channels: s.graph.NewChannels(),
			versions: map[string]int64{},
			seen:     map[string]map[string]int64{},
			step:     -1,
		}, false, nil
	}

	st, resumed, err := s.loadOrSeed(ctx, runKey, nil, cfg)
	if err != nil {
		return nil, false, err
	}
	// The update checkpoint records the same step it amends, not a new one.
	st.step = ckpt.Step
	return st, resumed, nil
}
