// Package graphmesh provides a high-level façade over the superstep engine and
// the checkpoint store abstractions, enabling rapid construction of
// checkpointed graph workflows. Most applications interact with this package
// by:
//  1. Creating a GraphMesh via New() (optionally overriding the default
//     in-memory checkpoint store)
//  2. Registering one or more compiled graphs
//  3. Invoking graphs synchronously (Invoke) or with streaming (Stream)
//
// The façade delegates execution to engine.Scheduler while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the durable Badger store
// and a structured logger.
package graphmesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/graphmesh/checkpoint"
	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/engine"
	"github.com/hupe1980/graphmesh/graph"
	"github.com/hupe1980/graphmesh/logging"
)

// Options configures the GraphMesh instance.
type Options struct {
	// EngineConfig tunes the underlying schedulers (task concurrency, event
	// buffering, default retry policy).
	EngineConfig engine.Config

	// Store persists run checkpoints. Defaults to an in-memory store; supply
	// the badgerstore backend for durability across restarts.
	Store core.CheckpointStore

	// Logger defaults to NoOp logger if nil.
	Logger logging.Logger
}

// GraphMesh is the high-level façade aggregating compiled graphs and the
// shared checkpoint store.
type GraphMesh struct {
	opts Options

	mu         sync.RWMutex
	schedulers map[string]*engine.Scheduler

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// New creates a new GraphMesh instance with optional overrides. An unset store
// is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *GraphMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Store:        checkpoint.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &GraphMesh{
		opts:       opts,
		schedulers: map[string]*engine.Scheduler{},
		activeRuns: map[string]context.CancelFunc{},
	}
}

// WithStore sets the checkpoint store shared by all registered graphs.
func WithStore(store core.CheckpointStore) func(o *Options) {
	return func(o *Options) { o.Store = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = logger }
}

// WithEngineConfig overrides the scheduler configuration.
func WithEngineConfig(cfg engine.Config) func(o *Options) {
	return func(o *Options) { o.EngineConfig = cfg }
}

// RegisterGraph adds a compiled graph, making it invocable by name. A graph
// registered under an existing name replaces it.
func (m *GraphMesh) RegisterGraph(cg *graph.CompiledGraph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedulers[cg.Name()] = engine.New(cg, func(o *engine.Options) {
		o.Config = m.opts.EngineConfig
		o.Store = m.opts.Store
		o.Logger = m.opts.Logger
	})
}

// Scheduler returns the scheduler for a registered graph.
func (m *GraphMesh) Scheduler(graphName string) (*engine.Scheduler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedulers[graphName]
	return s, ok
}

// Invoke runs a registered graph to completion (or suspension) and returns the
// final result. A nil input on a run key holding a suspended run resumes it;
// a non-nil input seeds a fresh input checkpoint continuing the run's lineage.
func (m *GraphMesh) Invoke(ctx context.Context, graphName string, input map[string]any, cfg core.RunConfig) (*engine.Result, error) {
	s, ok := m.Scheduler(graphName)
	if !ok {
		return nil, fmt.Errorf("graph %s not found", graphName)
	}
	return s.Invoke(ctx, input, cfg)
}

// Stream starts an asynchronous invocation returning the run id plus event and
// error channels. An event is emitted after every applied superstep, shaped by
// cfg.StreamMode; the events channel closes on completion and a terminal
// failure arrives on the errors channel. The run can be stopped with Cancel.
func (m *GraphMesh) Stream(ctx context.Context, graphName string, input map[string]any, cfg core.RunConfig) (string, <-chan core.StreamEvent, <-chan error, error) {
	s, ok := m.Scheduler(graphName)
	if !ok {
		return "", nil, nil, fmt.Errorf("graph %s not found", graphName)
	}

	runCtx, cancel := context.WithCancel(ctx)

	runID, eventsCh, errorsCh, err := s.Stream(runCtx, input, cfg)
	if err != nil {
		cancel()
		return "", nil, nil, err
	}

	m.runsMu.Lock()
	m.activeRuns[runID] = cancel
	m.runsMu.Unlock()

	// Relay events so run tracking is cleaned up when the stream drains.
	out := make(chan core.StreamEvent, cap(eventsCh))
	go func() {
		defer func() {
			close(out)
			cancel()
			m.runsMu.Lock()
			delete(m.activeRuns, runID)
			m.runsMu.Unlock()
		}()
		for ev := range eventsCh {
			select {
			case <-runCtx.Done():
				return
			case out <- ev:
			}
		}
	}()

	return runID, out, errorsCh, nil
}

// Cancel stops a running streamed invocation by its run id. Cancelling never
// persists a partial step; the run remains resumable from its last durably
// committed checkpoint.
func (m *GraphMesh) Cancel(runID string) error {
	m.runsMu.Lock()
	cancel, exists := m.activeRuns[runID]
	m.runsMu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not found", runID)
	}

	cancel()
	return nil
}

// GetState returns the latest state of a run, or nil when the run has no
// checkpoints yet.
func (m *GraphMesh) GetState(ctx context.Context, graphName, runKey string) (*engine.State, error) {
	s, ok := m.Scheduler(graphName)
	if !ok {
		return nil, fmt.Errorf("graph %s not found", graphName)
	}
	return s.State(ctx, runKey, "")
}

// UpdateState applies partial values to a run's state through the channel
// reducers and persists a new checkpoint, returning its id. asNode attributes
// the write to a node and triggers its outgoing edges; checkpointID forks the
// run from a historical checkpoint instead of the latest one.
func (m *GraphMesh) UpdateState(ctx context.Context, graphName, runKey string, values map[string]any, asNode, checkpointID string) (string, error) {
	s, ok := m.Scheduler(graphName)
	if !ok {
		return "", fmt.Errorf("graph %s not found", graphName)
	}
	return s.UpdateState(ctx, runKey, values, asNode, checkpointID)
}

// History returns a run's past states, newest first.
func (m *GraphMesh) History(ctx context.Context, graphName, runKey string, opts core.ListOptions) ([]*engine.State, error) {
	s, ok := m.Scheduler(graphName)
	if !ok {
		return nil, fmt.Errorf("graph %s not found", graphName)
	}
	return s.History(ctx, runKey, opts)
}

// ClearRun deletes all checkpoints and pending writes stored under a run key.
func (m *GraphMesh) ClearRun(ctx context.Context, runKey string) error {
	return m.opts.Store.DeleteRun(ctx, runKey)
}
