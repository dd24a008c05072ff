package checkpoint

import (
	"context"
	"sync"

	"github.com/hupe1980/graphmesh/core"
)

// Options configures the in-memory store.
type Options struct {
	// Shallow retains only the newest checkpoint per run key, trading history
	// (replay, fork, time-travel) for constant storage.
	Shallow bool
}

// InMemoryStore is a volatile CheckpointStore keeping run histories in a
// process-local map. It is safe for concurrent access and best suited for
// tests or ephemeral runs. Returned checkpoints are cloned to prevent external
// mutation of internal state.
type InMemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*runHistory
	shallow bool
}

// runHistory serializes checkpoint writes for one run key.
type runHistory struct {
	mu      sync.Mutex
	order   []string
	byID    map[string]*core.Checkpoint
	pending map[string][]core.PendingWrite
}

// NewInMemoryStore constructs an empty in-memory checkpoint store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{runs: map[string]*runHistory{}, shallow: opts.Shallow}
}

// Get returns the checkpoint with the given id, or the latest one when id is
// empty. The returned checkpoint carries any buffered pending writes.
func (s *InMemoryStore) Get(_ context.Context, runKey, checkpointID string) (*core.Checkpoint, error) {
	run := s.run(runKey, false)
	if run == nil {
		if checkpointID != "" {
			return nil, core.ErrCheckpointNotFound
		}
		return nil, nil
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if checkpointID == "" {
		if len(run.order) == 0 {
			return nil, nil
		}
		checkpointID = run.order[len(run.order)-1]
	}

	ckpt, ok := run.byID[checkpointID]
	if !ok {
		return nil, core.ErrCheckpointNotFound
	}

	clone := ckpt.Clone()
	clone.PendingWrites = append(clone.PendingWrites, run.pending[checkpointID]...)
	return clone, nil
}

// List returns the run's checkpoints newest first, honoring opts.
func (s *InMemoryStore) List(_ context.Context, runKey string, opts core.ListOptions) ([]*core.Checkpoint, error) {
	run := s.run(runKey, false)
	if run == nil {
		return nil, nil
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	var out []*core.Checkpoint
	for i := len(run.order) - 1; i >= 0; i-- {
		id := run.order[i]
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		ckpt := run.byID[id]
		if opts.Source != "" && ckpt.Source != opts.Source {
			continue
		}
		out = append(out, ckpt.Clone())
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Put stores a clone of the checkpoint under the run key. Puts referencing an
// unknown parent are rejected with ErrOutOfOrderCheckpoint.
func (s *InMemoryStore) Put(_ context.Context, runKey string, ckpt *core.Checkpoint) (string, error) {
	run := s.run(runKey, true)

	run.mu.Lock()
	defer run.mu.Unlock()

	if ckpt.ParentID != "" {
		if _, ok := run.byID[ckpt.ParentID]; !ok {
			return "", core.ErrOutOfOrderCheckpoint
		}
	}

	if s.shallow {
		for _, id := range run.order {
			delete(run.byID, id)
			delete(run.pending, id)
		}
		run.order = run.order[:0]
		// The dropped parent is still a valid lineage reference for the next
		// Put under shallow retention.
		clone := ckpt.Clone()
		run.byID[clone.ID] = clone
		run.order = append(run.order, clone.ID)
		return clone.ID, nil
	}

	clone := ckpt.Clone()
	run.byID[clone.ID] = clone
	run.order = append(run.order, clone.ID)
	return clone.ID, nil
}

// PutPendingWrites buffers task writes for a still-executing step.
func (s *InMemoryStore) PutPendingWrites(_ context.Context, runKey, checkpointID, taskID string, writes []core.PendingWrite) error {
	run := s.run(runKey, true)

	run.mu.Lock()
	defer run.mu.Unlock()

	for _, w := range writes {
		w.TaskID = taskID
		run.pending[checkpointID] = append(run.pending[checkpointID], w)
	}
	return nil
}

// DeleteRun removes all checkpoints and pending writes under the run key.
func (s *InMemoryStore) DeleteRun(_ context.Context, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runKey)
	return nil
}

// NextVersion returns the next monotonically increasing channel version.
func (s *InMemoryStore) NextVersion(current int64) int64 { return current + 1 }

// run returns the history for a run key, creating it when create is set.
func (s *InMemoryStore) run(runKey string, create bool) *runHistory {
	s.mu.RLock()
	run, ok := s.runs[runKey]
	s.mu.RUnlock()
	if ok || !create {
		return run
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok = s.runs[runKey]; ok {
		return run
	}
	run = &runHistory{byID: map[string]*core.Checkpoint{}, pending: map[string][]core.PendingWrite{}}
	s.runs[runKey] = run
	return run
}
