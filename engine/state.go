package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/graphmesh/channel"
	"github.com/hupe1980/graphmesh/core"
	"github.com/hupe1980/graphmesh/graph"
)

// runState is the in-memory execution state of one run between checkpoints:
// live channels, version counters, per-node versions seen, the step about to
// execute and the id of the last persisted checkpoint.
type runState struct {
	channels map[string]channel.Channel
	versions map[string]int64
	seen     map[string]map[string]int64
	step     int
	parentID string

	// pending holds recovered task writes keyed by task id when the run was
	// loaded from a checkpoint taken before a crashed step completed.
	pending map[string][]core.PendingWrite

	// resumeInterrupt is the interrupt recorded on the checkpoint the run was
	// resumed from, nil when the run did not suspend at an interrupt.
	resumeInterrupt *core.Interrupt
}

// loadOrSeed restores run state from the checkpoint store or seeds a fresh
// state from caller input. A non-nil input always seeds a new step -1
// checkpoint; a nil input on an existing run resumes it. The returned bool
// reports whether an existing run was resumed.
func (s *Scheduler) loadOrSeed(ctx context.Context, runKey string, input map[string]any, cfg core.RunConfig) (*runState, bool, error) {
	ckpt, err := s.store.Get(ctx, runKey, cfg.CheckpointID)
	if err != nil {
		return nil, false, err
	}

	if ckpt == nil || input != nil {
		st, err := s.seed(ctx, runKey, input, ckpt, cfg)
		return st, false, err
	}

	st := &runState{
		channels:        s.graph.NewChannels(),
		versions:        make(map[string]int64, len(ckpt.ChannelVersions)),
		seen:            make(map[string]map[string]int64, len(ckpt.VersionsSeen)),
		step:            ckpt.Step + 1,
		parentID:        ckpt.ID,
		resumeInterrupt: ckpt.Interrupt,
	}

	for name, val := range ckpt.ChannelValues {
		ch, ok := st.channels[name]
		if !ok {
			continue
		}
		if err := ch.Restore(val); err != nil {
			return nil, false, fmt.Errorf("restore channel %q: %w", name, err)
		}
	}
	for name, v := range ckpt.ChannelVersions {
		st.versions[name] = v
	}
	for node, seen := range ckpt.VersionsSeen {
		m := make(map[string]int64, len(seen))
		for name, v := range seen {
			m[name] = v
		}
		st.seen[node] = m
	}
	if len(ckpt.PendingWrites) > 0 {
		st.pending = map[string][]core.PendingWrite{}
		for _, w := range ckpt.PendingWrites {
			st.pending[w.TaskID] = append(st.pending[w.TaskID], w)
		}
	}

	return st, true, nil
}

// seed builds fresh channels, applies the caller input through the reducers
// and activates the entry points, persisting the resulting step -1 checkpoint.
func (s *Scheduler) seed(ctx context.Context, runKey string, input map[string]any, prev *core.Checkpoint, cfg core.RunConfig) (*runState, error) {
	st := &runState{
		channels: s.graph.NewChannels(),
		versions: map[string]int64{},
		seen:     map[string]map[string]int64{},
		step:     0,
	}
	if prev != nil {
		st.parentID = prev.ID
	}

	writesByNode := map[string][]string{}
	for name, val := range input {
		ch, ok := st.channels[name]
		if !ok || graph.IsTriggerChannel(name) {
			return nil, core.NewInvalidUpdateError(name, "write to undeclared channel")
		}
		changed, err := ch.Update([]any{val})
		if err != nil {
			return nil, err
		}
		if changed {
			st.versions[name] = s.store.NextVersion(st.versions[name])
			writesByNode[core.WriterInput] = append(writesByNode[core.WriterInput], name)
		}
	}

	triggers := map[string][]any{}
	for _, node := range s.graph.EntryNodes() {
		triggers[graph.TriggerChannel(node)] = append(triggers[graph.TriggerChannel(node)], nil)
	}

	snap := s.snapshot(st)
	for _, b := range s.graph.EntryBranches() {
		sends, err := b.Fn(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("entry branch: %w", err)
		}
		for _, send := range sends {
			if send.Node == graph.End {
				continue
			}
			if !containsTarget(b.Candidates, send.Node) {
				return nil, &core.RoutingError{Node: graph.Start, Target: send.Node, Candidates: b.Candidates}
			}
			triggers[graph.TriggerChannel(send.Node)] = append(triggers[graph.TriggerChannel(send.Node)], sendPayload(send))
		}
	}

	if err := s.applyTriggers(st, triggers); err != nil {
		return nil, err
	}

	source := core.SourceInput
	if cfg.CheckpointID != "" {
		source = core.SourceFork
	}
	ckpt, err := s.buildCheckpoint(st, -1, source, writesByNode)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Put(ctx, runKey, ckpt)
	if err != nil {
		return nil, fmt.Errorf("persist input checkpoint: %w", err)
	}
	st.parentID = id

	return st, nil
}

// snapshot captures the read-only view of data channel values for a step.
// Trigger channels are internal and never exposed to node code.
func (s *Scheduler) snapshot(st *runState) core.Snapshot {
	snap := core.Snapshot{}
	for name, ch := range st.channels {
		if graph.IsTriggerChannel(name) {
			continue
		}
		if v, err := ch.Get(); err == nil {
			snap[name] = v
		}
	}
	return snap
}

// buildCheckpoint serializes the current run state into an immutable
// checkpoint with a fresh time-ordered id.
func (s *Scheduler) buildCheckpoint(st *runState, step int, source core.CheckpointSource, writesByNode map[string][]string) (*core.Checkpoint, error) {
	ckpt := &core.Checkpoint{
		ID:              core.NewCheckpointID(),
		ParentID:        st.parentID,
		Step:            step,
		Source:          source,
		Timestamp:       time.Now().UTC(),
		ChannelValues:   map[string]any{},
		ChannelVersions: make(map[string]int64, len(st.versions)),
		VersionsSeen:    make(map[string]map[string]int64, len(st.seen)),
		WritesByNode:    writesByNode,
	}

	for name, ch := range st.channels {
		v, err := ch.Checkpoint()
		if err != nil {
			continue // empty channels are omitted from the snapshot
		}
		ckpt.ChannelValues[name] = v
	}
	for name, v := range st.versions {
		ckpt.ChannelVersions[name] = v
	}
	for node, seen := range st.seen {
		m := make(map[string]int64, len(seen))
		for name, v := range seen {
			m[name] = v
		}
		ckpt.VersionsSeen[node] = m
	}

	// Recovered writes belonging to a not-yet-applied step stay attached to
	// the lineage so they survive suspensions, updates and forks.
	for _, taskID := range sortedKeys(st.pending) {
		for _, w := range st.pending[taskID] {
			w.TaskID = taskID
			ckpt.PendingWrites = append(ckpt.PendingWrites, w)
		}
	}

	return ckpt, nil
}

// applyTriggers merges grouped trigger payloads into their topic channels and
// bumps versions for the ones that changed, activating the subscriber nodes.
func (s *Scheduler) applyTriggers(st *runState, triggers map[string][]any) error {
	for _, name := range sortedKeys(triggers) {
		ch, ok := st.channels[name]
		if !ok {
			return core.NewInvalidUpdateError(name, "trigger for unknown node")
		}
		changed, err := ch.Update(triggers[name])
		if err != nil {
			return err
		}
		if changed {
			st.versions[name] = s.store.NextVersion(st.versions[name])
		}
	}
	return nil
}

// sendPayload normalizes a Send's input so a payload-free Send still counts
// as one dynamic task during planning.
func sendPayload(send core.Send) any {
	if send.Input == nil {
		return map[string]any{}
	}
	return send.Input
}

func containsTarget(candidates []string, target string) bool {
	for _, c := range candidates {
		if c == target {
			return true
		}
	}
	return false
}
