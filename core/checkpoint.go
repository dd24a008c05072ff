package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointSource tags how a checkpoint came into existence.
type CheckpointSource string

const (
	// SourceInput marks a checkpoint created directly from caller input (step -1).
	SourceInput CheckpointSource = "input"
	// SourceLoop marks a checkpoint created by a completed superstep.
	SourceLoop CheckpointSource = "loop"
	// SourceUpdate marks a checkpoint created by an explicit state update.
	SourceUpdate CheckpointSource = "update"
	// SourceFork marks a checkpoint created by branching off an older checkpoint.
	SourceFork CheckpointSource = "fork"
	// SourceInterrupt marks a checkpoint written at a suspension point, carrying
	// the interrupt that caused it.
	SourceInterrupt CheckpointSource = "interrupt"
)

// Checkpoint is an immutable, versioned snapshot of all channel state plus
// step metadata. It contains everything required to resume, replay or fork a
// run:
//
//   - ChannelValues: serialized channel snapshots (empty channels omitted)
//   - ChannelVersions: per-channel monotonically increasing version tokens
//   - VersionsSeen: per-node map of channel versions observed at planning,
//     used to compute which nodes are active next step
//   - PendingWrites: buffered task writes belonging to a step that was still
//     executing when the checkpoint was taken (crash recovery)
//   - WritesByNode: which node wrote which channels during the step
//
// Checkpoint ids are UUIDv7 strings, so ids are time-ordered and compare
// monotonically as plain strings.
type Checkpoint struct {
	ID              string                      `json:"id"`
	ParentID        string                      `json:"parent_id,omitempty"`
	Step            int                         `json:"step"`
	Source          CheckpointSource            `json:"source"`
	Interrupt       *Interrupt                  `json:"interrupt,omitempty"`
	Timestamp       time.Time                   `json:"timestamp"`
	ChannelValues   map[string]any              `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	WritesByNode    map[string][]string         `json:"writes_by_node,omitempty"`
	PendingWrites   []PendingWrite              `json:"pending_writes,omitempty"`
}

// PendingWrite is a buffered channel write produced by a task whose step has
// not yet been applied. Stores persist pending writes keyed by task id so a
// crashed step can be recovered without re-executing finished tasks.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// NewCheckpointID returns a new time-ordered checkpoint identifier.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// NewID generates a new unique identifier for runs and tasks.
func NewID() string { return uuid.NewString() }

// ChildRunKey derives the namespace under which a nested sub-execution's
// checkpoints live, keyed by parent run key, parent step and child graph name.
func ChildRunKey(parentKey string, parentStep int, childGraph string) string {
	return fmt.Sprintf("%s|%d|%s", parentKey, parentStep, childGraph)
}

// Clone returns a deep copy of the checkpoint's metadata maps. Channel values
// themselves are shared; the engine treats persisted values as immutable.
func (c *Checkpoint) Clone() *Checkpoint {
	clone := &Checkpoint{
		ID:              c.ID,
		ParentID:        c.ParentID,
		Step:            c.Step,
		Source:          c.Source,
		Timestamp:       c.Timestamp,
	}
	if c.Interrupt != nil {
		intr := *c.Interrupt
		clone.Interrupt = &intr
	}
	clone.ChannelValues = make(map[string]any, len(c.ChannelValues))
	clone.ChannelVersions = make(map[string]int64, len(c.ChannelVersions))
	clone.VersionsSeen = make(map[string]map[string]int64, len(c.VersionsSeen))
	for k, v := range c.ChannelValues {
		clone.ChannelValues[k] = v
	}
	for k, v := range c.ChannelVersions {
		clone.ChannelVersions[k] = v
	}
	for node, seen := range c.VersionsSeen {
		m := make(map[string]int64, len(seen))
		for k, v := range seen {
			m[k] = v
		}
		clone.VersionsSeen[node] = m
	}
	if c.WritesByNode != nil {
		clone.WritesByNode = make(map[string][]string, len(c.WritesByNode))
		for node, chans := range c.WritesByNode {
			cp := make([]string, len(chans))
			copy(cp, chans)
			clone.WritesByNode[node] = cp
		}
	}
	if len(c.PendingWrites) > 0 {
		clone.PendingWrites = make([]PendingWrite, len(c.PendingWrites))
		copy(clone.PendingWrites, c.PendingWrites)
	}
	return clone
}

// ListOptions filters and bounds CheckpointStore.List results.
type ListOptions struct {
	// Before restricts results to checkpoints older than the given id
	// (exclusive). Empty means no upper bound.
	Before string
	// Limit bounds the number of returned checkpoints. Zero means no limit.
	Limit int
	// Source filters by checkpoint source tag. Empty means all sources.
	Source CheckpointSource
}

// CheckpointStore persists versioned snapshots of run state. Implementations
// must support concurrent runs under distinct run keys without cross-talk and
// must serialize concurrent Put calls for the same run key.
//
// Put is the single durability point: once it returns nil, the snapshot must
// be recoverable even if the process crashes immediately after.
type CheckpointStore interface {
	// Get returns the checkpoint with the given id, or the latest checkpoint
	// of the run when id is empty. It returns (nil, nil) when the run has no
	// checkpoints and ErrCheckpointNotFound for an unknown explicit id.
	Get(ctx context.Context, runKey, checkpointID string) (*Checkpoint, error)

	// List returns checkpoints for the run, newest first, honoring opts.
	List(ctx context.Context, runKey string, opts ListOptions) ([]*Checkpoint, error)

	// Put durably persists a checkpoint under the run key and returns its id.
	// A Put whose non-empty ParentID is unknown to the run is rejected with
	// ErrOutOfOrderCheckpoint.
	Put(ctx context.Context, runKey string, checkpoint *Checkpoint) (string, error)

	// PutPendingWrites buffers writes belonging to a still-executing step so a
	// crash mid-step does not lose finished task output.
	PutPendingWrites(ctx context.Context, runKey, checkpointID, taskID string, writes []PendingWrite) error

	// DeleteRun removes all checkpoints and pending writes under the run key.
	DeleteRun(ctx context.Context, runKey string) error

	// NextVersion returns the next monotonically increasing version token for
	// a channel given its current token (zero for a never-written channel).
	NextVersion(current int64) int64
}
