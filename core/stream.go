package core

import "time"

// StreamMode selects the per-step event shape for streaming invocations.
type StreamMode string

const (
	// StreamValues emits the full channel snapshot after every applied step.
	StreamValues StreamMode = "values"
	// StreamUpdates emits only the channels changed this step, grouped by the
	// node that wrote them.
	StreamUpdates StreamMode = "updates"
	// StreamDebug emits a low-level trace: per-task timing, task identity,
	// attempts and errors.
	StreamDebug StreamMode = "debug"
)

// StreamEvent is emitted after each applied superstep (and once at
// suspension). After emission it should be treated as immutable.
type StreamEvent struct {
	// RunID identifies the invocation producing this event.
	RunID string `json:"run_id"`
	// Step is the superstep number the event describes.
	Step int `json:"step"`
	// CheckpointID is the id of the checkpoint persisted for this step.
	CheckpointID string `json:"checkpoint_id"`

	// Values holds the full channel snapshot (StreamValues mode).
	Values Snapshot `json:"values,omitempty"`
	// Updates holds only the changed channels grouped by writing node
	// (StreamUpdates mode).
	Updates map[string]map[string]any `json:"updates,omitempty"`
	// Debug holds the low-level step trace (StreamDebug mode).
	Debug *StepDebug `json:"debug,omitempty"`

	// Interrupt is set on the final event of a suspended run.
	Interrupt *Interrupt `json:"interrupt,omitempty"`
}

// StepDebug is the low-level trace attached to StreamDebug events.
type StepDebug struct {
	Duration time.Duration `json:"duration"`
	Tasks    []TaskDebug   `json:"tasks"`
}

// TaskDebug records timing and outcome for a single node task.
type TaskDebug struct {
	TaskID   string        `json:"task_id"`
	Node     string        `json:"node"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Interrupt describes why a run suspended and where it can resume.
type Interrupt struct {
	// Node is the node name that triggered the interrupt.
	Node string `json:"node"`
	// Before reports whether the interrupt fired before executing the node
	// (true) or after applying its step (false).
	Before bool `json:"before"`
}
