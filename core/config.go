package core

// DefaultRecursionLimit bounds the number of supersteps a single invocation
// may apply when the caller does not override it. Exceeding the limit raises
// GraphRecursionError.
const DefaultRecursionLimit = 25

// Reserved writer identities used in checkpoint metadata for writes that do
// not originate from a graph node.
const (
	// WriterInput tags channel writes seeded directly from caller input.
	WriterInput = "__input__"
	// WriterUpdate tags channel writes applied via UpdateState without an
	// as-node attribution.
	WriterUpdate = "__update__"
)

// RunConfig scopes a single invocation: run identity, limits, interrupts and
// streaming selection.
type RunConfig struct {
	// RunKey is the caller-supplied thread identity scoping the checkpoint
	// sequence. Empty run keys are assigned a fresh random key.
	RunKey string

	// CheckpointID optionally pins the invocation to a specific historical
	// checkpoint instead of the latest one, forking the run from that point.
	CheckpointID string

	// RecursionLimit bounds the number of supersteps applied per invocation.
	// Resuming a suspended run grants a fresh budget, so a long-lived
	// interrupt-driven thread never becomes unresumable. Zero means
	// DefaultRecursionLimit.
	RecursionLimit int

	// InterruptBefore suspends the run before executing any listed node.
	InterruptBefore []string

	// InterruptAfter suspends the run after applying a step that executed any
	// listed node.
	InterruptAfter []string

	// StreamMode selects the event shape for streaming invocations.
	// Defaults to StreamValues.
	StreamMode StreamMode

	// StreamChannels optionally restricts streamed values/updates to a subset
	// of channels. Nil streams all channels.
	StreamChannels []string

	// Values is an opaque run-scoped context object passed to every node via
	// NodeContext.Values (external caches, clients, tenancy info).
	Values map[string]any
}

// Limit returns the effective recursion limit.
func (c RunConfig) Limit() int {
	if c.RecursionLimit <= 0 {
		return DefaultRecursionLimit
	}
	return c.RecursionLimit
}

// InterruptsBefore reports whether node is in the interrupt-before set.
func (c RunConfig) InterruptsBefore(node string) bool {
	return containsName(c.InterruptBefore, node)
}

// InterruptsAfter reports whether node is in the interrupt-after set.
func (c RunConfig) InterruptsAfter(node string) bool {
	return containsName(c.InterruptAfter, node)
}

// StreamsChannel reports whether the channel is selected for streaming.
func (c RunConfig) StreamsChannel(channel string) bool {
	if len(c.StreamChannels) == 0 {
		return true
	}
	return containsName(c.StreamChannels, channel)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
