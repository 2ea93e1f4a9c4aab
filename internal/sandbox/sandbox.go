package sandbox

import "context"

// Handle identifies one isolated fork of chain state. All submissions for a
// pipeline invocation share a single handle so later groups observe the
// effects of earlier ones.
type Handle string

// Event is a log entry emitted during script execution.
type Event struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// ExecutionResult captures the observable outcome of one submitted script.
type ExecutionResult struct {
	GroupIndex   int               `json:"group_index"`
	TxHashes     []string          `json:"tx_hashes"`
	Events       []Event           `json:"events"`
	StateDiffs   map[string]string `json:"state_diffs"`
	Reverted     bool              `json:"reverted"`
	RevertReason string            `json:"revert_reason,omitempty"`
}

// Sandbox executes compiled scripts against an isolated fork of chain state.
// Submissions on the same handle are serialised by the implementation.
type Sandbox interface {
	// Fork creates a fresh isolated copy of chain state.
	Fork(ctx context.Context) (Handle, error)
	// Submit runs the script's steps in order. A revert aborts the script,
	// returns a result describing the revert and an EXECUTION_REVERTED error.
	Submit(ctx context.Context, handle Handle, groupIndex int, script *CompiledScript) (*ExecutionResult, error)
	// Teardown releases the fork. Submitting on a released handle fails.
	Teardown(ctx context.Context, handle Handle) error
}
