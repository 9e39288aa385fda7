package models

import (
	"time"
)

// Execution lifecycle states persisted by the store.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Execution types accepted by the API.
const (
	TypeCommand = "command"
	TypeTask    = "task"
)

// ExecutionRecord represents one command or task run against target nodes.
// Records created by batch fan-out always carry exactly one target node.
type ExecutionRecord struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Action        string            `json:"action"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	TargetNodes   []string          `json:"target_nodes"`
	Status        string            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Results       []ExecutionResult `json:"results,omitempty"`
	Error         string            `json:"error,omitempty"`
	BatchID       string            `json:"batch_id,omitempty"`
	BatchPosition *int              `json:"batch_position,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ExecutionResult is the per-node outcome of a finished execution.
type ExecutionResult struct {
	NodeID     string         `json:"node_id"`
	ExitCode   int            `json:"exit_code"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// IsTerminal reports whether an execution status can no longer change
// (the forced cancellation edge excepted, which only applies to running).
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// ResultForNode returns the result recorded for the given node, falling back
// to the first result when no node matches. Nil when the record has none.
func (e ExecutionRecord) ResultForNode(nodeID string) *ExecutionResult {
	for i := range e.Results {
		if e.Results[i].NodeID == nodeID {
			return &e.Results[i]
		}
	}
	if len(e.Results) > 0 {
		return &e.Results[0]
	}
	return nil
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
