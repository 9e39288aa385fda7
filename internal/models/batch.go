package models

import (
	"math"
	"time"
)

// Batch lifecycle states. Cancelled is only ever written by an explicit
// cancel request; success and partial are derived from execution outcomes.
const (
	BatchStatusRunning   = "running"
	BatchStatusSuccess   = "success"
	BatchStatusPartial   = "partial"
	BatchStatusCancelled = "cancelled"
)

// BatchStats counts a batch's executions per status.
type BatchStats struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// BatchRecord groups the executions created by one fan-out request.
// ExecutionIDs is ordered 1:1 with TargetNodes.
type BatchRecord struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	TargetNodes  []string       `json:"target_nodes"`
	TargetGroups []string       `json:"target_groups,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UserID       string         `json:"user_id"`
	ExecutionIDs []string       `json:"execution_ids"`
	Stats        BatchStats     `json:"stats"`
}

// ComputeBatchStats tallies execution statuses. Status reads recompute from
// records every time; persisted counters are a freshness snapshot only.
func ComputeBatchStats(execs []ExecutionRecord) BatchStats {
	st := BatchStats{Total: len(execs)}
	for _, e := range execs {
		switch e.Status {
		case StatusQueued:
			st.Queued++
		case StatusRunning:
			st.Running++
		case StatusSuccess:
			st.Success++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// BatchOutcome reports the terminal status implied by stats, and whether the
// batch is done at all. A batch with any queued or running execution is not.
func BatchOutcome(st BatchStats) (string, bool) {
	if st.Total == 0 || st.Success+st.Failed < st.Total {
		return "", false
	}
	if st.Failed > 0 {
		return BatchStatusPartial, true
	}
	return BatchStatusSuccess, true
}

// Progress returns the percentage of executions in a terminal state, rounded
// to the nearest integer. Queued and running executions do not count.
func Progress(st BatchStats) int {
	if st.Total == 0 {
		return 0
	}
	return int(math.Round(float64(st.Success+st.Failed) * 100 / float64(st.Total)))
}
