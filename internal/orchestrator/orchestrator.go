// Package orchestrator fans batch requests out into per-node executions
// behind the admission queue, and answers batch status and cancel requests
// by recomputing from the execution records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-execution-manager/internal/admission"
	"fleet-execution-manager/internal/inventory"
	"fleet-execution-manager/internal/models"
	"fleet-execution-manager/internal/store"
	"fleet-execution-manager/internal/telemetry"
)

// CancelledByUser is recorded on executions force-failed by a batch cancel.
const CancelledByUser = "Cancelled by user"

// ValidationError marks malformed batch requests so callers can separate
// them from infrastructure failures.
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string { return e.msg }

func invalidRequestf(format string, args ...any) error {
	return ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Dispatcher consumes executions that hold an admission slot. The runner
// implements it; a nil dispatcher leaves admitted work to an external driver.
type Dispatcher interface {
	Dispatch(exec models.ExecutionRecord)
}

// Orchestrator coordinates batch fan-out, status and cancellation.
type Orchestrator struct {
	store      store.Store
	inventory  inventory.Provider
	queue      *admission.Queue
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New wires an orchestrator. dispatcher may be nil.
func New(st store.Store, inv inventory.Provider, queue *admission.Queue, dispatcher Dispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, inventory: inv, queue: queue, dispatcher: dispatcher, logger: logger}
}

// CreateBatchRequest is one fan-out request. Groups are expanded through the
// inventory provider; explicit node ids come first in the target order.
type CreateBatchRequest struct {
	Type           string         `json:"type"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TargetNodeIDs  []string       `json:"target_node_ids,omitempty"`
	TargetGroupIDs []string       `json:"target_group_ids,omitempty"`
}

// Validate applies defaults and rejects malformed requests.
func (r *CreateBatchRequest) Validate() error {
	if r.Type == "" {
		r.Type = models.TypeCommand
	}
	if r.Type != models.TypeCommand && r.Type != models.TypeTask {
		return invalidRequestf("unknown execution type %q", r.Type)
	}
	if strings.TrimSpace(r.Action) == "" {
		return invalidRequestf("action is required")
	}
	if len(r.TargetNodeIDs) == 0 && len(r.TargetGroupIDs) == 0 {
		return invalidRequestf("at least one target node or group is required")
	}
	return nil
}

// CreateBatchResult reports what a fan-out created.
type CreateBatchResult struct {
	BatchID      string   `json:"batch_id"`
	ExecutionIDs []string `json:"execution_ids"`
	TargetCount  int      `json:"target_count"`
	TargetNodes  []string `json:"target_nodes"`
}

// BatchStatus is the recomputed view of a batch. Stats always cover every
// execution in the batch; a status filter narrows Executions only.
type BatchStatus struct {
	Batch      models.BatchRecord    `json:"batch"`
	Progress   int                   `json:"progress"`
	Executions []ExecutionStatusItem `json:"executions"`
}

// ExecutionStatusItem decorates an execution with its node's display name
// and the flattened single-node result.
type ExecutionStatusItem struct {
	Execution models.ExecutionRecord  `json:"execution"`
	NodeID    string                  `json:"node_id"`
	NodeName  string                  `json:"node_name,omitempty"`
	Result    *models.ExecutionResult `json:"result,omitempty"`
}

// CreateBatch expands and validates targets, admits one execution per node
// in order, then persists the batch record. Validation is all or nothing:
// any unknown node id fails the whole request before anything is created.
// A failure while admitting leaves earlier executions in place; records are
// never rolled back and admitted work keeps running.
func (o *Orchestrator) CreateBatch(ctx context.Context, req CreateBatchRequest, userID string) (CreateBatchResult, error) {
	if err := req.Validate(); err != nil {
		return CreateBatchResult{}, err
	}
	if userID == "" {
		userID = "anonymous"
	}

	expanded := o.expandGroups(ctx, req.TargetGroupIDs)
	targets := dedupeNodes(append(append([]string{}, req.TargetNodeIDs...), expanded...))
	if len(targets) == 0 {
		return CreateBatchResult{}, invalidRequestf("no target nodes resolved")
	}

	inv, err := o.inventory.GetAggregatedInventory(ctx)
	if err != nil {
		return CreateBatchResult{}, fmt.Errorf("load inventory: %w", err)
	}
	names := inv.NodeNames()
	var invalid []string
	for _, id := range targets {
		if _, ok := names[id]; !ok {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return CreateBatchResult{}, invalidRequestf("invalid target nodes: %s", strings.Join(invalid, ", "))
	}

	batchID := uuid.NewString()
	createdAt := time.Now().UTC()
	executionIDs := make([]string, 0, len(targets))

	for i, nodeID := range targets {
		execID := uuid.NewString()
		unit := admission.Unit{ID: execID, Kind: req.Type, Target: nodeID, Action: req.Action}
		if err := o.queue.Acquire(ctx, unit); err != nil {
			if errors.Is(err, admission.ErrQueueFull) {
				telemetry.AdmissionRejected.Inc()
			}
			return CreateBatchResult{}, fmt.Errorf("acquire admission slot for node %s: %w", nodeID, err)
		}

		pos := i
		now := time.Now().UTC()
		exec := models.ExecutionRecord{
			ID:            execID,
			Type:          req.Type,
			Action:        req.Action,
			Parameters:    req.Parameters,
			TargetNodes:   []string{nodeID},
			Status:        models.StatusQueued,
			StartedAt:     now,
			BatchID:       batchID,
			BatchPosition: &pos,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.store.CreateExecution(ctx, exec); err != nil {
			o.queue.Release(execID)
			return CreateBatchResult{}, fmt.Errorf("create execution record for node %s: %w", nodeID, err)
		}
		executionIDs = append(executionIDs, execID)

		if o.dispatcher != nil {
			o.dispatcher.Dispatch(exec)
		}
	}

	startedAt := createdAt
	batch := models.BatchRecord{
		ID:           batchID,
		Type:         req.Type,
		Action:       req.Action,
		Parameters:   req.Parameters,
		TargetNodes:  targets,
		TargetGroups: req.TargetGroupIDs,
		Status:       models.BatchStatusRunning,
		CreatedAt:    createdAt,
		StartedAt:    &startedAt,
		UserID:       userID,
		ExecutionIDs: executionIDs,
		Stats:        models.BatchStats{Total: len(targets), Queued: len(targets)},
	}
	if err := o.store.CreateBatch(ctx, batch); err != nil {
		return CreateBatchResult{}, fmt.Errorf("create batch record: %w", err)
	}
	if err := o.store.AppendAudit(ctx, batchID, "batch_created", fmt.Sprintf("%d target nodes, user %s", len(targets), userID)); err != nil {
		o.logger.Warn("audit append failed", "batch_id", batchID, "error", err)
	}

	// Dispatched executions may have finished before the batch row existed;
	// fold their outcomes in now.
	if err := RefreshBatch(ctx, o.store, batchID); err != nil {
		o.logger.Warn("batch refresh after create failed", "batch_id", batchID, "error", err)
	}

	telemetry.BatchesCreated.Inc()
	o.logger.Info("batch created", "batch_id", batchID, "user_id", userID, "targets", len(targets))

	return CreateBatchResult{
		BatchID:      batchID,
		ExecutionIDs: executionIDs,
		TargetCount:  len(targets),
		TargetNodes:  targets,
	}, nil
}

// GetBatchStatus loads a batch and its executions, recomputing stats and
// progress from the records. statusFilter narrows the returned executions
// without touching the stats.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, batchID, statusFilter string) (BatchStatus, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return BatchStatus{}, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	if err != nil {
		return BatchStatus{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}

	execs, err := o.store.ListExecutionsByBatch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("list executions for batch %s: %w", batchID, err)
	}

	stats := models.ComputeBatchStats(execs)
	batch.Stats = stats

	names := map[string]string{}
	if inv, err := o.inventory.GetAggregatedInventory(ctx); err != nil {
		o.logger.Warn("node name lookup skipped", "batch_id", batchID, "error", err)
	} else {
		names = inv.NodeNames()
	}

	items := make([]ExecutionStatusItem, 0, len(execs))
	for _, exec := range execs {
		if statusFilter != "" && exec.Status != statusFilter {
			continue
		}
		var nodeID string
		if len(exec.TargetNodes) > 0 {
			nodeID = exec.TargetNodes[0]
		}
		items = append(items, ExecutionStatusItem{
			Execution: exec,
			NodeID:    nodeID,
			NodeName:  names[nodeID],
			Result:    exec.ResultForNode(nodeID),
		})
	}

	return BatchStatus{Batch: batch, Progress: models.Progress(stats), Executions: items}, nil
}

// GetExecution returns a single execution record.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (models.ExecutionRecord, error) {
	exec, err := o.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("load execution %s: %w", id, err)
	}
	return exec, nil
}

// CancelBatch force-fails the batch's running executions and marks the
// batch cancelled regardless of its current status. Queued executions are
// not touched: cancellation acts on persisted state only, and the runner
// releases admission slots as its in-flight work drains. Returns how many
// executions were actually transitioned.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("load batch %s: %w", batchID, err)
	}

	execs, err := o.store.ListExecutionsByBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("list executions for batch %s: %w", batchID, err)
	}

	now := time.Now().UTC()
	cancelled := 0
	for _, exec := range execs {
		if exec.Status != models.StatusRunning {
			continue
		}
		ok, err := o.store.MarkExecutionFailedIfRunning(ctx, exec.ID, CancelledByUser, now)
		if err != nil {
			return cancelled, fmt.Errorf("cancel execution %s: %w", exec.ID, err)
		}
		if ok {
			cancelled++
		}
	}

	if err := o.store.MarkBatchCancelled(ctx, batchID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return cancelled, fmt.Errorf("mark batch %s cancelled: %w", batchID, err)
	}

	if fresh, err := o.store.ListExecutionsByBatch(ctx, batchID); err == nil {
		if err := o.store.UpdateBatchStats(ctx, batchID, models.ComputeBatchStats(fresh)); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("stats refresh after cancel failed", "batch_id", batchID, "error", err)
		}
	}
	if err := o.store.AppendAudit(ctx, batchID, "batch_cancelled", fmt.Sprintf("%d running executions failed", cancelled)); err != nil {
		o.logger.Warn("audit append failed", "batch_id", batchID, "error", err)
	}

	telemetry.BatchesCancelled.Inc()
	o.logger.Info("batch cancelled", "batch_id", batchID, "executions_cancelled", cancelled)
	return cancelled, nil
}

// RefreshBatch recomputes a batch's persisted stats from its execution
// records and finalizes the batch when every execution reached a terminal
// state. A missing batch row is not an error: executions can finish while
// their batch record is still being written.
func RefreshBatch(ctx context.Context, st store.Store, batchID string) error {
	batch, err := st.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}

	execs, err := st.ListExecutionsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list executions for batch %s: %w", batchID, err)
	}
	stats := models.ComputeBatchStats(execs)
	if err := st.UpdateBatchStats(ctx, batchID, stats); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("update stats for batch %s: %w", batchID, err)
	}

	if batch.Status != models.BatchStatusRunning {
		return nil
	}
	if status, done := models.BatchOutcome(stats); done {
		if _, err := st.FinishBatchIfRunning(ctx, batchID, status, time.Now().UTC()); err != nil {
			return fmt.Errorf("finalize batch %s: %w", batchID, err)
		}
	}
	return nil
}

// expandGroups resolves each group id to its member nodes, preserving group
// order. The inventory is looked up per group so one failing lookup only
// loses that group; unknown groups are skipped.
func (o *Orchestrator) expandGroups(ctx context.Context, groupIDs []string) []string {
	var nodes []string
	for _, gid := range groupIDs {
		inv, err := o.inventory.GetAggregatedInventory(ctx)
		if err != nil {
			o.logger.Error("group expansion failed", "group", gid, "error", err)
			continue
		}
		g, ok := inv.FindGroup(gid)
		if !ok {
			o.logger.Warn("unknown group skipped", "group", gid)
			continue
		}
		nodes = append(nodes, g.Nodes...)
	}
	return nodes
}

// dedupeNodes removes repeated ids keeping first-occurrence order. Applying
// it to an already deduplicated list changes nothing.
func dedupeNodes(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
