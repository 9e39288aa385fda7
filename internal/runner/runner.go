package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet-execution-manager/internal/admission"
	"fleet-execution-manager/internal/archive"
	"fleet-execution-manager/internal/models"
	"fleet-execution-manager/internal/orchestrator"
	"fleet-execution-manager/internal/store"
	"fleet-execution-manager/internal/telemetry"
)

// Runner executes admitted executions in background goroutines. Each
// dispatched execution already holds an admission slot; the runner releases
// the slot when the execution reaches a terminal status.
type Runner struct {
	store          store.Store
	queue          *admission.Queue
	archiver       archive.Archiver
	logger         *slog.Logger
	timeout        time.Duration
	handlers       map[string]Handler
	defaultHandler Handler
	wg             sync.WaitGroup
}

// Handler runs one execution against its target node and reports the outcome.
type Handler func(ctx context.Context, exec models.ExecutionRecord) (models.ExecutionResult, error)

func New(st store.Store, q *admission.Queue, archiver archive.Archiver, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:    st,
		queue:    q,
		archiver: archiver,
		logger:   logger,
		timeout:  timeout,
		handlers: make(map[string]Handler),
	}
	r.defaultHandler = r.handleDefault
	return r
}

// RegisterHandler binds a handler to an action name.
func (r *Runner) RegisterHandler(action string, handler Handler) {
	if action == "" || handler == nil {
		return
	}
	r.handlers[action] = handler
}

// Dispatch starts the execution in the background. The caller must have
// acquired the admission slot for exec.ID before dispatching.
func (r *Runner) Dispatch(exec models.ExecutionRecord) {
	r.wg.Add(1)
	go r.run(exec)
}

// Wait blocks until all dispatched executions have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Drain waits for in-flight executions to finish or the context to expire.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(exec models.ExecutionRecord) {
	defer r.wg.Done()
	defer func() {
		r.queue.Release(exec.ID)
		r.updateQueueGauges()
	}()

	// Bookkeeping uses a fresh context so a timed-out handler still gets
	// its outcome persisted.
	ctx := context.Background()

	ok, err := r.store.MarkExecutionRunning(ctx, exec.ID)
	if err != nil {
		r.logger.Error("mark execution running", "execution_id", exec.ID, "error", err)
		return
	}
	if !ok {
		// The record was cancelled or finished before the slot came up.
		r.refreshBatch(exec.BatchID)
		return
	}
	telemetry.ExecutionsStarted.Inc()
	r.updateQueueGauges()

	handlerCtx, cancel := context.WithTimeout(ctx, r.timeout)
	started := time.Now()
	result, runErr := r.resolveHandler(exec.Action)(handlerCtx, exec)
	cancel()
	result.DurationMs = time.Since(started).Milliseconds()
	if result.NodeID == "" && len(exec.TargetNodes) > 0 {
		result.NodeID = exec.TargetNodes[0]
	}

	status := models.StatusSuccess
	errMsg := ""
	if runErr != nil {
		status = models.StatusFailed
		errMsg = runErr.Error()
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
	}

	applied, err := r.store.FinishExecution(ctx, exec.ID, status, []models.ExecutionResult{result}, errMsg, time.Now().UTC())
	if err != nil {
		r.logger.Error("finish execution", "execution_id", exec.ID, "error", err)
		return
	}
	if !applied {
		// A cancellation reached the record first; its status stands.
		r.refreshBatch(exec.BatchID)
		return
	}

	if runErr != nil {
		telemetry.ExecutionsFailed.Inc()
		r.logger.Warn("execution failed", "execution_id", exec.ID, "action", exec.Action, "node", result.NodeID, "error", runErr)
	} else {
		telemetry.ExecutionsSucceeded.Inc()
		r.logger.Info("execution succeeded", "execution_id", exec.ID, "action", exec.Action, "node", result.NodeID, "duration_ms", result.DurationMs)
	}
	_ = r.store.AppendAudit(ctx, exec.ID, "execution_"+status, errMsg)

	r.archiveResult(ctx, exec.ID)
	r.refreshBatch(exec.BatchID)
}

func (r *Runner) resolveHandler(action string) Handler {
	if h, ok := r.handlers[action]; ok {
		return h
	}
	return r.defaultHandler
}

// archiveResult snapshots the finished record to the archive backend.
// Archive failures are logged and never affect the execution outcome.
func (r *Runner) archiveResult(ctx context.Context, id string) {
	if r.archiver == nil {
		return
	}
	rec, err := r.store.GetExecution(ctx, id)
	if err != nil {
		r.logger.Warn("archive lookup", "execution_id", id, "error", err)
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("archive encode", "execution_id", id, "error", err)
		return
	}
	location, err := r.archiver.Store(ctx, "executions/"+id+".json", body, "application/json")
	if err != nil {
		r.logger.Warn("archive store", "execution_id", id, "error", err)
		return
	}
	r.logger.Debug("execution archived", "execution_id", id, "location", location)
}

func (r *Runner) refreshBatch(batchID string) {
	if batchID == "" {
		return
	}
	if err := orchestrator.RefreshBatch(context.Background(), r.store, batchID); err != nil {
		r.logger.Warn("refresh batch", "batch_id", batchID, "error", err)
	}
}

func (r *Runner) updateQueueGauges() {
	st := r.queue.Status()
	telemetry.QueueRunning.Set(float64(st.Running))
	telemetry.QueueBacklog.Set(float64(st.Queued))
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// handleDefault simulates command and task execution for actions without a
// registered handler.
func (r *Runner) handleDefault(ctx context.Context, exec models.ExecutionRecord) (models.ExecutionResult, error) {
	res := models.ExecutionResult{}
	if len(exec.TargetNodes) > 0 {
		res.NodeID = exec.TargetNodes[0]
	}
	// Simulate slow executions when parameters include duration_ms.
	if ms, ok := asInt(exec.Parameters["duration_ms"]); ok && ms > 0 {
		select {
		case <-ctx.Done():
			res.ExitCode = 124
			return res, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}
	// Simulate a failure for testing when parameters contain {"simulate_fail": true}.
	if val, ok := exec.Parameters["simulate_fail"].(bool); ok && val {
		res.ExitCode = 1
		res.Stderr = "simulated failure requested by parameters.simulate_fail"
		return res, errors.New("simulated failure requested by parameters.simulate_fail")
	}
	switch exec.Type {
	case models.TypeTask:
		res.Output = map[string]any{"task": exec.Action, "node": res.NodeID}
	default:
		res.Stdout = fmt.Sprintf("completed %s on %s", exec.Action, res.NodeID)
	}
	return res, nil
}
