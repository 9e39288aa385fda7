package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-execution-manager/internal/admission"
	"fleet-execution-manager/internal/models"
	"fleet-execution-manager/internal/orchestrator"
	"fleet-execution-manager/internal/store"
)

func seedExecution(t *testing.T, st *store.Memory, id, batchID string, params map[string]any) models.ExecutionRecord {
	t.Helper()
	rec := models.ExecutionRecord{
		ID:          id,
		Type:        models.TypeCommand,
		Action:      "uptime",
		Parameters:  params,
		TargetNodes: []string{"web-1"},
		Status:      models.StatusQueued,
		BatchID:     batchID,
	}
	if err := st.CreateExecution(context.Background(), rec); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return rec
}

func admit(t *testing.T, q *admission.Queue, exec models.ExecutionRecord) {
	t.Helper()
	err := q.Acquire(context.Background(), admission.Unit{
		ID:     exec.ID,
		Kind:   exec.Type,
		Target: exec.TargetNodes[0],
		Action: exec.Action,
	})
	if err != nil {
		t.Fatalf("acquire slot for %s: %v", exec.ID, err)
	}
}

func TestRunSuccessReleasesSlotAndRecordsResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	exec := seedExecution(t, st, "e1", "", nil)
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, err := st.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != models.StatusSuccess || got.CompletedAt == nil || got.Error != "" {
		t.Fatalf("execution = %+v, want success with completion time", got)
	}
	if len(got.Results) != 1 {
		t.Fatalf("results = %+v, want exactly one", got.Results)
	}
	res := got.Results[0]
	if res.NodeID != "web-1" || res.ExitCode != 0 || !strings.Contains(res.Stdout, "uptime") {
		t.Fatalf("result = %+v", res)
	}
	if res.DurationMs < 0 {
		t.Fatalf("duration = %d, want non-negative", res.DurationMs)
	}

	if q.IsRunning("e1") {
		t.Fatalf("slot must be released after completion")
	}
	if qs := q.Status(); qs.Running != 0 || qs.Queued != 0 {
		t.Fatalf("queue should be empty: %+v", qs)
	}

	trail := st.AuditTrail("e1")
	if len(trail) != 1 || trail[0].Event != "execution_success" {
		t.Fatalf("audit trail = %+v", trail)
	}
}

func TestRunSimulatedFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	exec := seedExecution(t, st, "e1", "", map[string]any{"simulate_fail": true})
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, _ := st.GetExecution(ctx, "e1")
	if got.Status != models.StatusFailed || got.CompletedAt == nil {
		t.Fatalf("execution = %+v, want failed", got)
	}
	if !strings.Contains(got.Error, "simulate_fail") {
		t.Fatalf("error = %q, want the simulated failure message", got.Error)
	}
	if len(got.Results) != 1 || got.Results[0].ExitCode != 1 {
		t.Fatalf("results = %+v, want exit code 1", got.Results)
	}
	if q.IsRunning("e1") {
		t.Fatalf("slot must be released after failure")
	}
}

func TestRunSkipsAlreadyTerminalRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	// A cancellation transitioned the record while it waited for a slot.
	done := time.Now().UTC()
	exec := models.ExecutionRecord{
		ID:          "e1",
		Type:        models.TypeCommand,
		Action:      "uptime",
		TargetNodes: []string{"web-1"},
		Status:      models.StatusFailed,
		Error:       orchestrator.CancelledByUser,
		CompletedAt: &done,
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, _ := st.GetExecution(ctx, "e1")
	if got.Status != models.StatusFailed || got.Error != orchestrator.CancelledByUser {
		t.Fatalf("terminal record must not be re-run: %+v", got)
	}
	if len(got.Results) != 0 {
		t.Fatalf("skipped execution must not gain results: %+v", got.Results)
	}
	if len(st.AuditTrail("e1")) != 0 {
		t.Fatalf("skipped execution must not be audited as executed")
	}
	if q.IsRunning("e1") {
		t.Fatalf("slot must be released even when the run is skipped")
	}
}

func TestRunRegisteredHandlerWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	r.RegisterHandler("", func(context.Context, models.ExecutionRecord) (models.ExecutionResult, error) {
		t.Fatalf("empty action must not register")
		return models.ExecutionResult{}, nil
	})
	r.RegisterHandler("deploy", nil)
	r.RegisterHandler("deploy", func(_ context.Context, exec models.ExecutionRecord) (models.ExecutionResult, error) {
		return models.ExecutionResult{NodeID: exec.TargetNodes[0], Stdout: "custom handler"}, nil
	})

	exec := models.ExecutionRecord{
		ID:          "e1",
		Type:        models.TypeCommand,
		Action:      "deploy",
		TargetNodes: []string{"web-1"},
		Status:      models.StatusQueued,
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, _ := st.GetExecution(ctx, "e1")
	if got.Status != models.StatusSuccess || len(got.Results) != 1 || got.Results[0].Stdout != "custom handler" {
		t.Fatalf("registered handler not used: %+v", got)
	}
}

func TestRunFinalizesBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	e0 := seedExecution(t, st, "e0", "b1", nil)
	e1 := seedExecution(t, st, "e1", "b1", map[string]any{"simulate_fail": true})
	started := time.Now().UTC()
	err := st.CreateBatch(ctx, models.BatchRecord{
		ID:           "b1",
		Type:         models.TypeCommand,
		Action:       "uptime",
		TargetNodes:  []string{"web-1", "web-1"},
		Status:       models.BatchStatusRunning,
		StartedAt:    &started,
		UserID:       "ops",
		ExecutionIDs: []string{"e0", "e1"},
		Stats:        models.BatchStats{Total: 2, Queued: 2},
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	admit(t, q, e0)
	admit(t, q, e1)
	r.Dispatch(e0)
	r.Dispatch(e1)
	r.Wait()

	batch, err := st.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.Status != models.BatchStatusPartial {
		t.Fatalf("batch status = %q, want partial after one failure", batch.Status)
	}
	want := models.BatchStats{Total: 2, Success: 1, Failed: 1}
	if batch.Stats != want {
		t.Fatalf("stats = %+v, want %+v", batch.Stats, want)
	}
	if batch.CompletedAt == nil {
		t.Fatalf("finalized batch should carry a completion time")
	}
}

func TestRunReleaseAdmitsNextWaiter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(1, 5)
	r := New(st, q, nil, 0, nil)

	e0 := seedExecution(t, st, "e0", "", nil)
	e1 := seedExecution(t, st, "e1", "", nil)

	admit(t, q, e0)
	acquired := make(chan error, 1)
	go func() {
		acquired <- q.Acquire(ctx, admission.Unit{ID: e1.ID, Kind: e1.Type, Target: "web-1", Action: e1.Action})
	}()

	// e1 parks until e0 finishes and releases the only slot.
	r.Dispatch(e0)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("promoted acquire = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was never promoted")
	}
	r.Dispatch(e1)
	r.Wait()

	for _, id := range []string{"e0", "e1"} {
		got, _ := st.GetExecution(ctx, id)
		if got.Status != models.StatusSuccess {
			t.Fatalf("execution %s = %q, want success", id, got.Status)
		}
	}
	if qs := q.Status(); qs.Running != 0 || qs.Queued != 0 {
		t.Fatalf("queue should drain completely: %+v", qs)
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	keys  []string
	body  []byte
	ctype string
}

func (a *fakeArchiver) Store(_ context.Context, key string, body []byte, contentType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	a.body = body
	a.ctype = contentType
	return "fake://" + key, nil
}

func TestRunArchivesFinishedExecution(t *testing.T) {
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	arch := &fakeArchiver{}
	r := New(st, q, arch, 0, nil)

	exec := seedExecution(t, st, "e1", "", nil)
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.keys) != 1 || arch.keys[0] != "executions/e1.json" {
		t.Fatalf("archive keys = %v", arch.keys)
	}
	if arch.ctype != "application/json" {
		t.Fatalf("content type = %q", arch.ctype)
	}
	var snapshot models.ExecutionRecord
	if err := json.Unmarshal(arch.body, &snapshot); err != nil {
		t.Fatalf("archived body is not a record: %v", err)
	}
	if snapshot.ID != "e1" || snapshot.Status != models.StatusSuccess {
		t.Fatalf("archived snapshot = %+v", snapshot)
	}
}

func TestRunTimeoutFailsExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 30*time.Millisecond, nil)

	exec := seedExecution(t, st, "e1", "", map[string]any{"duration_ms": 500})
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, _ := st.GetExecution(ctx, "e1")
	if got.Status != models.StatusFailed {
		t.Fatalf("execution = %+v, want failed on timeout", got)
	}
	if !strings.Contains(got.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("error = %q, want a deadline message", got.Error)
	}
	if len(got.Results) != 1 || got.Results[0].ExitCode != 124 {
		t.Fatalf("results = %+v, want exit code 124", got.Results)
	}
}

func TestHandleDefaultTaskProducesOutput(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	exec := models.ExecutionRecord{
		ID:          "e1",
		Type:        models.TypeTask,
		Action:      "collect-facts",
		TargetNodes: []string{"db-1"},
		Status:      models.StatusQueued,
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	admit(t, q, exec)
	r.Dispatch(exec)
	r.Wait()

	got, _ := st.GetExecution(ctx, "e1")
	if got.Status != models.StatusSuccess || len(got.Results) != 1 {
		t.Fatalf("execution = %+v", got)
	}
	out := got.Results[0].Output
	if out == nil || out["task"] != "collect-facts" || out["node"] != "db-1" {
		t.Fatalf("task output = %+v", out)
	}
}

func TestDrain(t *testing.T) {
	st := store.NewMemory()
	q := admission.NewQueue(2, 5)
	r := New(st, q, nil, 0, nil)

	exec := seedExecution(t, st, "e1", "", map[string]any{"duration_ms": 200})
	admit(t, q, exec)
	r.Dispatch(exec)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded while work is in flight", err)
	}

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("Drain after completion = %v", err)
	}
	got, _ := st.GetExecution(context.Background(), "e1")
	if got.Status != models.StatusSuccess {
		t.Fatalf("execution = %q, want success", got.Status)
	}
}
