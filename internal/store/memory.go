package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-execution-manager/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is a mutex-guarded in-memory Store used by tests and by the
// memory backend in dev deployments. Records are copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu      sync.Mutex
	execs   map[string]models.ExecutionRecord
	batches map[string]models.BatchRecord
	audits  []models.AuditLog
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		execs:   make(map[string]models.ExecutionRecord),
		batches: make(map[string]models.BatchRecord),
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateExecution(ctx context.Context, exec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if _, ok := m.execs[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = now
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	if exec.Status == "" {
		exec.Status = models.StatusQueued
	}
	m.execs[exec.ID] = copyExecution(exec)
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return models.ExecutionRecord{}, ErrNotFound
	}
	return copyExecution(exec), nil
}

func (m *Memory) ListExecutionsByBatch(ctx context.Context, batchID string) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var execs []models.ExecutionRecord
	for _, e := range m.execs {
		if e.BatchID == batchID {
			execs = append(execs, copyExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		pi, pj := positionOf(execs[i]), positionOf(execs[j])
		if pi != pj {
			return pi < pj
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (m *Memory) MarkExecutionRunning(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || exec.Status != models.StatusQueued {
		return false, nil
	}
	exec.Status = models.StatusRunning
	exec.UpdatedAt = time.Now().UTC()
	m.execs[id] = exec
	return true, nil
}

func (m *Memory) FinishExecution(ctx context.Context, id, status string, results []models.ExecutionResult, errMsg string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || models.IsTerminal(exec.Status) {
		return false, nil
	}
	exec.Status = status
	exec.Results = copyResults(results)
	exec.Error = errMsg
	exec.CompletedAt = &completedAt
	exec.UpdatedAt = time.Now().UTC()
	m.execs[id] = exec
	return true, nil
}

func (m *Memory) MarkExecutionFailedIfRunning(ctx context.Context, id, errMsg string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok || exec.Status != models.StatusRunning {
		return false, nil
	}
	exec.Status = models.StatusFailed
	exec.Error = errMsg
	exec.CompletedAt = &completedAt
	exec.UpdatedAt = time.Now().UTC()
	m.execs[id] = exec
	return true, nil
}

func (m *Memory) CreateBatch(ctx context.Context, batch models.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if _, ok := m.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusRunning
	}
	m.batches[batch.ID] = copyBatch(batch)
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (models.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return models.BatchRecord{}, ErrNotFound
	}
	return copyBatch(batch), nil
}

func (m *Memory) UpdateBatchStats(ctx context.Context, id string, stats models.BatchStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Stats = stats
	m.batches[id] = batch
	return nil
}

func (m *Memory) FinishBatchIfRunning(ctx context.Context, id, status string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok || batch.Status != models.BatchStatusRunning {
		return false, nil
	}
	batch.Status = status
	batch.CompletedAt = &completedAt
	m.batches[id] = batch
	return true, nil
}

func (m *Memory) MarkBatchCancelled(ctx context.Context, id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Status = models.BatchStatusCancelled
	batch.CompletedAt = &completedAt
	m.batches[id] = batch
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, entityID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{
		EntityID: entityID,
		Event:    event,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	})
	return nil
}

// AuditTrail returns the audit rows recorded for an entity, oldest first.
func (m *Memory) AuditTrail(entityID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audits {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	return out
}

func positionOf(e models.ExecutionRecord) int {
	if e.BatchPosition != nil {
		return *e.BatchPosition
	}
	return int(^uint(0) >> 1)
}

func copyExecution(e models.ExecutionRecord) models.ExecutionRecord {
	e.Parameters = copyMap(e.Parameters)
	e.TargetNodes = copyStrings(e.TargetNodes)
	e.Results = copyResults(e.Results)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		e.CompletedAt = &t
	}
	if e.BatchPosition != nil {
		p := *e.BatchPosition
		e.BatchPosition = &p
	}
	return e
}

func copyBatch(b models.BatchRecord) models.BatchRecord {
	b.Parameters = copyMap(b.Parameters)
	b.TargetNodes = copyStrings(b.TargetNodes)
	b.TargetGroups = copyStrings(b.TargetGroups)
	b.ExecutionIDs = copyStrings(b.ExecutionIDs)
	if b.StartedAt != nil {
		t := *b.StartedAt
		b.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		b.CompletedAt = &t
	}
	return b
}

func copyResults(results []models.ExecutionResult) []models.ExecutionResult {
	if results == nil {
		return nil
	}
	out := make([]models.ExecutionResult, len(results))
	for i, r := range results {
		r.Output = copyMap(r.Output)
		out[i] = r
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
