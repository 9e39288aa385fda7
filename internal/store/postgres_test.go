package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleet-execution-manager/internal/models"
)

// Round-trip against a real database. Skipped unless TEST_POSTGRES_DSN is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	batchID := uuid.NewString()
	execID := uuid.NewString()
	pos := 0

	err = s.CreateExecution(ctx, models.ExecutionRecord{
		ID:            execID,
		Type:          models.TypeCommand,
		Action:        "uptime",
		Parameters:    map[string]any{"timeout": float64(30)},
		TargetNodes:   []string{"node-1"},
		BatchID:       batchID,
		BatchPosition: &pos,
	})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	got, err := s.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != models.StatusQueued || got.BatchID != batchID || got.BatchPosition == nil || *got.BatchPosition != 0 {
		t.Fatalf("round-tripped execution = %+v", got)
	}
	if got.Parameters["timeout"] != float64(30) {
		t.Fatalf("parameters lost in round trip: %+v", got.Parameters)
	}

	if ok, err := s.MarkExecutionRunning(ctx, execID); err != nil || !ok {
		t.Fatalf("mark running = %v, %v", ok, err)
	}
	done := time.Now().UTC()
	results := []models.ExecutionResult{{NodeID: "node-1", ExitCode: 0, Stdout: "up 3 days"}}
	if ok, err := s.FinishExecution(ctx, execID, models.StatusSuccess, results, "", done); err != nil || !ok {
		t.Fatalf("finish = %v, %v", ok, err)
	}
	if ok, _ := s.FinishExecution(ctx, execID, models.StatusFailed, nil, "late", done); ok {
		t.Fatalf("terminal execution must be sticky")
	}

	execs, err := s.ListExecutionsByBatch(ctx, batchID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("list by batch = %d records, %v", len(execs), err)
	}
	if len(execs[0].Results) != 1 || execs[0].Results[0].Stdout != "up 3 days" {
		t.Fatalf("results lost in round trip: %+v", execs[0].Results)
	}

	err = s.CreateBatch(ctx, models.BatchRecord{
		ID:           batchID,
		Type:         models.TypeCommand,
		Action:       "uptime",
		TargetNodes:  []string{"node-1"},
		ExecutionIDs: []string{execID},
		UserID:       "ops",
		Stats:        models.BatchStats{Total: 1, Queued: 1},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if err := s.UpdateBatchStats(ctx, batchID, models.BatchStats{Total: 1, Success: 1}); err != nil {
		t.Fatalf("update stats: %v", err)
	}
	if ok, err := s.FinishBatchIfRunning(ctx, batchID, models.BatchStatusSuccess, done); err != nil || !ok {
		t.Fatalf("finish batch = %v, %v", ok, err)
	}

	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if batch.Status != models.BatchStatusSuccess || batch.Stats.Success != 1 || batch.CompletedAt == nil {
		t.Fatalf("round-tripped batch = %+v", batch)
	}

	if err := s.MarkBatchCancelled(ctx, batchID, done); err != nil {
		t.Fatalf("cancel batch: %v", err)
	}
	batch, _ = s.GetBatch(ctx, batchID)
	if batch.Status != models.BatchStatusCancelled {
		t.Fatalf("cancel is unconditional, got status %q", batch.Status)
	}

	if err := s.AppendAudit(ctx, batchID, "batch_cancelled", "test"); err != nil {
		t.Fatalf("append audit: %v", err)
	}
}
