// Package store persists execution and batch records. Two implementations
// exist: Postgres for deployments and Memory for tests and dev mode.
package store

import (
	"context"
	"errors"
	"time"

	"fleet-execution-manager/internal/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by both backends. Status
// transitions are conditional updates: terminal execution states are sticky,
// the forced-failure edge applies only to running executions, and batch
// finalization applies only while the batch is still running. Each method
// returning a bool reports whether the transition was applied.
type Store interface {
	CreateExecution(ctx context.Context, exec models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (models.ExecutionRecord, error)
	ListExecutionsByBatch(ctx context.Context, batchID string) ([]models.ExecutionRecord, error)
	MarkExecutionRunning(ctx context.Context, id string) (bool, error)
	FinishExecution(ctx context.Context, id, status string, results []models.ExecutionResult, errMsg string, completedAt time.Time) (bool, error)
	MarkExecutionFailedIfRunning(ctx context.Context, id, errMsg string, completedAt time.Time) (bool, error)

	CreateBatch(ctx context.Context, batch models.BatchRecord) error
	GetBatch(ctx context.Context, id string) (models.BatchRecord, error)
	UpdateBatchStats(ctx context.Context, id string, stats models.BatchStats) error
	FinishBatchIfRunning(ctx context.Context, id, status string, completedAt time.Time) (bool, error)
	MarkBatchCancelled(ctx context.Context, id string, completedAt time.Time) error

	AppendAudit(ctx context.Context, entityID, event, detail string) error
	Close()
}
