package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-execution-manager/internal/models"
)

var _ Store = (*Postgres)(nil)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateExecution inserts an execution row. A missing id gets a fresh UUID;
// missing timestamps default to now.
func (s *Postgres) CreateExecution(ctx context.Context, exec models.ExecutionRecord) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
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

	paramsJSON, err := json.Marshal(exec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	resultsJSON, err := marshalResults(exec.Results)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (id, type, action, parameters, target_nodes, status, started_at, completed_at, results, error, batch_id, batch_position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, exec.ID, exec.Type, exec.Action, paramsJSON, exec.TargetNodes, exec.Status, exec.StartedAt,
		exec.CompletedAt, resultsJSON, emptyToNil(exec.Error), emptyToNil(exec.BatchID), exec.BatchPosition,
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `id, type, action, parameters, target_nodes, status, started_at, completed_at, results, error, batch_id, batch_position, created_at, updated_at`

// GetExecution fetches an execution by id.
func (s *Postgres) GetExecution(ctx context.Context, id string) (models.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE id = $1
	`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionRecord{}, ErrNotFound
	}
	return exec, err
}

// ListExecutionsByBatch returns a batch's executions ordered by their
// position in the batch's target list.
func (s *Postgres) ListExecutionsByBatch(ctx context.Context, batchID string) ([]models.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE batch_id = $1
		ORDER BY batch_position ASC NULLS LAST, created_at ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch executions: %w", err)
	}
	defer rows.Close()

	var execs []models.ExecutionRecord
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch executions: %w", err)
	}
	return execs, nil
}

// MarkExecutionRunning transitions queued to running.
func (s *Postgres) MarkExecutionRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusRunning, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark execution running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishExecution records the terminal outcome unless the execution already
// reached one.
func (s *Postgres) FinishExecution(ctx context.Context, id, status string, results []models.ExecutionResult, errMsg string, completedAt time.Time) (bool, error) {
	resultsJSON, err := marshalResults(results)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, results = $3, error = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)
	`, id, status, resultsJSON, emptyToNil(errMsg), completedAt, models.StatusSuccess, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkExecutionFailedIfRunning is the forced-failure edge used by batch
// cancellation. Queued and terminal executions are untouched.
func (s *Postgres) MarkExecutionFailedIfRunning(ctx context.Context, id, errMsg string, completedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, error = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, errMsg, completedAt, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark execution failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateBatch inserts a batch row.
func (s *Postgres) CreateBatch(ctx context.Context, batch models.BatchRecord) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusRunning
	}

	paramsJSON, err := json.Marshal(batch.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	statsJSON, err := json.Marshal(batch.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO batches (id, type, action, parameters, target_nodes, target_groups, status, created_at, started_at, completed_at, user_id, execution_ids, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, batch.ID, batch.Type, batch.Action, paramsJSON, batch.TargetNodes, batch.TargetGroups,
		batch.Status, batch.CreatedAt, batch.StartedAt, batch.CompletedAt, batch.UserID,
		batch.ExecutionIDs, statsJSON)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by id.
func (s *Postgres) GetBatch(ctx context.Context, id string) (models.BatchRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, action, parameters, target_nodes, target_groups, status, created_at, started_at, completed_at, user_id, execution_ids, stats
		FROM batches WHERE id = $1
	`, id)

	var batch models.BatchRecord
	var paramsJSON, statsJSON []byte
	var started, completed pgtype.Timestamptz

	err := row.Scan(&batch.ID, &batch.Type, &batch.Action, &paramsJSON, &batch.TargetNodes,
		&batch.TargetGroups, &batch.Status, &batch.CreatedAt, &started, &completed,
		&batch.UserID, &batch.ExecutionIDs, &statsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchRecord{}, ErrNotFound
	}
	if err != nil {
		return models.BatchRecord{}, fmt.Errorf("scan batch: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &batch.Parameters); err != nil {
		return models.BatchRecord{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &batch.Stats); err != nil {
		return models.BatchRecord{}, fmt.Errorf("unmarshal stats: %w", err)
	}
	batch.StartedAt = tsPtr(started)
	batch.CompletedAt = tsPtr(completed)
	return batch, nil
}

// UpdateBatchStats refreshes the persisted stats snapshot.
func (s *Postgres) UpdateBatchStats(ctx context.Context, id string, stats models.BatchStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET stats = $2 WHERE id = $1
	`, id, statsJSON)
	if err != nil {
		return fmt.Errorf("update batch stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishBatchIfRunning finalizes a batch unless it already left running,
// so an explicit cancellation is never overwritten.
func (s *Postgres) FinishBatchIfRunning(ctx context.Context, id, status string, completedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, completedAt, models.BatchStatusRunning)
	if err != nil {
		return false, fmt.Errorf("finish batch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkBatchCancelled sets the batch cancelled regardless of current status.
func (s *Postgres) MarkBatchCancelled(ctx context.Context, id string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = $3 WHERE id = $1
	`, id, models.BatchStatusCancelled, completedAt)
	if err != nil {
		return fmt.Errorf("mark batch cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, entityID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (models.ExecutionRecord, error) {
	var exec models.ExecutionRecord
	var paramsJSON, resultsJSON []byte
	var errText, batchID pgtype.Text
	var pos pgtype.Int4
	var completed pgtype.Timestamptz

	err := row.Scan(&exec.ID, &exec.Type, &exec.Action, &paramsJSON, &exec.TargetNodes,
		&exec.Status, &exec.StartedAt, &completed, &resultsJSON, &errText, &batchID, &pos,
		&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ExecutionRecord{}, err
		}
		return models.ExecutionRecord{}, fmt.Errorf("scan execution: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &exec.Parameters); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &exec.Results); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("unmarshal results: %w", err)
	}
	exec.Error = textVal(errText)
	exec.BatchID = textVal(batchID)
	exec.BatchPosition = int4Ptr(pos)
	exec.CompletedAt = tsPtr(completed)
	return exec, nil
}

func marshalResults(results []models.ExecutionResult) ([]byte, error) {
	if results == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return b, nil
}

func textVal(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
