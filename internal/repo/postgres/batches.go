package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

type BatchStore struct {
	db   DB
	lock bool
}

const (
	batchColumns = `id, lot_number, production_date, target_quantity, actual_quantity, passed_quantity, failed_quantity, status, created_at, completed_at, closed_at`

	insertBatchQuery = `INSERT INTO batches (` + batchColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	RETURNING to_jsonb(batches)`

	selectBatchQuery = `SELECT ` + batchColumns + `
	 FROM batches
	 WHERE id = $1`

	updateBatchQuery = `WITH prev AS (
		SELECT to_jsonb(b) AS snapshot FROM batches b WHERE b.id = $1 FOR UPDATE
	)
	UPDATE batches SET
		actual_quantity = $2,
		passed_quantity = $3,
		failed_quantity = $4,
		status = $5,
		completed_at = $6,
		closed_at = $7
	WHERE id = $1
	RETURNING (SELECT snapshot FROM prev), to_jsonb(batches)`

	listBatchesQuery = `SELECT ` + batchColumns + `
	 FROM batches
	 WHERE ($1 = '' OR status = $1)
	 ORDER BY created_at DESC, id ASC
	 LIMIT $2`
)

func NewBatchStore(db DB) *BatchStore {
	if db == nil {
		return nil
	}
	return &BatchStore{db: db}
}

func (s *BatchStore) CreateBatch(ctx context.Context, batch domain.Batch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	var after []byte
	err := s.db.QueryRowContext(ctx, insertBatchQuery,
		batch.ID,
		batch.LotNumber,
		normalizeTime(batch.ProductionDate),
		batch.TargetQuantity,
		batch.ActualQuantity,
		batch.PassedQuantity,
		batch.FailedQuantity,
		string(batch.Status),
		normalizeTime(batch.CreatedAt),
		nullTime(batch.CompletedAt),
		nullTime(batch.ClosedAt),
	).Scan(&after)
	if err != nil {
		return writeError("insert batch", err)
	}
	return audit(ctx, s.db, "batch.create", "batch", batch.ID, nil, after)
}

// GetBatch locks the row when the store is bound to a transaction, which
// serializes counter updates per batch.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	if s == nil || s.db == nil {
		return domain.Batch{}, fmt.Errorf("batch store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectBatchQuery+lockClause(s.lock, "FOR UPDATE"), id)
	batch, err := scanBatch(row)
	if err != nil {
		return domain.Batch{}, handleNotFound(err)
	}
	return batch, nil
}

func (s *BatchStore) UpdateBatch(ctx context.Context, batch domain.Batch) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	var before, after []byte
	err := s.db.QueryRowContext(ctx, updateBatchQuery,
		batch.ID,
		batch.ActualQuantity,
		batch.PassedQuantity,
		batch.FailedQuantity,
		string(batch.Status),
		nullTime(batch.CompletedAt),
		nullTime(batch.ClosedAt),
	).Scan(&before, &after)
	if err != nil {
		return writeError("update batch", err)
	}
	return audit(ctx, s.db, "batch.update", "batch", batch.ID, before, after)
}

func (s *BatchStore) ListBatches(ctx context.Context, filter repo.BatchFilter) ([]domain.Batch, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("batch store not initialized")
	}
	// LIMIT NULL returns every row.
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, listBatchesQuery, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Batch, 0)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

func scanBatch(row scanner) (domain.Batch, error) {
	var (
		batch       domain.Batch
		status      string
		completedAt sql.NullTime
		closedAt    sql.NullTime
	)
	if err := row.Scan(
		&batch.ID,
		&batch.LotNumber,
		&batch.ProductionDate,
		&batch.TargetQuantity,
		&batch.ActualQuantity,
		&batch.PassedQuantity,
		&batch.FailedQuantity,
		&status,
		&batch.CreatedAt,
		&completedAt,
		&closedAt,
	); err != nil {
		return domain.Batch{}, err
	}
	var err error
	if batch.Status, err = domain.ParseBatchStatus(status); err != nil {
		return domain.Batch{}, err
	}
	batch.ProductionDate = batch.ProductionDate.UTC()
	batch.CreatedAt = batch.CreatedAt.UTC()
	batch.CompletedAt = timePtr(completedAt)
	batch.ClosedAt = timePtr(closedAt)
	return batch, nil
}
