package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/domain"
)

type SerialStore struct {
	db   DB
	lock bool
}

const (
	serialColumns = `id, serial_number, unit_id, batch_id, sequence_in_batch, status, rework_count, failure_reason, created_at, completed_at`

	insertSerialQuery = `INSERT INTO serials (` + serialColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING to_jsonb(serials)`

	selectSerialQuery = `SELECT ` + serialColumns + `
	 FROM serials
	 WHERE id = $1`

	updateSerialQuery = `WITH prev AS (
		SELECT to_jsonb(s) AS snapshot FROM serials s WHERE s.id = $1 FOR UPDATE
	)
	UPDATE serials SET
		status = $2,
		rework_count = $3,
		failure_reason = $4,
		completed_at = $5
	WHERE id = $1
	RETURNING (SELECT snapshot FROM prev), to_jsonb(serials)`

	listSerialsByBatchQuery = `SELECT ` + serialColumns + `
	 FROM serials
	 WHERE batch_id = $1
	 ORDER BY sequence_in_batch ASC`
)

func NewSerialStore(db DB) *SerialStore {
	if db == nil {
		return nil
	}
	return &SerialStore{db: db}
}

func (s *SerialStore) CreateSerial(ctx context.Context, serial domain.Serial) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("serial store not initialized")
	}
	if err := serial.Validate(); err != nil {
		return err
	}
	var after []byte
	err := s.db.QueryRowContext(ctx, insertSerialQuery,
		serial.ID,
		serial.SerialNumber,
		serial.UnitID,
		serial.BatchID,
		serial.SequenceInBatch,
		string(serial.Status),
		serial.ReworkCount,
		nullIfEmpty(serial.FailureReason),
		normalizeTime(serial.CreatedAt),
		nullTime(serial.CompletedAt),
	).Scan(&after)
	if err != nil {
		return writeError("insert serial", err)
	}
	return audit(ctx, s.db, "serial.create", "serial", serial.ID, nil, after)
}

func (s *SerialStore) GetSerial(ctx context.Context, id string) (domain.Serial, error) {
	if s == nil || s.db == nil {
		return domain.Serial{}, fmt.Errorf("serial store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectSerialQuery+lockClause(s.lock, "FOR UPDATE"), id)
	serial, err := scanSerial(row)
	if err != nil {
		return domain.Serial{}, handleNotFound(err)
	}
	return serial, nil
}

func (s *SerialStore) UpdateSerial(ctx context.Context, serial domain.Serial) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("serial store not initialized")
	}
	if err := serial.Validate(); err != nil {
		return err
	}
	var before, after []byte
	err := s.db.QueryRowContext(ctx, updateSerialQuery,
		serial.ID,
		string(serial.Status),
		serial.ReworkCount,
		nullIfEmpty(serial.FailureReason),
		nullTime(serial.CompletedAt),
	).Scan(&before, &after)
	if err != nil {
		return writeError("update serial", err)
	}
	return audit(ctx, s.db, "serial.update", "serial", serial.ID, before, after)
}

func (s *SerialStore) ListSerialsByBatch(ctx context.Context, batchID string) ([]domain.Serial, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("serial store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listSerialsByBatchQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("list serials: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Serial, 0)
	for rows.Next() {
		serial, err := scanSerial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, serial)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list serials: %w", err)
	}
	return out, nil
}

func scanSerial(row scanner) (domain.Serial, error) {
	var (
		serial      domain.Serial
		status      string
		reason      sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&serial.ID,
		&serial.SerialNumber,
		&serial.UnitID,
		&serial.BatchID,
		&serial.SequenceInBatch,
		&status,
		&serial.ReworkCount,
		&reason,
		&serial.CreatedAt,
		&completedAt,
	); err != nil {
		return domain.Serial{}, err
	}
	var err error
	if serial.Status, err = domain.ParseSerialStatus(status); err != nil {
		return domain.Serial{}, err
	}
	serial.FailureReason = reason.String
	serial.CreatedAt = serial.CreatedAt.UTC()
	serial.CompletedAt = timePtr(completedAt)
	return serial, nil
}
