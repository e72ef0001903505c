package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

type UnitStore struct {
	db   DB
	lock bool
}

const (
	unitColumns = `id, code, batch_id, sequence_in_batch, status, current_step, step_started_at, serial_id, created_at, updated_at`

	insertUnitQuery = `INSERT INTO units (` + unitColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING to_jsonb(units)`

	selectUnitQuery = `SELECT ` + unitColumns + `
	 FROM units
	 WHERE id = $1`

	updateUnitQuery = `WITH prev AS (
		SELECT to_jsonb(u) AS snapshot FROM units u WHERE u.id = $1 FOR UPDATE
	)
	UPDATE units SET
		status = $2,
		current_step = $3,
		step_started_at = $4,
		serial_id = $5,
		updated_at = $6
	WHERE id = $1
	RETURNING (SELECT snapshot FROM prev), to_jsonb(units)`

	unitFilterClause = `
	 WHERE ($1 = '' OR batch_id = $1)
	   AND ($2 = '' OR status = $2)
	   AND ($3 = 0 OR current_step = $3)`

	listUnitsQuery = `SELECT ` + unitColumns + `
	 FROM units` + unitFilterClause + `
	 ORDER BY batch_id ASC, sequence_in_batch ASC`

	countUnitsQuery = `SELECT count(*) FROM units` + unitFilterClause
)

func NewUnitStore(db DB) *UnitStore {
	if db == nil {
		return nil
	}
	return &UnitStore{db: db}
}

func (s *UnitStore) CreateUnit(ctx context.Context, unit domain.Unit) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialized")
	}
	if err := unit.Validate(); err != nil {
		return err
	}
	var after []byte
	err := s.db.QueryRowContext(ctx, insertUnitQuery,
		unit.ID,
		unit.Code,
		unit.BatchID,
		unit.SequenceInBatch,
		string(unit.Status),
		nullInt(unit.CurrentStep),
		nullTime(unit.StepStartedAt),
		nullIfEmpty(unit.SerialID),
		normalizeTime(unit.CreatedAt),
		normalizeTime(unit.UpdatedAt),
	).Scan(&after)
	if err != nil {
		return writeError("insert unit", err)
	}
	return audit(ctx, s.db, "unit.create", "unit", unit.ID, nil, after)
}

// GetUnit locks the row when the store is bound to a transaction.
func (s *UnitStore) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	if s == nil || s.db == nil {
		return domain.Unit{}, fmt.Errorf("unit store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectUnitQuery+lockClause(s.lock, "FOR UPDATE"), id)
	unit, err := scanUnit(row)
	if err != nil {
		return domain.Unit{}, handleNotFound(err)
	}
	return unit, nil
}

func (s *UnitStore) UpdateUnit(ctx context.Context, unit domain.Unit) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("unit store not initialized")
	}
	if err := unit.Validate(); err != nil {
		return err
	}
	var before, after []byte
	err := s.db.QueryRowContext(ctx, updateUnitQuery,
		unit.ID,
		string(unit.Status),
		nullInt(unit.CurrentStep),
		nullTime(unit.StepStartedAt),
		nullIfEmpty(unit.SerialID),
		normalizeTime(unit.UpdatedAt),
	).Scan(&before, &after)
	if err != nil {
		return writeError("update unit", err)
	}
	return audit(ctx, s.db, "unit.update", "unit", unit.ID, before, after)
}

func (s *UnitStore) ListUnits(ctx context.Context, filter repo.UnitFilter) ([]domain.Unit, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("unit store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listUnitsQuery, filter.BatchID, string(filter.Status), filter.CurrentStep)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Unit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return out, nil
}

func (s *UnitStore) CountUnits(ctx context.Context, filter repo.UnitFilter) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("unit store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countUnitsQuery, filter.BatchID, string(filter.Status), filter.CurrentStep).Scan(&n); err != nil {
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}

func scanUnit(row scanner) (domain.Unit, error) {
	var (
		unit          domain.Unit
		status        string
		currentStep   sql.NullInt64
		stepStartedAt sql.NullTime
		serialID      sql.NullString
	)
	if err := row.Scan(
		&unit.ID,
		&unit.Code,
		&unit.BatchID,
		&unit.SequenceInBatch,
		&status,
		&currentStep,
		&stepStartedAt,
		&serialID,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	); err != nil {
		return domain.Unit{}, err
	}
	var err error
	if unit.Status, err = domain.ParseUnitStatus(status); err != nil {
		return domain.Unit{}, err
	}
	unit.CurrentStep = intPtr(currentStep)
	unit.StepStartedAt = timePtr(stepStartedAt)
	unit.SerialID = serialID.String
	unit.CreatedAt = unit.CreatedAt.UTC()
	unit.UpdatedAt = unit.UpdatedAt.UTC()
	return unit, nil
}
