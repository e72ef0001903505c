package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/animus-labs/animus-mes/internal/domain"
)

// StepRecordStore is append-only. The partial unique index on
// (unit_id, step_number) WHERE result = 'PASS' backs the one-PASS rule.
type StepRecordStore struct {
	db DB
}

const (
	stepRecordColumns = `id, unit_id, batch_id, step_number, process_id, session_id, operator, equipment, result, measurements, defects, started_at, completed_at, duration_ns`

	insertStepRecordQuery = `INSERT INTO step_records (` + stepRecordColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	RETURNING to_jsonb(step_records)`

	listStepRecordsByUnitQuery = `SELECT ` + stepRecordColumns + `
	 FROM step_records
	 WHERE unit_id = $1
	 ORDER BY completed_at ASC, id ASC`

	listStepRecordsByBatchQuery = `SELECT ` + stepRecordColumns + `
	 FROM step_records
	 WHERE batch_id = $1
	 ORDER BY completed_at ASC, id ASC`

	passedStepsQuery = `SELECT step_number
	 FROM step_records
	 WHERE unit_id = $1 AND result = 'PASS'
	 ORDER BY step_number ASC`
)

func NewStepRecordStore(db DB) *StepRecordStore {
	if db == nil {
		return nil
	}
	return &StepRecordStore{db: db}
}

func (s *StepRecordStore) AppendStepRecord(ctx context.Context, record domain.StepExecutionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step record store not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	measurements, err := encodeMetadata(record.Measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	defects := record.Defects
	if defects == nil {
		defects = []string{}
	}
	defectsJSON, err := json.Marshal(defects)
	if err != nil {
		return fmt.Errorf("encode defects: %w", err)
	}

	var after []byte
	err = s.db.QueryRowContext(ctx, insertStepRecordQuery,
		record.ID,
		record.UnitID,
		record.BatchID,
		record.StepNumber,
		record.ProcessID,
		nullIfEmpty(record.SessionID),
		record.Operator,
		nullIfEmpty(record.Equipment),
		string(record.Result),
		measurements,
		defectsJSON,
		record.StartedAt.UTC(),
		record.CompletedAt.UTC(),
		int64(record.Duration),
	).Scan(&after)
	if err != nil {
		return writeError("insert step record", err)
	}
	return audit(ctx, s.db, "step_record.append", "unit", record.UnitID, nil, after)
}

func (s *StepRecordStore) ListStepRecordsByUnit(ctx context.Context, unitID string) ([]domain.StepExecutionRecord, error) {
	return s.list(ctx, listStepRecordsByUnitQuery, unitID)
}

func (s *StepRecordStore) ListStepRecordsByBatch(ctx context.Context, batchID string) ([]domain.StepExecutionRecord, error) {
	return s.list(ctx, listStepRecordsByBatchQuery, batchID)
}

func (s *StepRecordStore) PassedSteps(ctx context.Context, unitID string) ([]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step record store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, passedStepsQuery, unitID)
	if err != nil {
		return nil, fmt.Errorf("list passed steps: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan passed step: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passed steps: %w", err)
	}
	return out, nil
}

func (s *StepRecordStore) list(ctx context.Context, query, id string) ([]domain.StepExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step record store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepExecutionRecord, 0)
	for rows.Next() {
		record, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	return out, nil
}

func scanStepRecord(row scanner) (domain.StepExecutionRecord, error) {
	var (
		record       domain.StepExecutionRecord
		sessionID    sql.NullString
		equipment    sql.NullString
		result       string
		measurements []byte
		defects      []byte
		durationNS   int64
	)
	if err := row.Scan(
		&record.ID,
		&record.UnitID,
		&record.BatchID,
		&record.StepNumber,
		&record.ProcessID,
		&sessionID,
		&record.Operator,
		&equipment,
		&result,
		&measurements,
		&defects,
		&record.StartedAt,
		&record.CompletedAt,
		&durationNS,
	); err != nil {
		return domain.StepExecutionRecord{}, fmt.Errorf("scan step record: %w", err)
	}
	var err error
	if record.Result, err = domain.ParseStepResult(result); err != nil {
		return domain.StepExecutionRecord{}, err
	}
	if record.Measurements, err = decodeMetadata(measurements); err != nil {
		return domain.StepExecutionRecord{}, fmt.Errorf("decode measurements: %w", err)
	}
	if len(defects) > 0 {
		if err := json.Unmarshal(defects, &record.Defects); err != nil {
			return domain.StepExecutionRecord{}, fmt.Errorf("decode defects: %w", err)
		}
	}
	record.SessionID = sessionID.String
	record.Equipment = equipment.String
	record.StartedAt = record.StartedAt.UTC()
	record.CompletedAt = record.CompletedAt.UTC()
	record.Duration = time.Duration(durationNS)
	return record, nil
}
