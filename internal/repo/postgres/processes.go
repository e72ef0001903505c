package postgres

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/domain"
)

type ProcessStore struct {
	db   DB
	lock bool
}

const (
	listProcessesQuery = `SELECT id, step_number, name, kind, is_active
	 FROM processes
	 ORDER BY step_number ASC`

	upsertProcessQuery = `WITH prev AS (
		SELECT to_jsonb(p) AS snapshot FROM processes p WHERE p.id = $1 FOR UPDATE
	)
	INSERT INTO processes (id, step_number, name, kind, is_active, updated_at)
	VALUES ($1,$2,$3,$4,$5,now())
	ON CONFLICT (id) DO UPDATE SET
		step_number = EXCLUDED.step_number,
		name = EXCLUDED.name,
		kind = EXCLUDED.kind,
		is_active = EXCLUDED.is_active,
		updated_at = now()
	RETURNING (SELECT snapshot FROM prev), to_jsonb(processes)`
)

func NewProcessStore(db DB) *ProcessStore {
	if db == nil {
		return nil
	}
	return &ProcessStore{db: db}
}

// ListProcesses takes a share lock inside a transaction so catalog changes
// wait for in-flight step operations.
func (s *ProcessStore) ListProcesses(ctx context.Context) ([]domain.ProcessDefinition, error) {
	return s.listProcesses(ctx, "FOR SHARE")
}

// ListProcessesForUpdate locks every process row exclusively up front, so a
// catalog writer never upgrades a share lock and step operations wait for it.
func (s *ProcessStore) ListProcessesForUpdate(ctx context.Context) ([]domain.ProcessDefinition, error) {
	return s.listProcesses(ctx, "FOR UPDATE")
}

func (s *ProcessStore) listProcesses(ctx context.Context, mode string) ([]domain.ProcessDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("process store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listProcessesQuery+lockClause(s.lock, mode))
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessDefinition, 0)
	for rows.Next() {
		var def domain.ProcessDefinition
		var kind string
		if err := rows.Scan(&def.ID, &def.StepNumber, &def.Name, &kind, &def.IsActive); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		def.Kind, err = domain.ParseStepKind(kind)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return out, nil
}

func (s *ProcessStore) UpsertProcess(ctx context.Context, def domain.ProcessDefinition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("process store not initialized")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	var before, after []byte
	err := s.db.QueryRowContext(ctx, upsertProcessQuery,
		def.ID, def.StepNumber, def.Name, string(def.Kind), def.IsActive,
	).Scan(&before, &after)
	if err != nil {
		return writeError("upsert process", err)
	}
	return audit(ctx, s.db, "process.upsert", "process", def.ID, before, after)
}
