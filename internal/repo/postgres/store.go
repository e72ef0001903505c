// Package postgres implements repo.Store on PostgreSQL. Every mutation
// appends an audit_events row through the same handle, so the audit trail
// commits or rolls back with the change.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/repo"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) Processes() repo.ProcessRepository      { return NewProcessStore(s.db) }
func (s *Store) Units() repo.UnitRepository             { return NewUnitStore(s.db) }
func (s *Store) StepRecords() repo.StepRecordRepository { return NewStepRecordStore(s.db) }
func (s *Store) Serials() repo.SerialRepository         { return NewSerialStore(s.db) }
func (s *Store) Batches() repo.BatchRepository          { return NewBatchStore(s.db) }
func (s *Store) Sessions() repo.SessionRepository       { return NewSessionStore(s.db) }

// WithinTx runs fn in a READ COMMITTED transaction. Entity reads made through
// tx take row locks that are held until commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Repos) error) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, txRepos{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txRepos struct {
	tx *sql.Tx
}

func (r txRepos) Processes() repo.ProcessRepository      { return &ProcessStore{db: r.tx, lock: true} }
func (r txRepos) Units() repo.UnitRepository             { return &UnitStore{db: r.tx, lock: true} }
func (r txRepos) StepRecords() repo.StepRecordRepository { return &StepRecordStore{db: r.tx} }
func (r txRepos) Serials() repo.SerialRepository         { return &SerialStore{db: r.tx, lock: true} }
func (r txRepos) Batches() repo.BatchRepository          { return &BatchStore{db: r.tx, lock: true} }
func (r txRepos) Sessions() repo.SessionRepository       { return &SessionStore{db: r.tx, lock: true} }
