package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/animus-mes/internal/domain"
)

// SessionStore persists execution sessions. The partial unique index
// execution_sessions_open_key_idx allows one OPEN row per key; InsertSession
// surfaces a collision as repo.ErrUniqueViolation.
type SessionStore struct {
	db   DB
	lock bool
}

const (
	sessionColumns = `id, station_id, batch_id, process_id, status, total_count, pass_count, fail_count, parameters, hardware_config, opened_by, opened_at, closed_at, cancel_reason`

	insertSessionQuery = `INSERT INTO execution_sessions (` + sessionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	RETURNING to_jsonb(execution_sessions)`

	selectSessionQuery = `SELECT ` + sessionColumns + `
	 FROM execution_sessions
	 WHERE id = $1`

	findOpenSessionQuery = `SELECT ` + sessionColumns + `
	 FROM execution_sessions
	 WHERE station_id = $1 AND batch_id = $2 AND process_id = $3 AND status = 'OPEN'`

	updateSessionQuery = `WITH prev AS (
		SELECT to_jsonb(e) AS snapshot FROM execution_sessions e WHERE e.id = $1 FOR UPDATE
	)
	UPDATE execution_sessions SET
		status = $2,
		total_count = $3,
		pass_count = $4,
		fail_count = $5,
		closed_at = $6,
		cancel_reason = $7
	WHERE id = $1
	RETURNING (SELECT snapshot FROM prev), to_jsonb(execution_sessions)`

	deleteSessionQuery = `DELETE FROM execution_sessions
	 WHERE id = $1
	 RETURNING to_jsonb(execution_sessions)`
)

func NewSessionStore(db DB) *SessionStore {
	if db == nil {
		return nil
	}
	return &SessionStore{db: db}
}

func (s *SessionStore) InsertSession(ctx context.Context, session domain.ExecutionSession) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	if err := session.Validate(); err != nil {
		return err
	}
	params, err := encodeMetadata(session.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	hardware, err := encodeMetadata(session.HardwareConfig)
	if err != nil {
		return fmt.Errorf("encode hardware config: %w", err)
	}

	var after []byte
	err = s.db.QueryRowContext(ctx, insertSessionQuery,
		session.ID,
		session.Key.StationID,
		session.Key.BatchID,
		session.Key.ProcessID,
		string(session.Status),
		session.TotalCount,
		session.PassCount,
		session.FailCount,
		params,
		hardware,
		nullIfEmpty(session.OpenedBy),
		normalizeTime(session.OpenedAt),
		nullTime(session.ClosedAt),
		nullIfEmpty(session.CancelReason),
	).Scan(&after)
	if err != nil {
		return writeError("insert session", err)
	}
	return audit(ctx, s.db, "session.open", "session", session.ID, nil, after)
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (domain.ExecutionSession, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionSession{}, fmt.Errorf("session store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectSessionQuery+lockClause(s.lock, "FOR UPDATE"), id)
	session, err := scanSession(row)
	if err != nil {
		return domain.ExecutionSession{}, handleNotFound(err)
	}
	return session, nil
}

func (s *SessionStore) FindOpenSession(ctx context.Context, key domain.SessionKey) (domain.ExecutionSession, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionSession{}, fmt.Errorf("session store not initialized")
	}
	row := s.db.QueryRowContext(ctx, findOpenSessionQuery+lockClause(s.lock, "FOR UPDATE"),
		key.StationID, key.BatchID, key.ProcessID)
	session, err := scanSession(row)
	if err != nil {
		return domain.ExecutionSession{}, handleNotFound(err)
	}
	return session, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, session domain.ExecutionSession) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	if err := session.Validate(); err != nil {
		return err
	}
	var before, after []byte
	err := s.db.QueryRowContext(ctx, updateSessionQuery,
		session.ID,
		string(session.Status),
		session.TotalCount,
		session.PassCount,
		session.FailCount,
		nullTime(session.ClosedAt),
		nullIfEmpty(session.CancelReason),
	).Scan(&before, &after)
	if err != nil {
		return writeError("update session", err)
	}
	return audit(ctx, s.db, "session.update", "session", session.ID, before, after)
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	var before []byte
	if err := s.db.QueryRowContext(ctx, deleteSessionQuery, id).Scan(&before); err != nil {
		return writeError("delete session", err)
	}
	return audit(ctx, s.db, "session.delete", "session", id, before, nil)
}

func scanSession(row scanner) (domain.ExecutionSession, error) {
	var (
		session      domain.ExecutionSession
		status       string
		params       []byte
		hardware     []byte
		openedBy     sql.NullString
		closedAt     sql.NullTime
		cancelReason sql.NullString
	)
	if err := row.Scan(
		&session.ID,
		&session.Key.StationID,
		&session.Key.BatchID,
		&session.Key.ProcessID,
		&status,
		&session.TotalCount,
		&session.PassCount,
		&session.FailCount,
		&params,
		&hardware,
		&openedBy,
		&session.OpenedAt,
		&closedAt,
		&cancelReason,
	); err != nil {
		return domain.ExecutionSession{}, err
	}
	var err error
	if session.Status, err = domain.ParseSessionStatus(status); err != nil {
		return domain.ExecutionSession{}, err
	}
	if session.Parameters, err = decodeMetadata(params); err != nil {
		return domain.ExecutionSession{}, fmt.Errorf("decode parameters: %w", err)
	}
	if session.HardwareConfig, err = decodeMetadata(hardware); err != nil {
		return domain.ExecutionSession{}, fmt.Errorf("decode hardware config: %w", err)
	}
	session.OpenedBy = openedBy.String
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosedAt = timePtr(closedAt)
	session.CancelReason = cancelReason.String
	return session, nil
}
