package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestMutationQueriesReturnAuditSnapshots(t *testing.T) {
	updates := map[string]string{
		"process": upsertProcessQuery,
		"unit":    updateUnitQuery,
		"serial":  updateSerialQuery,
		"batch":   updateBatchQuery,
		"session": updateSessionQuery,
	}
	for name, q := range updates {
		if !strings.Contains(q, "WITH prev AS") || !strings.Contains(q, "FOR UPDATE") {
			t.Fatalf("expected locked prev snapshot in %s update", name)
		}
		if !strings.Contains(q, "RETURNING (SELECT snapshot FROM prev), to_jsonb(") {
			t.Fatalf("expected before/after snapshots in %s update", name)
		}
	}

	inserts := []string{insertUnitQuery, insertStepRecordQuery, insertSerialQuery, insertBatchQuery, insertSessionQuery, deleteSessionQuery}
	for _, q := range inserts {
		if !strings.Contains(q, "RETURNING to_jsonb(") {
			t.Fatalf("expected row snapshot in %q", q)
		}
	}
}

func TestSessionQueriesTargetOpenKey(t *testing.T) {
	if !strings.Contains(findOpenSessionQuery, "station_id = $1 AND batch_id = $2 AND process_id = $3 AND status = 'OPEN'") {
		t.Fatalf("expected full key predicate in open session lookup")
	}
	if strings.Contains(insertSessionQuery, "ON CONFLICT") {
		t.Fatalf("session insert must surface unique violations")
	}
}

func TestStepRecordsAreAppendOnly(t *testing.T) {
	if strings.Contains(insertStepRecordQuery, "ON CONFLICT") {
		t.Fatalf("step record insert must surface duplicate PASS")
	}
	if !strings.Contains(passedStepsQuery, "result = 'PASS'") {
		t.Fatalf("expected PASS filter in passed steps query")
	}
	if !strings.Contains(listStepRecordsByUnitQuery, "ORDER BY completed_at ASC") {
		t.Fatalf("expected chronological order in history query")
	}
}

func TestUnitFilterTreatsZeroValuesAsWildcards(t *testing.T) {
	for _, q := range []string{listUnitsQuery, countUnitsQuery} {
		for _, clause := range []string{"($1 = '' OR batch_id = $1)", "($2 = '' OR status = $2)", "($3 = 0 OR current_step = $3)"} {
			if !strings.Contains(q, clause) {
				t.Fatalf("expected %q in %q", clause, q)
			}
		}
	}
}

func TestLockClause(t *testing.T) {
	if got := lockClause(false, "FOR UPDATE"); got != "" {
		t.Fatalf("expected no clause outside tx, got %q", got)
	}
	if got := lockClause(true, "FOR SHARE"); got != " FOR SHARE" {
		t.Fatalf("unexpected clause %q", got)
	}
}

func TestNilStoresReportNotInitialized(t *testing.T) {
	if NewUnitStore(nil) != nil || NewSessionStore(nil) != nil || NewStore(nil) != nil {
		t.Fatalf("expected nil stores for nil db")
	}
	var s *SessionStore
	if err := s.DeleteSession(context.Background(), "x"); err == nil {
		t.Fatalf("expected error from nil store")
	}
}

// recordingDB captures the last query and fails it.
type recordingDB struct{ query string }

var errRecorded = errors.New("recorded")

func (d *recordingDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	d.query = query
	return nil, errRecorded
}

func (d *recordingDB) QueryContext(_ context.Context, query string, _ ...any) (*sql.Rows, error) {
	d.query = query
	return nil, errRecorded
}

func (d *recordingDB) QueryRowContext(_ context.Context, query string, _ ...any) *sql.Row {
	d.query = query
	return nil
}

func TestProcessListLockModes(t *testing.T) {
	ctx := context.Background()
	db := &recordingDB{}
	tx := &ProcessStore{db: db, lock: true}

	if _, err := tx.ListProcesses(ctx); !errors.Is(err, errRecorded) {
		t.Fatalf("expected recorded error, got %v", err)
	}
	if !strings.HasSuffix(db.query, " FOR SHARE") {
		t.Fatalf("step operations should share-lock the catalog: %s", db.query)
	}
	if _, err := tx.ListProcessesForUpdate(ctx); !errors.Is(err, errRecorded) {
		t.Fatalf("expected recorded error, got %v", err)
	}
	if !strings.HasSuffix(db.query, " FOR UPDATE") || strings.Contains(db.query, "FOR SHARE") {
		t.Fatalf("catalog writers should lock exclusively: %s", db.query)
	}

	plain := NewProcessStore(db)
	if _, err := plain.ListProcessesForUpdate(ctx); !errors.Is(err, errRecorded) {
		t.Fatalf("expected recorded error, got %v", err)
	}
	if strings.Contains(db.query, "FOR ") {
		t.Fatalf("no row locks outside a transaction: %s", db.query)
	}
}
