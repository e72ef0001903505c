package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	bad := cfg
	bad.MaxIdleConns = bad.MaxOpenConns + 1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for idle > open")
	}
	bad = cfg
	bad.URL = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations() err=%v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != "0001_init" {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}
	schema := migrations[0].SQL
	for _, want := range []string{
		"ON execution_sessions (station_id, batch_id, process_id)\n    WHERE status = 'OPEN'",
		"ON step_records (unit_id, step_number)\n    WHERE result = 'PASS'",
		"CREATE TABLE audit_events",
		"rework_count BETWEEN 0 AND 3",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("expected migration to contain %q", want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "execution_sessions_open_key_idx"})
	if !IsUniqueViolation(wrapped) {
		t.Fatalf("expected unique violation")
	}
	if got := ConstraintName(wrapped); got != "execution_sessions_open_key_idx" {
		t.Fatalf("ConstraintName()=%q", got)
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}
