package repo

import (
	"context"
	"errors"

	"github.com/animus-labs/animus-mes/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

type UnitFilter struct {
	BatchID     string
	Status      domain.UnitStatus
	CurrentStep int
}

type BatchFilter struct {
	Status domain.BatchStatus
	Limit  int
}

// ProcessRepository manages the step catalog definitions.
type ProcessRepository interface {
	ListProcesses(ctx context.Context) ([]domain.ProcessDefinition, error)
	// ListProcessesForUpdate is ListProcesses for catalog writers. Inside a
	// transaction it excludes concurrent step operations until commit.
	ListProcessesForUpdate(ctx context.Context) ([]domain.ProcessDefinition, error)
	UpsertProcess(ctx context.Context, def domain.ProcessDefinition) error
}

// UnitRepository manages WIP units. Units are never deleted.
type UnitRepository interface {
	CreateUnit(ctx context.Context, unit domain.Unit) error
	GetUnit(ctx context.Context, id string) (domain.Unit, error)
	UpdateUnit(ctx context.Context, unit domain.Unit) error
	ListUnits(ctx context.Context, filter UnitFilter) ([]domain.Unit, error)
	CountUnits(ctx context.Context, filter UnitFilter) (int, error)
}

// StepRecordRepository is append-only. AppendStepRecord returns
// ErrUniqueViolation for a second PASS on the same (unit, step).
type StepRecordRepository interface {
	AppendStepRecord(ctx context.Context, record domain.StepExecutionRecord) error
	ListStepRecordsByUnit(ctx context.Context, unitID string) ([]domain.StepExecutionRecord, error)
	ListStepRecordsByBatch(ctx context.Context, batchID string) ([]domain.StepExecutionRecord, error)
	PassedSteps(ctx context.Context, unitID string) ([]int, error)
}

// SerialRepository manages serials created by unit conversion.
type SerialRepository interface {
	CreateSerial(ctx context.Context, serial domain.Serial) error
	GetSerial(ctx context.Context, id string) (domain.Serial, error)
	UpdateSerial(ctx context.Context, serial domain.Serial) error
	ListSerialsByBatch(ctx context.Context, batchID string) ([]domain.Serial, error)
}

// BatchRepository manages LOTs and their counters.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) error
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.Batch, error)
}

// SessionRepository manages execution sessions. InsertSession returns
// ErrUniqueViolation when an OPEN session already exists for the key.
type SessionRepository interface {
	InsertSession(ctx context.Context, session domain.ExecutionSession) error
	GetSession(ctx context.Context, id string) (domain.ExecutionSession, error)
	FindOpenSession(ctx context.Context, key domain.SessionKey) (domain.ExecutionSession, error)
	UpdateSession(ctx context.Context, session domain.ExecutionSession) error
	DeleteSession(ctx context.Context, id string) error
}

// Repos groups the per-entity repositories bound to one connection or
// transaction.
type Repos interface {
	Processes() ProcessRepository
	Units() UnitRepository
	StepRecords() StepRecordRepository
	Serials() SerialRepository
	Batches() BatchRepository
	Sessions() SessionRepository
}

// Store exposes non-transactional reads through Repos and runs mutations in
// WithinTx. Entity reads inside fn hold the row until commit; fn returning an
// error rolls back every write made through tx.
type Store interface {
	Repos
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
}

type ctxKeyActor struct{}

// WithActor records who performs the mutations made with ctx. Stores attach
// it to the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxKeyActor{}, actor)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyActor{}).(string)
	return v, ok && v != ""
}
