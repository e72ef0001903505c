package wip

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry/telemetrytest"
	"github.com/animus-labs/animus-mes/internal/repo"
	"github.com/animus-labs/animus-mes/internal/repo/memstore"
	"github.com/animus-labs/animus-mes/internal/service/lots"
	"github.com/animus-labs/animus-mes/internal/service/sessions"
)

type fixture struct {
	store    *memstore.Store
	lots     *lots.Aggregator
	sessions *sessions.Manager
	svc      *Service
	batch    domain.Batch
	units    []domain.Unit
}

// newFixture seeds steps 1-3 (MANUFACTURING) and 4 (SERIAL_CONVERSION) and a
// batch of target units.
func newFixture(t *testing.T, target int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	for _, def := range []domain.ProcessDefinition{
		{ID: "P10", StepNumber: 1, Name: "SMT", Kind: domain.StepManufacturing, IsActive: true},
		{ID: "P20", StepNumber: 2, Name: "Reflow", Kind: domain.StepManufacturing, IsActive: true},
		{ID: "P30", StepNumber: 3, Name: "ICT", Kind: domain.StepManufacturing, IsActive: true},
		{ID: "P90", StepNumber: 4, Name: "Serialize", Kind: domain.StepSerialConversion, IsActive: true},
	} {
		require.NoError(t, store.Processes().UpsertProcess(ctx, def))
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	agg := lots.New(store, logger)
	sess := sessions.New(store, logger)
	batch, err := agg.CreateBatch(ctx, lots.CreateBatchRequest{LotNumber: "LOT-A", TargetQuantity: target, Operator: "planner"})
	require.NoError(t, err)
	units, err := agg.GenerateUnits(ctx, batch.ID, target, "planner")
	require.NoError(t, err)
	return &fixture{
		store:    store,
		lots:     agg,
		sessions: sess,
		svc:      New(store, agg, sess, logger),
		batch:    batch,
		units:    units,
	}
}

func (f *fixture) start(t *testing.T, unitID string, step int) domain.Unit {
	t.Helper()
	u, err := f.svc.StartStep(context.Background(), StartRequest{UnitID: unitID, StepNumber: step, Operator: "op-1", Equipment: "line-1"})
	require.NoError(t, err)
	return u
}

func (f *fixture) complete(t *testing.T, unitID string, step int, result domain.StepResult) domain.StepExecutionRecord {
	t.Helper()
	rec, err := f.svc.CompleteStep(context.Background(), CompleteRequest{
		UnitID: unitID, StepNumber: step, Operator: "op-1", Equipment: "line-1", Result: result,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) passAll(t *testing.T, unitID string) {
	t.Helper()
	for step := 1; step <= 3; step++ {
		f.start(t, unitID, step)
		f.complete(t, unitID, step, domain.ResultPass)
	}
}

func (f *fixture) unit(t *testing.T, id string) domain.Unit {
	t.Helper()
	u, found, err := f.svc.GetUnit(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return u
}

func TestStartStepFirstStepMovesBatchInProgress(t *testing.T) {
	f := newFixture(t, 2)
	u := f.start(t, f.units[0].ID, 1)

	assert.Equal(t, domain.UnitInProgress, u.Status)
	require.NotNil(t, u.CurrentStep)
	assert.Equal(t, 1, *u.CurrentStep)
	assert.NotNil(t, u.StepStartedAt)

	batch, found, err := f.lots.Get(context.Background(), f.batch.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.BatchInProgress, batch.Status)

	history, err := f.svc.History(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "starting a step writes no record")
}

func TestStartStepRejectsUnknownAndInactiveSteps(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.StartStep(ctx, StartRequest{UnitID: f.units[0].ID, StepNumber: 7, Operator: "op-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.store.Processes().UpsertProcess(ctx, domain.ProcessDefinition{
		ID: "P20", StepNumber: 2, Name: "Reflow", Kind: domain.StepManufacturing, IsActive: false,
	}))
	_, err = f.svc.StartStep(ctx, StartRequest{UnitID: f.units[0].ID, StepNumber: 2, Operator: "op-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidStep)

	_, err = f.svc.StartStep(ctx, StartRequest{UnitID: "missing", StepNumber: 1, Operator: "op-1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.StartStep(ctx, StartRequest{UnitID: f.units[0].ID, StepNumber: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInactiveStepIsSkippedBySequence(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	require.NoError(t, f.store.Processes().UpsertProcess(ctx, domain.ProcessDefinition{
		ID: "P20", StepNumber: 2, Name: "Reflow", Kind: domain.StepManufacturing, IsActive: false,
	}))
	id := f.units[0].ID
	f.start(t, id, 1)
	f.complete(t, id, 1, domain.ResultPass)
	f.start(t, id, 3)
	f.complete(t, id, 3, domain.ResultPass)
	assert.Equal(t, domain.UnitCompleted, f.unit(t, id).Status)
}

func TestSequenceViolationWithoutPreviousPass(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.units[0].ID

	for _, step := range []int{2, 3} {
		_, err := f.svc.StartStep(ctx, StartRequest{UnitID: id, StepNumber: step, Operator: "op-1"})
		require.ErrorIs(t, err, domain.ErrSequenceViolation, "start step %d", step)
		_, err = f.svc.CompleteStep(ctx, CompleteRequest{UnitID: id, StepNumber: step, Operator: "op-1", Result: domain.ResultPass})
		require.ErrorIs(t, err, domain.ErrSequenceViolation, "complete step %d", step)
	}

	f.start(t, id, 1)
	f.complete(t, id, 1, domain.ResultPass)
	_, err := f.svc.StartStep(ctx, StartRequest{UnitID: id, StepNumber: 3, Operator: "op-1"})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindSequenceViolation, de.Kind)
	assert.Equal(t, 3, de.Step)
	assert.Equal(t, []int{2}, de.Steps)

	f.start(t, id, 2)
	f.complete(t, id, 2, domain.ResultPass)
	f.start(t, id, 3)
}

func TestCompleteStepRequiresUnitAtStep(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.CompleteStep(context.Background(), CompleteRequest{
		UnitID: f.units[0].ID, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCompleteStepResults(t *testing.T) {
	reader := telemetrytest.Install(t)
	f := newFixture(t, 1)
	id := f.units[0].ID

	f.start(t, id, 1)
	rec := f.complete(t, id, 1, domain.ResultPass)
	assert.Equal(t, "P10", rec.ProcessID)
	assert.GreaterOrEqual(t, rec.Duration, time.Duration(0))
	u := f.unit(t, id)
	assert.Equal(t, domain.UnitInProgress, u.Status)
	assert.Nil(t, u.CurrentStep)

	f.start(t, id, 2)
	f.complete(t, id, 2, domain.ResultRework)
	assert.Equal(t, domain.UnitInProgress, f.unit(t, id).Status)

	f.start(t, id, 2)
	f.complete(t, id, 2, domain.ResultFail)
	u = f.unit(t, id)
	assert.Equal(t, domain.UnitFailed, u.Status)
	assert.Nil(t, u.CurrentStep)

	f.start(t, id, 2)
	f.complete(t, id, 2, domain.ResultPass)
	f.start(t, id, 3)
	f.complete(t, id, 3, domain.ResultPass)
	assert.Equal(t, domain.UnitCompleted, f.unit(t, id).Status)

	steps, err := f.svc.CompletedSteps(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, steps)

	history, err := f.svc.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 5, "failed and rework attempts are retained")

	completions := "mes.step.completions"
	assert.EqualValues(t, 3, telemetrytest.Sum(t, reader, completions, attribute.String("result", "PASS")))
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, completions, attribute.String("result", "FAIL")))
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, completions, attribute.String("result", "REWORK")))
}

func TestSecondPassIsDuplicate(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.units[0].ID
	f.start(t, id, 1)
	f.complete(t, id, 1, domain.ResultPass)

	_, err := f.svc.CompleteStep(ctx, CompleteRequest{UnitID: id, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass})
	require.ErrorIs(t, err, domain.ErrDuplicatePass)

	// FAIL on a passed step is still recorded.
	f.start(t, id, 1)
	f.complete(t, id, 1, domain.ResultFail)
	steps, err := f.svc.CompletedSteps(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, steps)
}

// A unit that fails a later step may restart the first step, but the PASS
// rule is per (unit, step) with no notion of rework cycles, so passing step 1
// a second time is rejected.
func TestEndToEndRestartedStepCannotPassTwice(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.units[0].ID

	f.start(t, id, 1)
	f.complete(t, id, 1, domain.ResultPass)
	f.start(t, id, 2)
	f.complete(t, id, 2, domain.ResultFail)
	require.Equal(t, domain.UnitFailed, f.unit(t, id).Status)

	u := f.start(t, id, 1)
	require.Equal(t, domain.UnitInProgress, u.Status)

	_, err := f.svc.CompleteStep(ctx, CompleteRequest{UnitID: id, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass})
	require.ErrorIs(t, err, domain.ErrDuplicatePass)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Step)
	assert.Equal(t, id, de.ID)

	history, err := f.svc.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestNegativeDurationIsDataIntegrity(t *testing.T) {
	f := newFixture(t, 1)
	id := f.units[0].ID
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }
	f.start(t, id, 1)

	f.svc.now = func() time.Time { return base.Add(-time.Minute) }
	_, err := f.svc.CompleteStep(context.Background(), CompleteRequest{UnitID: id, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass})
	require.ErrorIs(t, err, domain.ErrDataIntegrity)

	history, err := f.svc.History(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.True(t, f.unit(t, id).AtStep(1))
}

func TestConversionStep(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.units[0].ID

	_, err := f.svc.StartStep(ctx, StartRequest{UnitID: id, StepNumber: 4, Operator: "op-1"})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindIncompletePrerequisites, de.Kind)
	assert.Equal(t, []int{1, 2, 3}, de.Steps)

	f.passAll(t, id)
	_, err = f.svc.StartStep(ctx, StartRequest{UnitID: id, StepNumber: 1, Operator: "op-1"})
	require.ErrorIs(t, err, domain.ErrInvalidState, "completed units only start conversion")

	f.start(t, id, 4)
	f.complete(t, id, 4, domain.ResultPass)
	assert.Equal(t, domain.UnitCompleted, f.unit(t, id).Status)

	serial, err := f.svc.ConvertToSerial(ctx, id, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "LOT-A-0001", serial.SerialNumber)
}

func TestConvertToSerial(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.units[1].ID

	_, err := f.svc.ConvertToSerial(ctx, id, "op-1")
	require.ErrorIs(t, err, domain.ErrConversionNotAllowed)

	f.passAll(t, id)
	serial, err := f.svc.ConvertToSerial(ctx, id, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "LOT-A-0002", serial.SerialNumber)
	assert.Equal(t, domain.SerialCreated, serial.Status)
	assert.Equal(t, 2, serial.SequenceInBatch)

	u := f.unit(t, id)
	assert.Equal(t, domain.UnitConverted, u.Status)
	assert.Equal(t, serial.ID, u.SerialID)

	batch, _, err := f.lots.Get(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.PassedQuantity)
	assert.Equal(t, domain.BatchInProgress, batch.Status)

	_, err = f.svc.ConvertToSerial(ctx, id, "op-1")
	require.ErrorIs(t, err, domain.ErrConversionNotAllowed)
	_, err = f.svc.StartStep(ctx, StartRequest{UnitID: id, StepNumber: 1, Operator: "op-1"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConvertingLastUnitCompletesBatch(t *testing.T) {
	reader := telemetrytest.Install(t)
	f := newFixture(t, 2)
	ctx := context.Background()
	for _, u := range f.units {
		f.passAll(t, u.ID)
		_, err := f.svc.ConvertToSerial(ctx, u.ID, "op-1")
		require.NoError(t, err)
	}
	batch, _, err := f.lots.Get(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, batch.Status)
	assert.Equal(t, 2, batch.PassedQuantity)
	assert.NotNil(t, batch.CompletedAt)

	assert.EqualValues(t, 2, telemetrytest.Sum(t, reader, "mes.unit.conversions"))
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, "mes.lot.transitions", attribute.String("status", "COMPLETED")))
}

// hidingStore hides one PASS record from transactional reads.
type hidingStore struct {
	repo.Store
	hide int
}

func (s hidingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		return fn(ctx, hidingRepos{Repos: tx, hide: s.hide})
	})
}

type hidingRepos struct {
	repo.Repos
	hide int
}

func (r hidingRepos) StepRecords() repo.StepRecordRepository {
	return hidingRecords{StepRecordRepository: r.Repos.StepRecords(), hide: r.hide}
}

type hidingRecords struct {
	repo.StepRecordRepository
	hide int
}

func (r hidingRecords) PassedSteps(ctx context.Context, unitID string) ([]int, error) {
	steps, err := r.StepRecordRepository.PassedSteps(ctx, unitID)
	return slices.DeleteFunc(steps, func(n int) bool { return n == r.hide }), err
}

func TestConversionNamesMissingStep(t *testing.T) {
	for _, missing := range []int{1, 2, 3} {
		f := newFixture(t, 1)
		id := f.units[0].ID
		f.passAll(t, id)

		hiding := New(hidingStore{Store: f.store, hide: missing}, f.lots, f.sessions, slog.New(slog.NewJSONHandler(io.Discard, nil)))
		_, err := hiding.ConvertToSerial(context.Background(), id, "op-1")
		var de *domain.Error
		require.ErrorAs(t, err, &de, "missing step %d", missing)
		assert.Equal(t, domain.KindIncompletePrerequisites, de.Kind)
		assert.Equal(t, []int{missing}, de.Steps)
		assert.Equal(t, domain.UnitCompleted, f.unit(t, id).Status, "nothing committed")
	}
}

func TestCompleteStepCountsOnSession(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	session, created, err := f.sessions.OpenOrGet(ctx, sessions.OpenRequest{
		Key:      domain.SessionKey{StationID: "ST-1", BatchID: f.batch.ID, ProcessID: "P10"},
		OpenedBy: "op-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	f.start(t, f.units[0].ID, 1)
	_, err = f.svc.CompleteStep(ctx, CompleteRequest{UnitID: f.units[0].ID, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass, SessionID: session.ID})
	require.NoError(t, err)
	f.start(t, f.units[1].ID, 1)
	_, err = f.svc.CompleteStep(ctx, CompleteRequest{UnitID: f.units[1].ID, StepNumber: 1, Operator: "op-1", Result: domain.ResultFail, SessionID: session.ID})
	require.NoError(t, err)

	got, _, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 1, got.PassCount)
	assert.Equal(t, 1, got.FailCount)

	// A session for another process rolls the whole completion back.
	f.start(t, f.units[0].ID, 2)
	_, err = f.svc.CompleteStep(ctx, CompleteRequest{UnitID: f.units[0].ID, StepNumber: 2, Operator: "op-1", Result: domain.ResultPass, SessionID: session.ID})
	require.ErrorIs(t, err, domain.ErrValidation)
	steps, err := f.svc.CompletedSteps(ctx, f.units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, steps)

	_, err = f.sessions.Close(ctx, session.ID, "op-1")
	require.NoError(t, err)
	f.start(t, f.units[1].ID, 1)
	_, err = f.svc.CompleteStep(ctx, CompleteRequest{UnitID: f.units[1].ID, StepNumber: 1, Operator: "op-1", Result: domain.ResultPass, SessionID: session.ID})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	steps, err = f.svc.CompletedSteps(ctx, f.units[1].ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}
