package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry/telemetrytest"
	"github.com/animus-labs/animus-mes/internal/repo"
	"github.com/animus-labs/animus-mes/internal/repo/memstore"
)

func newTestStore(t *testing.T) (*memstore.Store, domain.Batch) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Processes().UpsertProcess(ctx, domain.ProcessDefinition{
		ID: "P10", StepNumber: 1, Name: "SMT", Kind: domain.StepManufacturing, IsActive: true,
	}))
	require.NoError(t, store.Processes().UpsertProcess(ctx, domain.ProcessDefinition{
		ID: "P20", StepNumber: 2, Name: "AOI", Kind: domain.StepManufacturing, IsActive: false,
	}))
	batch := domain.Batch{ID: "batch-1", LotNumber: "LOT-1", TargetQuantity: 5, Status: domain.BatchCreated}
	require.NoError(t, store.Batches().CreateBatch(ctx, batch))
	return store, batch
}

func newTestManager(store repo.Store) *Manager {
	return New(store, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func openReq(batchID string) OpenRequest {
	return OpenRequest{
		Key:            domain.SessionKey{StationID: "ST-1", BatchID: batchID, ProcessID: "P10"},
		Parameters:     domain.Metadata{"temp_c": 245},
		HardwareConfig: domain.Metadata{"nozzle": "N3"},
		OpenedBy:       "op-1",
	}
}

func TestOpenOrGetIsIdempotent(t *testing.T) {
	store, batch := newTestStore(t)
	m := newTestManager(store)
	ctx := context.Background()

	first, created, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.SessionOpen, first.Status)

	again, created, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	found, ok, err := m.FindOpen(ctx, first.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)
}

func TestOpenOrGetConcurrentCallersShareOneSession(t *testing.T) {
	store, batch := newTestStore(t)
	m := newTestManager(store)
	const callers = 32

	var (
		mu      sync.Mutex
		ids     = map[string]int{}
		created atomic.Int32
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			s, wasCreated, err := m.OpenOrGet(ctx, openReq(batch.ID))
			if err != nil {
				return err
			}
			if wasCreated {
				created.Add(1)
			}
			mu.Lock()
			ids[s.ID]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, ids, 1)
	for _, n := range ids {
		assert.Equal(t, callers, n)
	}
}

// racingStore makes the first transactional lookup miss, as if a concurrent
// caller inserted between the lookup and the insert.
type racingStore struct {
	repo.Store
	missReread bool
	winner     domain.ExecutionSession
	rereads    atomic.Int32
}

func (s *racingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		return fn(ctx, racingRepos{Repos: tx})
	})
}

func (s *racingStore) Sessions() repo.SessionRepository {
	return rereadSessions{SessionRepository: s.Store.Sessions(), store: s}
}

type racingRepos struct{ repo.Repos }

func (r racingRepos) Sessions() repo.SessionRepository {
	return missingSessions{SessionRepository: r.Repos.Sessions()}
}

type missingSessions struct{ repo.SessionRepository }

func (missingSessions) FindOpenSession(context.Context, domain.SessionKey) (domain.ExecutionSession, error) {
	return domain.ExecutionSession{}, repo.ErrNotFound
}

type rereadSessions struct {
	repo.SessionRepository
	store *racingStore
}

func (r rereadSessions) FindOpenSession(ctx context.Context, key domain.SessionKey) (domain.ExecutionSession, error) {
	r.store.rereads.Add(1)
	if r.store.missReread {
		return domain.ExecutionSession{}, repo.ErrNotFound
	}
	return r.SessionRepository.FindOpenSession(ctx, key)
}

func TestOpenOrGetLostRaceReturnsWinner(t *testing.T) {
	reader := telemetrytest.Install(t)
	store, batch := newTestStore(t)
	ctx := context.Background()
	winner, created, err := newTestManager(store).OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	require.True(t, created)

	racing := &racingStore{Store: store}
	got, created, err := newTestManager(racing).OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, int32(1), racing.rereads.Load())

	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, "mes.session.opens", attribute.String("outcome", "created")))
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, "mes.session.opens", attribute.String("outcome", "existing")))
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, "mes.session.races", attribute.String("station_id", "ST-1")))
}

func TestOpenOrGetUnresolvedRaceIsRetryable(t *testing.T) {
	reader := telemetrytest.Install(t)
	store, batch := newTestStore(t)
	ctx := context.Background()
	_, _, err := newTestManager(store).OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)

	racing := &racingStore{Store: store, missReread: true}
	_, created, err := newTestManager(racing).OpenOrGet(ctx, openReq(batch.ID))
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.True(t, domain.KindOf(err).Retryable())
	assert.True(t, errors.Is(err, repo.ErrUniqueViolation))
	assert.False(t, created)
	assert.Equal(t, int32(1), racing.rereads.Load(), "re-read happens once")
	assert.EqualValues(t, 1, telemetrytest.Sum(t, reader, "mes.session.opens", attribute.String("outcome", "conflict")))
}

func TestOpenOrGetValidation(t *testing.T) {
	reader := telemetrytest.Install(t)
	store, batch := newTestStore(t)
	m := newTestManager(store)
	ctx := context.Background()

	req := openReq(batch.ID)
	req.Key.StationID = " "
	_, _, err := m.OpenOrGet(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = m.OpenOrGet(ctx, openReq("missing"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	req = openReq(batch.ID)
	req.Key.ProcessID = "P99"
	_, _, err = m.OpenOrGet(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)

	req.Key.ProcessID = "P20"
	_, _, err = m.OpenOrGet(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidStep)

	closed := domain.Batch{ID: "batch-2", LotNumber: "LOT-2", TargetQuantity: 1, ActualQuantity: 1, PassedQuantity: 1, Status: domain.BatchClosed}
	require.NoError(t, store.Batches().CreateBatch(ctx, closed))
	_, _, err = m.OpenOrGet(ctx, openReq(closed.ID))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.EqualValues(t, 5, telemetrytest.Sum(t, reader, "mes.session.opens", attribute.String("outcome", "rejected")))
	assert.Zero(t, telemetrytest.Sum(t, reader, "mes.session.opens", attribute.String("outcome", "created")))
}

func TestCloseAndCancelRequireOpen(t *testing.T) {
	store, batch := newTestStore(t)
	m := newTestManager(store)
	ctx := context.Background()

	s, _, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	closed, err := m.Close(ctx, s.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = m.Close(ctx, s.ID, "op-1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = m.Cancel(ctx, s.ID, "wrong lot", "op-1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	next, created, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	assert.True(t, created, "a closed session frees the key")
	assert.NotEqual(t, s.ID, next.ID)

	_, err = m.Cancel(ctx, next.ID, "  ", "op-1")
	assert.ErrorIs(t, err, domain.ErrValidation)
	cancelled, err := m.Cancel(ctx, next.ID, "wrong lot", "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, cancelled.Status)
	assert.Equal(t, "wrong lot", cancelled.CancelReason)

	_, err = m.Close(ctx, "missing", "op-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteOnlyIdleCancelledSessions(t *testing.T) {
	store, batch := newTestStore(t)
	m := newTestManager(store)
	ctx := context.Background()

	s, _, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Delete(ctx, s.ID, "op-1"), domain.ErrNotDeletable)

	_, err = m.IncrementCounts(ctx, s.ID, domain.ResultRework)
	require.NoError(t, err)
	_, err = m.Cancel(ctx, s.ID, "line stop", "op-1")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Delete(ctx, s.ID, "op-1"), domain.ErrNotDeletable)

	idle, _, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)
	_, err = m.Cancel(ctx, idle.ID, "opened by mistake", "op-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, idle.ID, "op-1"))
	_, found, err := m.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrementCounts(t *testing.T) {
	store, batch := newTestStore(t)
	m := newTestManager(store)
	ctx := context.Background()
	s, _, err := m.OpenOrGet(ctx, openReq(batch.ID))
	require.NoError(t, err)

	for _, r := range []domain.StepResult{domain.ResultPass, domain.ResultPass, domain.ResultFail, domain.ResultRework} {
		_, err := m.IncrementCounts(ctx, s.ID, r)
		require.NoError(t, err)
	}
	got, _, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalCount)
	assert.Equal(t, 2, got.PassCount)
	assert.Equal(t, 1, got.FailCount)

	_, err = m.Close(ctx, s.ID, "op-1")
	require.NoError(t, err)
	_, err = m.IncrementCounts(ctx, s.ID, domain.ResultPass)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
