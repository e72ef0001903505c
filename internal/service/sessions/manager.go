package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/animus-labs/animus-mes/internal/catalog"
	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry"
	"github.com/animus-labs/animus-mes/internal/repo"
)

// Manager opens, counts and finishes station execution sessions. At most one
// session per (station, batch, process) is OPEN at any time.
type Manager struct {
	store  repo.Store
	logger *slog.Logger
	now    func() time.Time

	opens metric.Int64Counter
	races metric.Int64Counter
}

func New(store repo.Store, logger *slog.Logger) *Manager {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/animus-labs/animus-mes/internal/service/sessions")
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
		opens:  telemetry.Counter(meter, "mes.session.opens", "Execution session open requests by outcome."),
		races:  telemetry.Counter(meter, "mes.session.races", "Open requests that lost the insert race."),
	}
}

type OpenRequest struct {
	Key            domain.SessionKey
	Parameters     domain.Metadata
	HardwareConfig domain.Metadata
	OpenedBy       string
}

// OpenOrGet returns the OPEN session for the key, creating it when none
// exists. created is true only for the caller whose insert won.
//
// The insert is optimistic: a unique violation means a concurrent caller
// opened the session first, so the session is read back once. If that read
// also misses, the error is a retryable ConcurrencyConflict.
func (m *Manager) OpenOrGet(ctx context.Context, req OpenRequest) (session domain.ExecutionSession, created bool, err error) {
	key := domain.SessionKey{
		StationID: strings.TrimSpace(req.Key.StationID),
		BatchID:   strings.TrimSpace(req.Key.BatchID),
		ProcessID: strings.TrimSpace(req.Key.ProcessID),
	}
	if err := key.Validate(); err != nil {
		m.countOpen(ctx, "rejected")
		return domain.ExecutionSession{}, false, err
	}
	ctx = repo.WithActor(ctx, req.OpenedBy)

	err = m.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		if err := checkOpenable(ctx, tx, key); err != nil {
			return err
		}
		existing, err := tx.Sessions().FindOpenSession(ctx, key)
		if err == nil {
			session = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("find open session: %w", err)
		}
		next := domain.ExecutionSession{
			ID:             uuid.NewString(),
			Key:            key,
			Status:         domain.SessionOpen,
			Parameters:     req.Parameters.Clone(),
			HardwareConfig: req.HardwareConfig.Clone(),
			OpenedBy:       strings.TrimSpace(req.OpenedBy),
			OpenedAt:       m.now().UTC(),
		}
		if err := tx.Sessions().InsertSession(ctx, next); err != nil {
			return err
		}
		session = next
		created = true
		return nil
	})
	if err == nil {
		if created {
			m.countOpen(ctx, "created")
			m.logger.Info("execution session opened", "session_id", session.ID, "key", key.String())
		} else {
			m.countOpen(ctx, "existing")
		}
		return session, created, nil
	}
	if !errors.Is(err, repo.ErrUniqueViolation) {
		m.countOpen(ctx, "rejected")
		return domain.ExecutionSession{}, false, err
	}

	m.races.Add(ctx, 1, metric.WithAttributes(attribute.String("station_id", key.StationID)))
	existing, rerr := m.store.Sessions().FindOpenSession(ctx, key)
	if rerr == nil {
		m.countOpen(ctx, "existing")
		m.logger.Info("execution session open race lost, returning winner",
			"session_id", existing.ID, "key", key.String())
		return existing, false, nil
	}
	m.countOpen(ctx, "conflict")
	m.logger.Warn("execution session open race unresolved",
		"key", key.String(), "insert_error", err, "reread_error", rerr)
	return domain.ExecutionSession{}, false, domain.ConcurrencyConflict("session", key.String(), err)
}

func (m *Manager) countOpen(ctx context.Context, outcome string) {
	m.opens.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Get is a non-transactional read.
func (m *Manager) Get(ctx context.Context, sessionID string) (domain.ExecutionSession, bool, error) {
	s, err := m.store.Sessions().GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ExecutionSession{}, false, nil
		}
		return domain.ExecutionSession{}, false, err
	}
	return s, true, nil
}

// FindOpen is a non-transactional read of the OPEN session for key.
func (m *Manager) FindOpen(ctx context.Context, key domain.SessionKey) (domain.ExecutionSession, bool, error) {
	s, err := m.store.Sessions().FindOpenSession(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ExecutionSession{}, false, nil
		}
		return domain.ExecutionSession{}, false, err
	}
	return s, true, nil
}

func (m *Manager) Close(ctx context.Context, sessionID, actor string) (domain.ExecutionSession, error) {
	return m.finish(repo.WithActor(ctx, actor), sessionID, domain.SessionClosed, "")
}

// Cancel finishes an OPEN session as CANCELLED. A reason is required.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason, actor string) (domain.ExecutionSession, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ExecutionSession{}, domain.Validationf("cancel reason is required")
	}
	return m.finish(repo.WithActor(ctx, actor), sessionID, domain.SessionCancelled, reason)
}

func (m *Manager) finish(ctx context.Context, sessionID string, next domain.SessionStatus, reason string) (domain.ExecutionSession, error) {
	var out domain.ExecutionSession
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		s, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := s.Finish(next, m.now()); err != nil {
			return err
		}
		s.CancelReason = reason
		if err := tx.Sessions().UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = s
		return nil
	})
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	m.logger.Info("execution session finished", "session_id", out.ID, "status", string(out.Status),
		"total", out.TotalCount, "pass", out.PassCount, "fail", out.FailCount)
	return out, nil
}

// Delete removes a CANCELLED session that never recorded activity.
func (m *Manager) Delete(ctx context.Context, sessionID, actor string) error {
	ctx = repo.WithActor(ctx, actor)
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		s, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !s.Deletable() {
			return domain.NotDeletable(s.ID, "status %s with %d recorded results", s.Status, s.TotalCount)
		}
		if err := tx.Sessions().DeleteSession(ctx, s.ID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("execution session deleted", "session_id", sessionID)
	return nil
}

// IncrementCounts records one step result against an OPEN session in its
// own transaction.
func (m *Manager) IncrementCounts(ctx context.Context, sessionID string, result domain.StepResult) (domain.ExecutionSession, error) {
	var out domain.ExecutionSession
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		s, err := m.IncrementCountsTx(ctx, tx, sessionID, result)
		out = s
		return err
	})
	return out, err
}

// IncrementCountsTx records one step result inside the caller's transaction,
// so counters commit together with the step record that produced them.
func (m *Manager) IncrementCountsTx(ctx context.Context, tx repo.Repos, sessionID string, result domain.StepResult) (domain.ExecutionSession, error) {
	s, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := s.Record(result); err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := tx.Sessions().UpdateSession(ctx, s); err != nil {
		return domain.ExecutionSession{}, fmt.Errorf("update session: %w", err)
	}
	return s, nil
}

func checkOpenable(ctx context.Context, tx repo.Repos, key domain.SessionKey) error {
	batch, err := tx.Batches().GetBatch(ctx, key.BatchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFound("batch", key.BatchID)
		}
		return fmt.Errorf("get batch: %w", err)
	}
	if batch.Status == domain.BatchClosed {
		return domain.InvalidState("batch", batch.ID, "cannot open a session on a closed batch")
	}
	cat, err := catalog.Load(ctx, tx.Processes())
	if err != nil {
		return err
	}
	def, ok := cat.ByID(key.ProcessID)
	if !ok {
		return domain.InvalidStep(0, fmt.Sprintf("process %q is not defined", key.ProcessID))
	}
	if !def.IsActive {
		return domain.InvalidStep(def.StepNumber, fmt.Sprintf("process %q is inactive", def.ID))
	}
	return nil
}

func getSession(ctx context.Context, tx repo.Repos, sessionID string) (domain.ExecutionSession, error) {
	s, err := tx.Sessions().GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ExecutionSession{}, domain.NotFound("session", sessionID)
		}
		return domain.ExecutionSession{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}
