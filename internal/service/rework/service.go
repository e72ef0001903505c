// Package rework manages the post-conversion status of serials, including the
// bounded rework loop for failed serials.
package rework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry"
	"github.com/animus-labs/animus-mes/internal/repo"
	"github.com/animus-labs/animus-mes/internal/service/lots"
)

type Service struct {
	store  repo.Store
	lots   *lots.Aggregator
	logger *slog.Logger
	now    func() time.Time

	reworks metric.Int64Counter
	scraps  metric.Int64Counter
}

func New(store repo.Store, agg *lots.Aggregator, logger *slog.Logger) *Service {
	if store == nil || agg == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/animus-labs/animus-mes/internal/service/rework")
	return &Service{
		store:   store,
		lots:    agg,
		logger:  logger,
		now:     time.Now,
		reworks: telemetry.Counter(meter, "mes.serial.reworks", "Serial rework attempts started."),
		scraps:  telemetry.Counter(meter, "mes.serial.scraps", "Serials failed with no rework attempts left."),
	}
}

// CanRework is a non-transactional read; Rework re-validates under its own
// transaction.
func (s *Service) CanRework(ctx context.Context, serialID string) (bool, error) {
	serial, err := s.store.Serials().GetSerial(ctx, serialID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, domain.NotFound("serial", serialID)
		}
		return false, err
	}
	return serial.CanRework(), nil
}

// Rework sends a FAILED serial back to IN_PROGRESS and spends one of its
// MaxReworkCount attempts.
func (s *Service) Rework(ctx context.Context, serialID, operator string) (domain.Serial, error) {
	if err := requireActor(operator); err != nil {
		return domain.Serial{}, err
	}
	var out domain.Serial
	ctx = repo.WithActor(ctx, operator)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		serial, err := getSerial(ctx, tx, serialID)
		if err != nil {
			return err
		}
		if serial.Status != domain.SerialFailed {
			return domain.NotFailed(serial.ID, serial.Status)
		}
		if serial.ReworkCount >= domain.MaxReworkCount {
			return domain.MaxReworkExceeded(serial.ID, serial.ReworkCount)
		}
		serial.ReworkCount++
		serial.FailureReason = ""
		serial.Status = domain.SerialInProgress
		if err := tx.Serials().UpdateSerial(ctx, serial); err != nil {
			return fmt.Errorf("update serial: %w", err)
		}
		out = serial
		return nil
	})
	if err != nil {
		return domain.Serial{}, err
	}
	s.reworks.Add(ctx, 1)
	s.logger.Info("serial rework started", "serial_id", out.ID, "rework_count", out.ReworkCount, "operator", operator)
	return out, nil
}

// SetStatus applies an explicit status change. FAILED needs a reason and,
// once no rework attempt is left, moves the serial's unit from passed to
// failed on its batch. A CLOSED batch keeps its counters; the serial change
// still commits.
func (s *Service) SetStatus(ctx context.Context, serialID string, next domain.SerialStatus, failureReason, operator string) (domain.Serial, error) {
	if err := requireActor(operator); err != nil {
		return domain.Serial{}, err
	}
	next, err := domain.ParseSerialStatus(string(next))
	if err != nil {
		return domain.Serial{}, err
	}
	reason := strings.TrimSpace(failureReason)
	var (
		out    domain.Serial
		frozen bool
	)
	ctx = repo.WithActor(ctx, operator)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		serial, err := getSerial(ctx, tx, serialID)
		if err != nil {
			return err
		}
		if serial.Status == domain.SerialFailed && next == domain.SerialInProgress {
			return domain.InvalidState("serial", serial.ID, "failed serials re-enter processing through rework")
		}
		if !serial.Status.CanTransition(next) {
			return domain.InvalidState("serial", serial.ID, "cannot transition from %s to %s", serial.Status, next)
		}
		if next == domain.SerialFailed && reason == "" {
			return domain.ReasonRequired(serial.ID)
		}
		serial.Status = next
		switch next {
		case domain.SerialPassed:
			now := s.now().UTC()
			serial.CompletedAt = &now
		case domain.SerialFailed:
			serial.FailureReason = reason
		}
		if err := tx.Serials().UpdateSerial(ctx, serial); err != nil {
			return fmt.Errorf("update serial: %w", err)
		}
		if serial.Scrapped() {
			batch, err := tx.Batches().GetBatch(ctx, serial.BatchID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.DataIntegrity("serial", serial.ID, "batch %s does not exist", serial.BatchID)
				}
				return fmt.Errorf("get batch: %w", err)
			}
			if batch.Status == domain.BatchClosed {
				frozen = true
			} else if _, err := s.lots.ApplyOutcomeTx(ctx, tx, serial.BatchID, lots.Outcome{Kind: lots.OutcomeScrapped}); err != nil {
				return err
			}
		}
		out = serial
		return nil
	})
	if err != nil {
		return domain.Serial{}, err
	}
	if out.Scrapped() {
		s.scraps.Add(ctx, 1, metric.WithAttributes(attribute.Bool("batch_closed", frozen)))
		s.logger.Warn("serial scrapped", "serial_id", out.ID, "serial_number", out.SerialNumber,
			"rework_count", out.ReworkCount, "reason", out.FailureReason, "batch_closed", frozen)
	} else {
		s.logger.Info("serial status changed", "serial_id", out.ID, "status", string(out.Status))
	}
	return out, nil
}

func (s *Service) GetSerial(ctx context.Context, serialID string) (domain.Serial, bool, error) {
	serial, err := s.store.Serials().GetSerial(ctx, serialID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Serial{}, false, nil
		}
		return domain.Serial{}, false, err
	}
	return serial, true, nil
}

func getSerial(ctx context.Context, tx repo.Repos, serialID string) (domain.Serial, error) {
	serial, err := tx.Serials().GetSerial(ctx, serialID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Serial{}, domain.NotFound("serial", serialID)
		}
		return domain.Serial{}, fmt.Errorf("get serial: %w", err)
	}
	return serial, nil
}

func requireActor(operator string) error {
	if strings.TrimSpace(operator) == "" {
		return domain.Validationf("operator is required")
	}
	return nil
}
