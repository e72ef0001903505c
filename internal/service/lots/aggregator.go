package lots

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

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry"
	"github.com/animus-labs/animus-mes/internal/repo"
)

// OutcomeKind names a unit or serial event that moves batch counters.
type OutcomeKind string

const (
	// OutcomeGenerated adds Quantity newly generated units to actual_quantity.
	OutcomeGenerated OutcomeKind = "generated"
	// OutcomeConverted counts one unit converted to a serial as passed.
	OutcomeConverted OutcomeKind = "converted"
	// OutcomeScrapped moves one converted unit from passed to failed after its
	// serial failed with no rework attempts left.
	OutcomeScrapped OutcomeKind = "scrapped"
)

type Outcome struct {
	Kind     OutcomeKind
	Quantity int
}

// Aggregator rolls unit and serial outcomes up into batch counters and
// batch status.
type Aggregator struct {
	store  repo.Store
	logger *slog.Logger
	now    func() time.Time

	completions metric.Int64Counter
}

func New(store repo.Store, logger *slog.Logger) *Aggregator {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/animus-labs/animus-mes/internal/service/lots")
	return &Aggregator{
		store:       store,
		logger:      logger,
		now:         time.Now,
		completions: telemetry.Counter(meter, "mes.lot.transitions", "Batch status transitions."),
	}
}

type CreateBatchRequest struct {
	LotNumber      string
	TargetQuantity int
	ProductionDate time.Time
	Operator       string
}

// CreateBatch registers a new LOT in CREATED state with zero counters.
func (a *Aggregator) CreateBatch(ctx context.Context, req CreateBatchRequest) (domain.Batch, error) {
	lot := strings.TrimSpace(req.LotNumber)
	if lot == "" {
		return domain.Batch{}, domain.Validationf("lot number is required")
	}
	if req.TargetQuantity < 1 {
		return domain.Batch{}, domain.Validationf("target quantity must be >= 1")
	}
	now := a.now().UTC()
	productionDate := req.ProductionDate
	if productionDate.IsZero() {
		productionDate = now
	}
	batch := domain.Batch{
		ID:             uuid.NewString(),
		LotNumber:      lot,
		ProductionDate: productionDate.UTC(),
		TargetQuantity: req.TargetQuantity,
		Status:         domain.BatchCreated,
		CreatedAt:      now,
	}
	ctx = repo.WithActor(ctx, req.Operator)
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		if err := tx.Batches().CreateBatch(ctx, batch); err != nil {
			if errors.Is(err, repo.ErrUniqueViolation) {
				return domain.Validationf("lot number %q already exists", lot)
			}
			return fmt.Errorf("create batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	a.logger.Info("batch created", "batch_id", batch.ID, "lot_number", lot, "target_quantity", batch.TargetQuantity)
	return batch, nil
}

// GenerateUnits creates count units for the batch in one transaction and adds
// them to actual_quantity.
func (a *Aggregator) GenerateUnits(ctx context.Context, batchID string, count int, operator string) ([]domain.Unit, error) {
	if count < 1 {
		return nil, domain.Validationf("unit count must be >= 1")
	}
	var out []domain.Unit
	ctx = repo.WithActor(ctx, operator)
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		batch, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status == domain.BatchCompleted || batch.Status == domain.BatchClosed {
			return domain.InvalidState("batch", batch.ID, "cannot generate units for a %s batch", batch.Status)
		}
		if batch.ActualQuantity+count > batch.TargetQuantity {
			return domain.Validationf("batch %s: %d units would exceed target %d (actual %d)",
				batch.LotNumber, count, batch.TargetQuantity, batch.ActualQuantity)
		}
		now := a.now().UTC()
		out = make([]domain.Unit, 0, count)
		for i := 1; i <= count; i++ {
			seq := batch.ActualQuantity + i
			unit := domain.Unit{
				ID:              uuid.NewString(),
				Code:            fmt.Sprintf("%s-W%04d", batch.LotNumber, seq),
				BatchID:         batch.ID,
				SequenceInBatch: seq,
				Status:          domain.UnitCreated,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.Units().CreateUnit(ctx, unit); err != nil {
				return fmt.Errorf("create unit %s: %w", unit.Code, err)
			}
			out = append(out, unit)
		}
		_, err = a.ApplyOutcomeTx(ctx, tx, batch.ID, Outcome{Kind: OutcomeGenerated, Quantity: count})
		return err
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("units generated", "batch_id", batchID, "count", count)
	return out, nil
}

// ApplyOutcome applies one outcome in its own transaction.
func (a *Aggregator) ApplyOutcome(ctx context.Context, batchID string, outcome Outcome) (domain.Batch, error) {
	var out domain.Batch
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		b, err := a.ApplyOutcomeTx(ctx, tx, batchID, outcome)
		out = b
		return err
	})
	return out, err
}

// ApplyOutcomeTx updates the batch counters inside the caller's transaction
// and completes the batch once passed + failed reaches the target.
func (a *Aggregator) ApplyOutcomeTx(ctx context.Context, tx repo.Repos, batchID string, outcome Outcome) (domain.Batch, error) {
	batch, err := getBatch(ctx, tx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if batch.Status == domain.BatchClosed {
		return domain.Batch{}, domain.InvalidState("batch", batch.ID, "batch is closed")
	}
	switch outcome.Kind {
	case OutcomeGenerated:
		if outcome.Quantity < 1 {
			return domain.Batch{}, domain.Validationf("generated quantity must be >= 1")
		}
		batch.ActualQuantity += outcome.Quantity
	case OutcomeConverted:
		batch.PassedQuantity++
	case OutcomeScrapped:
		batch.PassedQuantity--
		batch.FailedQuantity++
	default:
		return domain.Batch{}, domain.Validationf("unknown outcome %q", outcome.Kind)
	}
	if err := batch.CheckCounters(); err != nil {
		a.logger.Error("batch counter invariant violated",
			"batch_id", batch.ID, "outcome", string(outcome.Kind), "error", err)
		return domain.Batch{}, err
	}
	if err := a.maybeComplete(ctx, &batch); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Batches().UpdateBatch(ctx, batch); err != nil {
		return domain.Batch{}, fmt.Errorf("update batch: %w", err)
	}
	return batch, nil
}

// MarkStarted moves a CREATED batch to IN_PROGRESS inside the caller's
// transaction. Other states are left alone.
func (a *Aggregator) MarkStarted(ctx context.Context, tx repo.Repos, batchID string) (domain.Batch, error) {
	batch, err := getBatch(ctx, tx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	switch batch.Status {
	case domain.BatchClosed:
		return domain.Batch{}, domain.InvalidState("batch", batch.ID, "batch is closed")
	case domain.BatchCreated:
	default:
		return batch, nil
	}
	if err := batch.TransitionTo(domain.BatchInProgress); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Batches().UpdateBatch(ctx, batch); err != nil {
		return domain.Batch{}, fmt.Errorf("update batch: %w", err)
	}
	a.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(batch.Status))))
	return batch, nil
}

// RecomputeFromUnits rebuilds the counters of a batch from its units and
// serials. It repairs drift; the hot path uses ApplyOutcome.
func (a *Aggregator) RecomputeFromUnits(ctx context.Context, batchID string) (domain.Batch, error) {
	var out domain.Batch
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		batch, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status == domain.BatchClosed {
			return domain.InvalidState("batch", batch.ID, "batch is closed")
		}
		units, err := tx.Units().ListUnits(ctx, repo.UnitFilter{BatchID: batch.ID})
		if err != nil {
			return fmt.Errorf("list units: %w", err)
		}
		serials, err := tx.Serials().ListSerialsByBatch(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("list serials: %w", err)
		}
		counted := Tally(units, serials)
		counted.ID = batch.ID
		counted.TargetQuantity = batch.TargetQuantity
		if err := counted.CheckCounters(); err != nil {
			a.logger.Error("recomputed counters violate invariant", "batch_id", batch.ID, "error", err)
			return err
		}
		if counted.ActualQuantity != batch.ActualQuantity || counted.PassedQuantity != batch.PassedQuantity ||
			counted.FailedQuantity != batch.FailedQuantity {
			a.logger.Warn("batch counters drifted",
				"batch_id", batch.ID,
				"actual", batch.ActualQuantity, "actual_recomputed", counted.ActualQuantity,
				"passed", batch.PassedQuantity, "passed_recomputed", counted.PassedQuantity,
				"failed", batch.FailedQuantity, "failed_recomputed", counted.FailedQuantity,
			)
		}
		batch.ActualQuantity = counted.ActualQuantity
		batch.PassedQuantity = counted.PassedQuantity
		batch.FailedQuantity = counted.FailedQuantity
		if err := a.maybeComplete(ctx, &batch); err != nil {
			return err
		}
		if err := tx.Batches().UpdateBatch(ctx, batch); err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
		out = batch
		return nil
	})
	return out, err
}

// Tally derives counters from an outcome set: every unit counts as produced,
// every serial as passed unless it was scrapped.
func Tally(units []domain.Unit, serials []domain.Serial) domain.Batch {
	var b domain.Batch
	b.ActualQuantity = len(units)
	for _, s := range serials {
		if s.Scrapped() {
			b.FailedQuantity++
			continue
		}
		b.PassedQuantity++
	}
	return b
}

// Close moves a COMPLETED batch to CLOSED. Closing is irreversible.
func (a *Aggregator) Close(ctx context.Context, batchID, operator string) (domain.Batch, error) {
	var out domain.Batch
	ctx = repo.WithActor(ctx, operator)
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		batch, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status != domain.BatchCompleted {
			return domain.InvalidState("batch", batch.ID, "batch is %s, expected %s", batch.Status, domain.BatchCompleted)
		}
		if err := batch.TransitionTo(domain.BatchClosed); err != nil {
			return err
		}
		now := a.now().UTC()
		batch.ClosedAt = &now
		if err := tx.Batches().UpdateBatch(ctx, batch); err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
		out = batch
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	a.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
	a.logger.Info("batch closed", "batch_id", out.ID, "lot_number", out.LotNumber)
	return out, nil
}

// Get is a non-transactional read.
func (a *Aggregator) Get(ctx context.Context, batchID string) (domain.Batch, bool, error) {
	batch, err := a.store.Batches().GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, err
	}
	return batch, true, nil
}

func (a *Aggregator) maybeComplete(ctx context.Context, batch *domain.Batch) error {
	if !batch.TargetReached() {
		return nil
	}
	if batch.Status != domain.BatchCreated && batch.Status != domain.BatchInProgress {
		return nil
	}
	if err := batch.TransitionTo(domain.BatchCompleted); err != nil {
		return err
	}
	now := a.now().UTC()
	batch.CompletedAt = &now
	a.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(batch.Status))))
	a.logger.Info("batch completed", "batch_id", batch.ID,
		"passed", batch.PassedQuantity, "failed", batch.FailedQuantity, "target", batch.TargetQuantity)
	return nil
}

func getBatch(ctx context.Context, tx repo.Repos, batchID string) (domain.Batch, error) {
	batch, err := tx.Batches().GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Batch{}, domain.NotFound("batch", batchID)
		}
		return domain.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}
