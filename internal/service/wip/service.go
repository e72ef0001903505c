// Package wip drives WIP units through the manufacturing step sequence and
// converts fully passed units into serials.
package wip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
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
	"github.com/animus-labs/animus-mes/internal/service/lots"
	"github.com/animus-labs/animus-mes/internal/service/sessions"
)

type Service struct {
	store    repo.Store
	lots     *lots.Aggregator
	sessions *sessions.Manager
	logger   *slog.Logger
	now      func() time.Time

	completions metric.Int64Counter
	conversions metric.Int64Counter
}

func New(store repo.Store, agg *lots.Aggregator, sess *sessions.Manager, logger *slog.Logger) *Service {
	if store == nil || agg == nil || sess == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/animus-labs/animus-mes/internal/service/wip")
	return &Service{
		store:       store,
		lots:        agg,
		sessions:    sess,
		logger:      logger,
		now:         time.Now,
		completions: telemetry.Counter(meter, "mes.step.completions", "Completed step executions by result."),
		conversions: telemetry.Counter(meter, "mes.unit.conversions", "Units converted to serials."),
	}
}

type StartRequest struct {
	UnitID     string
	StepNumber int
	Operator   string
	Equipment  string
}

type CompleteRequest struct {
	UnitID       string
	StepNumber   int
	Operator     string
	Equipment    string
	Result       domain.StepResult
	Measurements domain.Metadata
	Defects      []string
	// SessionID optionally names the OPEN execution session whose counters
	// record this result.
	SessionID string
}

// StartStep puts the unit to work on a step after checking the step exists,
// is active and is reachable from the unit's PASS history. No step record is
// written until completion.
func (s *Service) StartStep(ctx context.Context, req StartRequest) (domain.Unit, error) {
	if err := requireActor(req.Operator); err != nil {
		return domain.Unit{}, err
	}
	var out domain.Unit
	ctx = repo.WithActor(ctx, req.Operator)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		cat, err := catalog.Load(ctx, tx.Processes())
		if err != nil {
			return err
		}
		def, err := resolveStep(cat, req.StepNumber)
		if err != nil {
			return err
		}
		unit, err := getUnit(ctx, tx, req.UnitID)
		if err != nil {
			return err
		}
		if unit.Status == domain.UnitConverted {
			return domain.InvalidState("unit", unit.ID, "unit is converted")
		}
		passed, err := tx.StepRecords().PassedSteps(ctx, unit.ID)
		if err != nil {
			return fmt.Errorf("list passed steps: %w", err)
		}

		switch def.Kind {
		case domain.StepManufacturing:
			if unit.Status == domain.UnitCompleted {
				return domain.InvalidState("unit", unit.ID, "completed unit may only start the serial-conversion step")
			}
			if err := checkSequence(cat, unit.ID, def.StepNumber, passed); err != nil {
				return err
			}
		case domain.StepSerialConversion:
			if missing := cat.MissingPasses(passed); len(missing) > 0 {
				return domain.IncompletePrerequisites(unit.ID, def.StepNumber, missing)
			}
		}

		if err := unit.EnterStep(def.StepNumber, s.now()); err != nil {
			return err
		}
		unit.UpdatedAt = s.now().UTC()
		if err := tx.Units().UpdateUnit(ctx, unit); err != nil {
			return fmt.Errorf("update unit: %w", err)
		}
		if _, err := s.lots.MarkStarted(ctx, tx, unit.BatchID); err != nil {
			return err
		}
		out = unit
		return nil
	})
	if err != nil {
		return domain.Unit{}, err
	}
	s.logger.Info("step started", "unit_id", out.ID, "step", req.StepNumber,
		"operator", req.Operator, "equipment", req.Equipment)
	return out, nil
}

// CompleteStep appends the step record for the unit's current step and moves
// the unit according to the result. At most one PASS exists per (unit, step),
// across every rework cycle of the unit.
func (s *Service) CompleteStep(ctx context.Context, req CompleteRequest) (domain.StepExecutionRecord, error) {
	if err := requireActor(req.Operator); err != nil {
		return domain.StepExecutionRecord{}, err
	}
	result, err := domain.ParseStepResult(string(req.Result))
	if err != nil {
		return domain.StepExecutionRecord{}, err
	}
	var out domain.StepExecutionRecord
	ctx = repo.WithActor(ctx, req.Operator)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		cat, err := catalog.Load(ctx, tx.Processes())
		if err != nil {
			return err
		}
		def, err := resolveStep(cat, req.StepNumber)
		if err != nil {
			return err
		}
		unit, err := getUnit(ctx, tx, req.UnitID)
		if err != nil {
			return err
		}
		if unit.Status == domain.UnitConverted {
			return domain.InvalidState("unit", unit.ID, "unit is converted")
		}
		passed, err := tx.StepRecords().PassedSteps(ctx, unit.ID)
		if err != nil {
			return fmt.Errorf("list passed steps: %w", err)
		}
		if result == domain.ResultPass && slices.Contains(passed, def.StepNumber) {
			return domain.DuplicatePass(unit.ID, def.StepNumber)
		}
		switch def.Kind {
		case domain.StepManufacturing:
			if err := checkSequence(cat, unit.ID, def.StepNumber, passed); err != nil {
				return err
			}
		case domain.StepSerialConversion:
			if missing := cat.MissingPasses(passed); len(missing) > 0 {
				return domain.IncompletePrerequisites(unit.ID, def.StepNumber, missing)
			}
		}
		if !unit.AtStep(def.StepNumber) {
			return domain.InvalidState("unit", unit.ID, "unit is not in progress at step %d", def.StepNumber)
		}
		if unit.StepStartedAt == nil {
			return domain.DataIntegrity("unit", unit.ID, "step %d has no start time", def.StepNumber)
		}

		completedAt := s.now().UTC()
		startedAt := *unit.StepStartedAt
		record := domain.StepExecutionRecord{
			ID:           uuid.NewString(),
			UnitID:       unit.ID,
			BatchID:      unit.BatchID,
			StepNumber:   def.StepNumber,
			ProcessID:    def.ID,
			SessionID:    strings.TrimSpace(req.SessionID),
			Operator:     strings.TrimSpace(req.Operator),
			Equipment:    strings.TrimSpace(req.Equipment),
			Result:       result,
			Measurements: req.Measurements.Clone(),
			Defects:      append([]string(nil), req.Defects...),
			StartedAt:    startedAt,
			CompletedAt:  completedAt,
			Duration:     completedAt.Sub(startedAt),
		}
		if err := record.Validate(); err != nil {
			if domain.KindOf(err) == domain.KindDataIntegrity {
				s.logger.Error("step record rejected", "unit_id", unit.ID, "step", def.StepNumber,
					"started_at", startedAt, "completed_at", completedAt, "error", err)
			}
			return err
		}
		if err := tx.StepRecords().AppendStepRecord(ctx, record); err != nil {
			if errors.Is(err, repo.ErrUniqueViolation) {
				return domain.DuplicatePass(unit.ID, def.StepNumber)
			}
			return fmt.Errorf("append step record: %w", err)
		}

		switch result {
		case domain.ResultPass:
			next := domain.UnitInProgress
			if len(cat.MissingPasses(append(passed, def.StepNumber))) == 0 {
				next = domain.UnitCompleted
			}
			err = unit.LeaveStep(next)
		case domain.ResultFail:
			err = unit.LeaveStep(domain.UnitFailed)
		case domain.ResultRework:
			err = unit.LeaveStep(domain.UnitInProgress)
		}
		if err != nil {
			return err
		}
		unit.UpdatedAt = completedAt
		if err := tx.Units().UpdateUnit(ctx, unit); err != nil {
			return fmt.Errorf("update unit: %w", err)
		}

		if record.SessionID != "" {
			if err := s.recordOnSession(ctx, tx, record); err != nil {
				return err
			}
		}
		out = record
		return nil
	})
	if err != nil {
		return domain.StepExecutionRecord{}, err
	}
	s.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(out.Result))))
	s.logger.Info("step completed", "unit_id", out.UnitID, "step", out.StepNumber,
		"result", string(out.Result), "duration_ms", out.Duration.Milliseconds())
	return out, nil
}

func (s *Service) recordOnSession(ctx context.Context, tx repo.Repos, record domain.StepExecutionRecord) error {
	session, err := tx.Sessions().GetSession(ctx, record.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFound("session", record.SessionID)
		}
		return fmt.Errorf("get session: %w", err)
	}
	if session.Key.BatchID != record.BatchID || session.Key.ProcessID != record.ProcessID {
		return domain.Validationf("session %s is for batch %s process %s, not batch %s process %s",
			session.ID, session.Key.BatchID, session.Key.ProcessID, record.BatchID, record.ProcessID)
	}
	_, err = s.sessions.IncrementCountsTx(ctx, tx, session.ID, record.Result)
	return err
}

// ConvertToSerial turns a COMPLETED unit into a serial and counts it as
// passed on its batch, all in one transaction.
func (s *Service) ConvertToSerial(ctx context.Context, unitID, operator string) (domain.Serial, error) {
	if err := requireActor(operator); err != nil {
		return domain.Serial{}, err
	}
	var out domain.Serial
	ctx = repo.WithActor(ctx, operator)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		unit, err := getUnit(ctx, tx, unitID)
		if err != nil {
			return err
		}
		if unit.Status != domain.UnitCompleted || unit.SerialID != "" {
			return domain.ConversionNotAllowed(unit.ID, unit.Status, unit.SerialID)
		}
		cat, err := catalog.Load(ctx, tx.Processes())
		if err != nil {
			return err
		}
		passed, err := tx.StepRecords().PassedSteps(ctx, unit.ID)
		if err != nil {
			return fmt.Errorf("list passed steps: %w", err)
		}
		if missing := cat.MissingPasses(passed); len(missing) > 0 {
			step := 0
			if conv, ok := cat.Conversion(); ok {
				step = conv.StepNumber
			}
			return domain.IncompletePrerequisites(unit.ID, step, missing)
		}
		batch, err := tx.Batches().GetBatch(ctx, unit.BatchID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.DataIntegrity("unit", unit.ID, "batch %s does not exist", unit.BatchID)
			}
			return fmt.Errorf("get batch: %w", err)
		}

		now := s.now().UTC()
		serial := domain.Serial{
			ID:              uuid.NewString(),
			SerialNumber:    SerialNumber(batch.LotNumber, unit.SequenceInBatch),
			UnitID:          unit.ID,
			BatchID:         unit.BatchID,
			SequenceInBatch: unit.SequenceInBatch,
			Status:          domain.SerialCreated,
			CreatedAt:       now,
		}
		if err := tx.Serials().CreateSerial(ctx, serial); err != nil {
			if errors.Is(err, repo.ErrUniqueViolation) {
				return domain.ConversionNotAllowed(unit.ID, unit.Status, "serial number "+serial.SerialNumber)
			}
			return fmt.Errorf("create serial: %w", err)
		}
		if err := unit.LeaveStep(domain.UnitConverted); err != nil {
			return err
		}
		unit.SerialID = serial.ID
		unit.UpdatedAt = now
		if err := tx.Units().UpdateUnit(ctx, unit); err != nil {
			return fmt.Errorf("update unit: %w", err)
		}
		if _, err := s.lots.ApplyOutcomeTx(ctx, tx, unit.BatchID, lots.Outcome{Kind: lots.OutcomeConverted}); err != nil {
			return err
		}
		out = serial
		return nil
	})
	if err != nil {
		return domain.Serial{}, err
	}
	s.conversions.Add(ctx, 1)
	s.logger.Info("unit converted", "unit_id", out.UnitID, "serial_id", out.ID, "serial_number", out.SerialNumber)
	return out, nil
}

// SerialNumber formats the permanent serial number of the seq-th unit of a lot.
func SerialNumber(lot string, seq int) string {
	return fmt.Sprintf("%s-%04d", lot, seq)
}

// CompletedSteps lists the step numbers the unit has a PASS record for. It
// does not lock and may be stale by the time a mutation runs.
func (s *Service) CompletedSteps(ctx context.Context, unitID string) ([]int, error) {
	if _, found, err := s.GetUnit(ctx, unitID); err != nil {
		return nil, err
	} else if !found {
		return nil, domain.NotFound("unit", unitID)
	}
	return s.store.StepRecords().PassedSteps(ctx, unitID)
}

// History returns every step record of the unit in completion order.
func (s *Service) History(ctx context.Context, unitID string) ([]domain.StepExecutionRecord, error) {
	return s.store.StepRecords().ListStepRecordsByUnit(ctx, unitID)
}

func (s *Service) GetUnit(ctx context.Context, unitID string) (domain.Unit, bool, error) {
	unit, err := s.store.Units().GetUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Unit{}, false, nil
		}
		return domain.Unit{}, false, err
	}
	return unit, true, nil
}

func (s *Service) ListUnits(ctx context.Context, filter repo.UnitFilter) ([]domain.Unit, error) {
	return s.store.Units().ListUnits(ctx, filter)
}

func resolveStep(cat *catalog.Catalog, number int) (domain.ProcessDefinition, error) {
	def, ok := cat.Step(number)
	if !ok {
		return domain.ProcessDefinition{}, domain.Validationf("step %d is not defined", number)
	}
	if !def.IsActive {
		return domain.ProcessDefinition{}, domain.InvalidStep(number, "step is inactive")
	}
	return def, nil
}

// checkSequence requires a PASS for the active manufacturing step right
// before step. The first active step has no prerequisite.
func checkSequence(cat *catalog.Catalog, unitID string, step int, passed []int) error {
	prev, ok := cat.Previous(step)
	if !ok {
		return nil
	}
	if !slices.Contains(passed, prev.StepNumber) {
		return domain.SequenceViolation(unitID, step, prev.StepNumber)
	}
	return nil
}

func getUnit(ctx context.Context, tx repo.Repos, unitID string) (domain.Unit, error) {
	unit, err := tx.Units().GetUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Unit{}, domain.NotFound("unit", unitID)
		}
		return domain.Unit{}, fmt.Errorf("get unit: %w", err)
	}
	return unit, nil
}

func requireActor(operator string) error {
	if strings.TrimSpace(operator) == "" {
		return domain.Validationf("operator is required")
	}
	return nil
}
