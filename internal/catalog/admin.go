package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

// Admin applies administrative changes to the process definitions.
type Admin struct {
	store    repo.Store
	registry *Registry
	logger   *slog.Logger
}

func NewAdmin(store repo.Store, registry *Registry, logger *slog.Logger) *Admin {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: store, registry: registry, logger: logger}
}

// Define upserts defs. The merged definition set must still form a valid
// catalog and may not strand any unit.
func (a *Admin) Define(ctx context.Context, defs []domain.ProcessDefinition) (*Catalog, error) {
	var out *Catalog
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		current, err := LoadForUpdate(ctx, tx.Processes())
		if err != nil {
			return err
		}
		merged := mergeDefinitions(current.All(), defs)
		next, err := New(merged)
		if err != nil {
			return err
		}
		for _, def := range defs {
			before, existed := current.ByID(def.ID)
			if existed && before.IsActive == def.IsActive {
				continue
			}
			if err := checkToggle(ctx, tx.Units(), def, def.IsActive); err != nil {
				return err
			}
		}
		for _, def := range defs {
			if err := tx.Processes().UpsertProcess(ctx, def); err != nil {
				if errors.Is(err, repo.ErrUniqueViolation) {
					return domain.Validationf("step number %d already used", def.StepNumber)
				}
				return fmt.Errorf("upsert process %s: %w", def.ID, err)
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.reload(ctx)
	a.logger.Info("process catalog defined", "processes", len(defs))
	return out, nil
}

// SetActive toggles one process definition.
func (a *Admin) SetActive(ctx context.Context, processID string, active bool) (domain.ProcessDefinition, error) {
	var out domain.ProcessDefinition
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx repo.Repos) error {
		current, err := LoadForUpdate(ctx, tx.Processes())
		if err != nil {
			return err
		}
		def, ok := current.ByID(processID)
		if !ok {
			return domain.NotFound("process", processID)
		}
		if def.IsActive == active {
			out = def
			return nil
		}
		def.IsActive = active
		if _, err := New(mergeDefinitions(current.All(), []domain.ProcessDefinition{def})); err != nil {
			return err
		}
		if err := checkToggle(ctx, tx.Units(), def, active); err != nil {
			return err
		}
		if err := tx.Processes().UpsertProcess(ctx, def); err != nil {
			return fmt.Errorf("update process %s: %w", def.ID, err)
		}
		out = def
		return nil
	})
	if err != nil {
		return domain.ProcessDefinition{}, err
	}
	a.reload(ctx)
	a.logger.Info("process activation changed", "process_id", processID, "active", active)
	return out, nil
}

// checkToggle rejects activation changes that would leave units unable to
// progress: a step with units mid-execution, a conversion step with units
// awaiting conversion, or a new step that COMPLETED units never passed.
// The count is stable because callers hold the process rows for update, and
// every step operation share-locks them before touching a unit.
func checkToggle(ctx context.Context, units repo.UnitRepository, def domain.ProcessDefinition, active bool) error {
	var filter repo.UnitFilter
	var reason string
	switch {
	case !active && def.Kind == domain.StepManufacturing:
		filter = repo.UnitFilter{Status: domain.UnitInProgress, CurrentStep: def.StepNumber}
		reason = "units are in progress at this step"
	case !active && def.Kind == domain.StepSerialConversion:
		filter = repo.UnitFilter{Status: domain.UnitCompleted}
		reason = "units are awaiting serial conversion"
	case active && def.Kind == domain.StepManufacturing:
		filter = repo.UnitFilter{Status: domain.UnitCompleted}
		reason = "completed units have no PASS for this step"
	default:
		return nil
	}
	n, err := units.CountUnits(ctx, filter)
	if err != nil {
		return fmt.Errorf("count units: %w", err)
	}
	if n > 0 {
		return domain.InvalidState("process", def.ID, "%s (%d)", reason, n)
	}
	return nil
}

func mergeDefinitions(current, updates []domain.ProcessDefinition) []domain.ProcessDefinition {
	byID := make(map[string]int, len(current))
	out := append([]domain.ProcessDefinition(nil), current...)
	for i, def := range out {
		byID[def.ID] = i
	}
	for _, def := range updates {
		if i, ok := byID[def.ID]; ok {
			out[i] = def
			continue
		}
		byID[def.ID] = len(out)
		out = append(out, def)
	}
	return out
}

func (a *Admin) reload(ctx context.Context) {
	if a.registry == nil {
		return
	}
	if _, err := a.registry.Reload(ctx); err != nil {
		a.logger.Warn("catalog reload failed", "error", err)
	}
}
