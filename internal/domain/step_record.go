package domain

import (
	"strings"
	"time"
)

// StepExecutionRecord is the immutable record of one attempt at one step.
type StepExecutionRecord struct {
	ID           string
	UnitID       string
	BatchID      string
	StepNumber   int
	ProcessID    string
	SessionID    string
	Operator     string
	Equipment    string
	Result       StepResult
	Measurements Metadata
	Defects      []string
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
}

func (r StepExecutionRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return Validationf("step record id is required")
	}
	if strings.TrimSpace(r.UnitID) == "" {
		return Validationf("step record unit id is required")
	}
	if r.StepNumber < 1 {
		return Validationf("step record step number must be >= 1")
	}
	if strings.TrimSpace(r.Operator) == "" {
		return Validationf("operator is required")
	}
	if _, err := ParseStepResult(string(r.Result)); err != nil {
		return err
	}
	if r.Duration < 0 {
		return DataIntegrity("step_record", r.ID, "negative duration %s", r.Duration)
	}
	return nil
}

func (r StepExecutionRecord) Clone() StepExecutionRecord {
	out := r
	out.Measurements = r.Measurements.Clone()
	out.Defects = append([]string(nil), r.Defects...)
	return out
}
