package domain

import (
	"strings"
	"time"
)

// Unit is a WIP item tracked through the step sequence until it converts to a
// serial.
type Unit struct {
	ID              string
	Code            string
	BatchID         string
	SequenceInBatch int
	Status          UnitStatus
	CurrentStep     *int
	StepStartedAt   *time.Time
	SerialID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (u Unit) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return Validationf("unit id is required")
	}
	if strings.TrimSpace(u.Code) == "" {
		return Validationf("unit code is required")
	}
	if strings.TrimSpace(u.BatchID) == "" {
		return Validationf("unit batch id is required")
	}
	if u.SequenceInBatch < 1 {
		return Validationf("unit sequence must be >= 1")
	}
	if _, err := ParseUnitStatus(string(u.Status)); err != nil {
		return err
	}
	return nil
}

func (u Unit) Clone() Unit {
	out := u
	out.CurrentStep = cloneInt(u.CurrentStep)
	out.StepStartedAt = cloneTime(u.StepStartedAt)
	return out
}

// TransitionTo moves the unit to next or fails with InvalidState.
func (u *Unit) TransitionTo(next UnitStatus) error {
	if !u.Status.CanTransition(next) {
		return transitionError("unit", u.ID, u.Status, next)
	}
	u.Status = next
	return nil
}

// AtStep reports whether the unit has been started at step and not finished it.
func (u Unit) AtStep(step int) bool {
	return u.Status == UnitInProgress && u.CurrentStep != nil && *u.CurrentStep == step
}

func (u *Unit) clearStep() {
	u.CurrentStep = nil
	u.StepStartedAt = nil
}

// EnterStep marks the unit as working on step since startedAt.
func (u *Unit) EnterStep(step int, startedAt time.Time) error {
	if err := u.TransitionTo(UnitInProgress); err != nil {
		return err
	}
	s := step
	t := startedAt.UTC()
	u.CurrentStep = &s
	u.StepStartedAt = &t
	return nil
}

// LeaveStep moves the unit to next and clears the current step.
func (u *Unit) LeaveStep(next UnitStatus) error {
	if err := u.TransitionTo(next); err != nil {
		return err
	}
	u.clearStep()
	return nil
}
