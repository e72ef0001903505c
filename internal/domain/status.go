package domain

import (
	"fmt"
	"strings"
)

// UnitStatus is the lifecycle state of a WIP unit.
type UnitStatus string

const (
	UnitCreated    UnitStatus = "CREATED"
	UnitInProgress UnitStatus = "IN_PROGRESS"
	UnitCompleted  UnitStatus = "COMPLETED"
	UnitFailed     UnitStatus = "FAILED"
	UnitConverted  UnitStatus = "CONVERTED"
)

func ParseUnitStatus(value string) (UnitStatus, error) {
	s := UnitStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case UnitCreated, UnitInProgress, UnitCompleted, UnitFailed, UnitConverted:
		return s, nil
	default:
		return "", Validationf("unknown unit status %q", value)
	}
}

// CanTransition reports whether a unit may move from s to next.
// COMPLETED -> IN_PROGRESS covers starting the serial-conversion step.
func (s UnitStatus) CanTransition(next UnitStatus) bool {
	switch s {
	case UnitCreated:
		return next == UnitInProgress
	case UnitInProgress:
		return next == UnitInProgress || next == UnitCompleted || next == UnitFailed
	case UnitFailed:
		return next == UnitInProgress
	case UnitCompleted:
		return next == UnitInProgress || next == UnitConverted
	case UnitConverted:
		return false
	default:
		return false
	}
}

// SerialStatus is the lifecycle state of a converted serial.
type SerialStatus string

const (
	SerialCreated    SerialStatus = "CREATED"
	SerialInProgress SerialStatus = "IN_PROGRESS"
	SerialPassed     SerialStatus = "PASSED"
	SerialFailed     SerialStatus = "FAILED"
)

// MaxReworkCount bounds how many times a failed serial may be reworked.
const MaxReworkCount = 3

func ParseSerialStatus(value string) (SerialStatus, error) {
	s := SerialStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case SerialCreated, SerialInProgress, SerialPassed, SerialFailed:
		return s, nil
	default:
		return "", Validationf("unknown serial status %q", value)
	}
}

// CanTransition covers explicit status changes only. FAILED -> IN_PROGRESS is
// reachable exclusively through rework.
func (s SerialStatus) CanTransition(next SerialStatus) bool {
	switch s {
	case SerialCreated:
		return next == SerialInProgress
	case SerialInProgress:
		return next == SerialPassed || next == SerialFailed
	case SerialFailed:
		return false
	case SerialPassed:
		return false
	default:
		return false
	}
}

// BatchStatus is the lifecycle state of a LOT.
type BatchStatus string

const (
	BatchCreated    BatchStatus = "CREATED"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchClosed     BatchStatus = "CLOSED"
)

func ParseBatchStatus(value string) (BatchStatus, error) {
	s := BatchStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case BatchCreated, BatchInProgress, BatchCompleted, BatchClosed:
		return s, nil
	default:
		return "", Validationf("unknown batch status %q", value)
	}
}

func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchCreated:
		return next == BatchInProgress || next == BatchCompleted
	case BatchInProgress:
		return next == BatchCompleted
	case BatchCompleted:
		return next == BatchClosed
	case BatchClosed:
		return false
	default:
		return false
	}
}

// SessionStatus is the lifecycle state of an execution session.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"
	SessionClosed    SessionStatus = "CLOSED"
	SessionCancelled SessionStatus = "CANCELLED"
)

func ParseSessionStatus(value string) (SessionStatus, error) {
	s := SessionStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case SessionOpen, SessionClosed, SessionCancelled:
		return s, nil
	default:
		return "", Validationf("unknown session status %q", value)
	}
}

func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionOpen:
		return next == SessionClosed || next == SessionCancelled
	case SessionClosed, SessionCancelled:
		return false
	default:
		return false
	}
}

// StepResult is the outcome of one step attempt.
type StepResult string

const (
	ResultPass   StepResult = "PASS"
	ResultFail   StepResult = "FAIL"
	ResultRework StepResult = "REWORK"
)

func ParseStepResult(value string) (StepResult, error) {
	r := StepResult(strings.ToUpper(strings.TrimSpace(value)))
	switch r {
	case ResultPass, ResultFail, ResultRework:
		return r, nil
	default:
		return "", Validationf("unknown step result %q", value)
	}
}

// StepKind distinguishes ordinary steps from the terminal conversion step.
type StepKind string

const (
	StepManufacturing    StepKind = "MANUFACTURING"
	StepSerialConversion StepKind = "SERIAL_CONVERSION"
)

func ParseStepKind(value string) (StepKind, error) {
	k := StepKind(strings.ToUpper(strings.TrimSpace(value)))
	switch k {
	case StepManufacturing, StepSerialConversion:
		return k, nil
	default:
		return "", Validationf("unknown step kind %q", value)
	}
}

func (k StepKind) String() string { return string(k) }

func transitionError(entity, id string, from, to fmt.Stringer) *Error {
	return InvalidState(entity, id, "cannot transition from %s to %s", from, to)
}

func (s UnitStatus) String() string    { return string(s) }
func (s SerialStatus) String() string  { return string(s) }
func (s BatchStatus) String() string   { return string(s) }
func (s SessionStatus) String() string { return string(s) }
func (r StepResult) String() string    { return string(r) }
