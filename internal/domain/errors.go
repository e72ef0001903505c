package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorKind classifies a failure of a business operation.
type ErrorKind string

const (
	KindValidation              ErrorKind = "validation_error"
	KindNotFound                ErrorKind = "not_found"
	KindInvalidStep             ErrorKind = "invalid_step"
	KindSequenceViolation       ErrorKind = "sequence_violation"
	KindIncompletePrerequisites ErrorKind = "incomplete_prerequisites"
	KindDuplicatePass           ErrorKind = "duplicate_pass"
	KindConversionNotAllowed    ErrorKind = "conversion_not_allowed"
	KindMaxReworkExceeded       ErrorKind = "max_rework_exceeded"
	KindNotFailed               ErrorKind = "not_failed"
	KindReasonRequired          ErrorKind = "reason_required"
	KindInvalidState            ErrorKind = "invalid_state"
	KindNotDeletable            ErrorKind = "not_deletable"
	KindConcurrencyConflict     ErrorKind = "concurrency_conflict"
	KindDataIntegrity           ErrorKind = "data_integrity"
)

// Retryable reports whether the caller may retry the whole operation unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindConcurrencyConflict
}

// Conflict reports whether the failure is a rule or state conflict rather than
// malformed input.
func (k ErrorKind) Conflict() bool {
	switch k {
	case KindSequenceViolation, KindIncompletePrerequisites, KindDuplicatePass,
		KindConversionNotAllowed, KindMaxReworkExceeded, KindNotFailed, KindInvalidState, KindNotDeletable:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrInvalidStep             = &Error{Kind: KindInvalidStep}
	ErrSequenceViolation       = &Error{Kind: KindSequenceViolation}
	ErrIncompletePrerequisites = &Error{Kind: KindIncompletePrerequisites}
	ErrDuplicatePass           = &Error{Kind: KindDuplicatePass}
	ErrConversionNotAllowed    = &Error{Kind: KindConversionNotAllowed}
	ErrMaxReworkExceeded       = &Error{Kind: KindMaxReworkExceeded}
	ErrNotFailed               = &Error{Kind: KindNotFailed}
	ErrReasonRequired          = &Error{Kind: KindReasonRequired}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrNotDeletable            = &Error{Kind: KindNotDeletable}
	ErrConcurrencyConflict     = &Error{Kind: KindConcurrencyConflict}
	ErrDataIntegrity           = &Error{Kind: KindDataIntegrity}
)

// Error carries the kind of a business failure plus the entity, step and
// constraint it concerns.
type Error struct {
	Kind    ErrorKind
	Message string
	Entity  string
	ID      string
	Step    int
	Steps   []int
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Entity != "" {
		b.WriteString(": ")
		b.WriteString(e.Entity)
		if e.ID != "" {
			b.WriteString(" ")
			b.WriteString(e.ID)
		}
	}
	if e.Step > 0 {
		b.WriteString(": step ")
		b.WriteString(strconv.Itoa(e.Step))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: "does not exist"}
}

func InvalidStep(step int, reason string) *Error {
	return &Error{Kind: KindInvalidStep, Entity: "process", Step: step, Message: reason}
}

func SequenceViolation(unitID string, step, required int) *Error {
	return &Error{
		Kind:    KindSequenceViolation,
		Entity:  "unit",
		ID:      unitID,
		Step:    step,
		Steps:   []int{required},
		Message: fmt.Sprintf("step %d requires a PASS for step %d", step, required),
	}
}

func IncompletePrerequisites(unitID string, step int, missing []int) *Error {
	parts := make([]string, 0, len(missing))
	for _, m := range missing {
		parts = append(parts, strconv.Itoa(m))
	}
	return &Error{
		Kind:    KindIncompletePrerequisites,
		Entity:  "unit",
		ID:      unitID,
		Step:    step,
		Steps:   append([]int(nil), missing...),
		Message: "missing PASS for steps " + strings.Join(parts, ","),
	}
}

func DuplicatePass(unitID string, step int) *Error {
	return &Error{
		Kind:    KindDuplicatePass,
		Entity:  "unit",
		ID:      unitID,
		Step:    step,
		Message: "a PASS record already exists",
	}
}

func ConversionNotAllowed(unitID string, status UnitStatus, serialID string) *Error {
	msg := fmt.Sprintf("unit status is %s", status)
	if serialID != "" {
		msg = fmt.Sprintf("unit already linked to serial %s", serialID)
	}
	return &Error{Kind: KindConversionNotAllowed, Entity: "unit", ID: unitID, Message: msg}
}

func MaxReworkExceeded(serialID string, count int) *Error {
	return &Error{
		Kind:    KindMaxReworkExceeded,
		Entity:  "serial",
		ID:      serialID,
		Message: fmt.Sprintf("rework count %d reached limit %d", count, MaxReworkCount),
	}
}

func NotFailed(serialID string, status SerialStatus) *Error {
	return &Error{Kind: KindNotFailed, Entity: "serial", ID: serialID, Message: fmt.Sprintf("serial status is %s", status)}
}

func ReasonRequired(serialID string) *Error {
	return &Error{Kind: KindReasonRequired, Entity: "serial", ID: serialID, Message: "failure reason is required"}
}

func InvalidState(entity, id, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

func NotDeletable(sessionID, format string, args ...any) *Error {
	return &Error{Kind: KindNotDeletable, Entity: "session", ID: sessionID, Message: fmt.Sprintf(format, args...)}
}

func ConcurrencyConflict(entity, id string, err error) *Error {
	return &Error{
		Kind:    KindConcurrencyConflict,
		Entity:  entity,
		ID:      id,
		Message: "concurrent writer won the race; retry the operation",
		Err:     err,
	}
}

func DataIntegrity(entity, id, format string, args ...any) *Error {
	return &Error{Kind: KindDataIntegrity, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}
