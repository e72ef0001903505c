package domain

import (
	"strings"
	"time"
)

// SessionKey identifies the station/batch/process combination of a session.
type SessionKey struct {
	StationID string
	BatchID   string
	ProcessID string
}

func (k SessionKey) Validate() error {
	if strings.TrimSpace(k.StationID) == "" {
		return Validationf("station id is required")
	}
	if strings.TrimSpace(k.BatchID) == "" {
		return Validationf("batch id is required")
	}
	if strings.TrimSpace(k.ProcessID) == "" {
		return Validationf("process id is required")
	}
	return nil
}

func (k SessionKey) String() string {
	return k.StationID + "/" + k.BatchID + "/" + k.ProcessID
}

// ExecutionSession is a process header: an open-once station session that
// accumulates pass/fail counts.
type ExecutionSession struct {
	ID             string
	Key            SessionKey
	Status         SessionStatus
	TotalCount     int
	PassCount      int
	FailCount      int
	Parameters     Metadata
	HardwareConfig Metadata
	OpenedBy       string
	OpenedAt       time.Time
	ClosedAt       *time.Time
	CancelReason   string
}

func (s ExecutionSession) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return Validationf("session id is required")
	}
	if err := s.Key.Validate(); err != nil {
		return err
	}
	if _, err := ParseSessionStatus(string(s.Status)); err != nil {
		return err
	}
	if s.PassCount+s.FailCount > s.TotalCount {
		return DataIntegrity("session", s.ID, "pass %d + fail %d exceeds total %d", s.PassCount, s.FailCount, s.TotalCount)
	}
	return nil
}

func (s ExecutionSession) Clone() ExecutionSession {
	out := s
	out.Parameters = s.Parameters.Clone()
	out.HardwareConfig = s.HardwareConfig.Clone()
	out.ClosedAt = cloneTime(s.ClosedAt)
	return out
}

// Finish moves an OPEN session to a terminal status at the given time.
func (s *ExecutionSession) Finish(next SessionStatus, at time.Time) error {
	if !s.Status.CanTransition(next) {
		return InvalidState("session", s.ID, "session is %s, expected %s", s.Status, SessionOpen)
	}
	s.Status = next
	t := at.UTC()
	s.ClosedAt = &t
	return nil
}

// Record counts one step result against the session.
func (s *ExecutionSession) Record(result StepResult) error {
	if s.Status != SessionOpen {
		return InvalidState("session", s.ID, "session is %s, expected %s", s.Status, SessionOpen)
	}
	switch result {
	case ResultPass:
		s.PassCount++
	case ResultFail:
		s.FailCount++
	case ResultRework:
	default:
		return Validationf("unknown step result %q", result)
	}
	s.TotalCount++
	return nil
}

// Deletable reports whether the session was cancelled before any activity.
func (s ExecutionSession) Deletable() bool {
	return s.Status == SessionCancelled && s.TotalCount == 0
}
