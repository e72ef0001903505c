package domain

import (
	"strings"
	"time"
)

// Serial is the permanent identity a unit receives on conversion.
type Serial struct {
	ID              string
	SerialNumber    string
	UnitID          string
	BatchID         string
	SequenceInBatch int
	Status          SerialStatus
	ReworkCount     int
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func (s Serial) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return Validationf("serial id is required")
	}
	if strings.TrimSpace(s.SerialNumber) == "" {
		return Validationf("serial number is required")
	}
	if strings.TrimSpace(s.UnitID) == "" {
		return Validationf("serial unit id is required")
	}
	if _, err := ParseSerialStatus(string(s.Status)); err != nil {
		return err
	}
	if s.ReworkCount < 0 || s.ReworkCount > MaxReworkCount {
		return DataIntegrity("serial", s.ID, "rework count %d outside 0..%d", s.ReworkCount, MaxReworkCount)
	}
	return nil
}

func (s Serial) Clone() Serial {
	out := s
	out.CompletedAt = cloneTime(s.CompletedAt)
	return out
}

// CanRework reports whether the serial may re-enter processing.
func (s Serial) CanRework() bool {
	return s.Status == SerialFailed && s.ReworkCount < MaxReworkCount
}

// Scrapped reports whether the serial failed with no rework attempts left.
func (s Serial) Scrapped() bool {
	return s.Status == SerialFailed && s.ReworkCount >= MaxReworkCount
}
