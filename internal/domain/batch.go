package domain

import (
	"strings"
	"time"
)

// Batch is a LOT: a planned group of units sharing a target quantity.
type Batch struct {
	ID             string
	LotNumber      string
	ProductionDate time.Time
	TargetQuantity int
	ActualQuantity int
	PassedQuantity int
	FailedQuantity int
	Status         BatchStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ClosedAt       *time.Time
}

func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return Validationf("batch id is required")
	}
	if strings.TrimSpace(b.LotNumber) == "" {
		return Validationf("lot number is required")
	}
	if b.TargetQuantity < 1 {
		return Validationf("target quantity must be >= 1")
	}
	if _, err := ParseBatchStatus(string(b.Status)); err != nil {
		return err
	}
	return b.CheckCounters()
}

// CheckCounters enforces passed + failed <= actual <= target with no negative
// counters.
func (b Batch) CheckCounters() error {
	if b.ActualQuantity < 0 || b.PassedQuantity < 0 || b.FailedQuantity < 0 {
		return DataIntegrity("batch", b.ID, "negative counter (actual=%d passed=%d failed=%d)",
			b.ActualQuantity, b.PassedQuantity, b.FailedQuantity)
	}
	if b.PassedQuantity+b.FailedQuantity > b.ActualQuantity {
		return DataIntegrity("batch", b.ID, "passed %d + failed %d exceeds actual %d",
			b.PassedQuantity, b.FailedQuantity, b.ActualQuantity)
	}
	if b.ActualQuantity > b.TargetQuantity {
		return DataIntegrity("batch", b.ID, "actual %d exceeds target %d", b.ActualQuantity, b.TargetQuantity)
	}
	return nil
}

// TargetReached reports whether enough outcomes exist to complete the batch.
func (b Batch) TargetReached() bool {
	return b.PassedQuantity+b.FailedQuantity >= b.TargetQuantity
}

func (b Batch) Clone() Batch {
	out := b
	out.CompletedAt = cloneTime(b.CompletedAt)
	out.ClosedAt = cloneTime(b.ClosedAt)
	return out
}

func (b *Batch) TransitionTo(next BatchStatus) error {
	if !b.Status.CanTransition(next) {
		return transitionError("batch", b.ID, b.Status, next)
	}
	b.Status = next
	return nil
}
