package auditlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "op-1",
		Action:       "unit.update",
		ResourceType: "unit",
		ResourceID:   "unit-1",
	}
	payloadJSON := []byte(`{"after":{"status":"IN_PROGRESS"}}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnActorAndPayload(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "op-1",
		Action:       "batch.update",
		ResourceType: "batch",
		ResourceID:   "batch-1",
	}
	base, err := ComputeIntegritySHA256(event, []byte(`{"after":{"passed_quantity":1}}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	changed, err := ComputeIntegritySHA256(event, []byte(`{"after":{"passed_quantity":2}}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if base == changed {
		t.Fatalf("expected integrity to differ on payload")
	}
	event.Actor = "op-2"
	other, err := ComputeIntegritySHA256(event, []byte(`{"after":{"passed_quantity":1}}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if base == other {
		t.Fatalf("expected integrity to differ on actor")
	}
}

func TestEventValidate(t *testing.T) {
	event := Event{
		OccurredAt:   time.Now(),
		Actor:        "op-1",
		Action:       "session.delete",
		ResourceType: "session",
		ResourceID:   "s-1",
		Before:       json.RawMessage(`{"status":"CANCELLED"}`),
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	event.Before = nil
	if err := event.Validate(); err == nil {
		t.Fatalf("expected error without snapshots")
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{}); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
}
