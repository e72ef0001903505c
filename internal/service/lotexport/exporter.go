// Package lotexport writes the traceability record of a closed lot to object
// storage as newline-delimited JSON.
package lotexport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

const (
	contentType           = "application/x-ndjson"
	timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"
)

// Putter stores one object. objectstore.Bucket satisfies it.
type Putter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type Exporter struct {
	store  repo.Repos
	bucket Putter
	logger *slog.Logger
}

func New(store repo.Repos, bucket Putter, logger *slog.Logger) *Exporter {
	if store == nil || bucket == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, bucket: bucket, logger: logger}
}

type Result struct {
	Key     string
	Units   int
	Serials int
	Records int
}

// ObjectKey is where the bundle of a lot is stored.
func ObjectKey(lotNumber string) string {
	return "lots/" + lotNumber + "/traceability.ndjson"
}

// Export requires a CLOSED batch, so the bundle never changes after upload.
func (e *Exporter) Export(ctx context.Context, batchID string) (Result, error) {
	if e == nil {
		return Result{}, fmt.Errorf("exporter not initialized")
	}
	batch, err := e.store.Batches().GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, domain.NotFound("batch", batchID)
		}
		return Result{}, fmt.Errorf("get batch: %w", err)
	}
	if batch.Status != domain.BatchClosed {
		return Result{}, domain.InvalidState("batch", batch.ID, "batch is %s, export requires %s", batch.Status, domain.BatchClosed)
	}
	units, err := e.store.Units().ListUnits(ctx, repo.UnitFilter{BatchID: batch.ID})
	if err != nil {
		return Result{}, fmt.Errorf("list units: %w", err)
	}
	serials, err := e.store.Serials().ListSerialsByBatch(ctx, batch.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list serials: %w", err)
	}
	records, err := e.store.StepRecords().ListStepRecordsByBatch(ctx, batch.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list step records: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, batch, units, serials, records); err != nil {
		return Result{}, err
	}
	key := ObjectKey(batch.LotNumber)
	if err := e.bucket.Put(ctx, key, buf.Bytes(), contentType); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}

	res := Result{Key: key, Units: len(units), Serials: len(serials), Records: len(records)}
	e.logger.Info("lot exported", "batch_id", batch.ID, "lot", batch.LotNumber, "key", key,
		"units", res.Units, "serials", res.Serials, "records", res.Records)
	return res, nil
}

// Encode writes the batch header followed by one line per unit, serial and
// step record.
func Encode(buf *bytes.Buffer, batch domain.Batch, units []domain.Unit, serials []domain.Serial, records []domain.StepExecutionRecord) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(exportBatchFromDomain(batch)); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	for _, u := range units {
		if err := enc.Encode(exportUnitFromDomain(u)); err != nil {
			return fmt.Errorf("encode unit %s: %w", u.ID, err)
		}
	}
	for _, s := range serials {
		if err := enc.Encode(exportSerialFromDomain(s)); err != nil {
			return fmt.Errorf("encode serial %s: %w", s.ID, err)
		}
	}
	for _, r := range records {
		if err := enc.Encode(exportRecordFromDomain(r)); err != nil {
			return fmt.Errorf("encode step record %s: %w", r.ID, err)
		}
	}
	return nil
}

type exportBatch struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	LotNumber      string `json:"lot_number"`
	ProductionDate string `json:"production_date"`
	TargetQuantity int    `json:"target_quantity"`
	ActualQuantity int    `json:"actual_quantity"`
	PassedQuantity int    `json:"passed_quantity"`
	FailedQuantity int    `json:"failed_quantity"`
	Status         string `json:"status"`
	CompletedAt    string `json:"completed_at,omitempty"`
	ClosedAt       string `json:"closed_at,omitempty"`
}

type exportUnit struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Code            string `json:"code"`
	SequenceInBatch int    `json:"sequence_in_batch"`
	Status          string `json:"status"`
	SerialID        string `json:"serial_id,omitempty"`
}

type exportSerial struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	SerialNumber  string `json:"serial_number"`
	UnitID        string `json:"unit_id"`
	Status        string `json:"status"`
	ReworkCount   int    `json:"rework_count"`
	FailureReason string `json:"failure_reason,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

type exportRecord struct {
	Type         string         `json:"type"`
	ID           string         `json:"id"`
	UnitID       string         `json:"unit_id"`
	StepNumber   int            `json:"step_number"`
	ProcessID    string         `json:"process_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Operator     string         `json:"operator"`
	Equipment    string         `json:"equipment,omitempty"`
	Result       string         `json:"result"`
	Measurements map[string]any `json:"measurements,omitempty"`
	Defects      []string       `json:"defects,omitempty"`
	StartedAt    string         `json:"started_at"`
	CompletedAt  string         `json:"completed_at"`
	DurationMS   int64          `json:"duration_ms"`
}

func exportBatchFromDomain(b domain.Batch) exportBatch {
	return exportBatch{
		Type:           "batch",
		ID:             b.ID,
		LotNumber:      b.LotNumber,
		ProductionDate: formatTime(b.ProductionDate),
		TargetQuantity: b.TargetQuantity,
		ActualQuantity: b.ActualQuantity,
		PassedQuantity: b.PassedQuantity,
		FailedQuantity: b.FailedQuantity,
		Status:         string(b.Status),
		CompletedAt:    formatTimePtr(b.CompletedAt),
		ClosedAt:       formatTimePtr(b.ClosedAt),
	}
}

func exportUnitFromDomain(u domain.Unit) exportUnit {
	return exportUnit{
		Type:            "unit",
		ID:              u.ID,
		Code:            u.Code,
		SequenceInBatch: u.SequenceInBatch,
		Status:          string(u.Status),
		SerialID:        u.SerialID,
	}
}

func exportSerialFromDomain(s domain.Serial) exportSerial {
	return exportSerial{
		Type:          "serial",
		ID:            s.ID,
		SerialNumber:  s.SerialNumber,
		UnitID:        s.UnitID,
		Status:        string(s.Status),
		ReworkCount:   s.ReworkCount,
		FailureReason: s.FailureReason,
		CompletedAt:   formatTimePtr(s.CompletedAt),
	}
}

func exportRecordFromDomain(r domain.StepExecutionRecord) exportRecord {
	return exportRecord{
		Type:         "step_record",
		ID:           r.ID,
		UnitID:       r.UnitID,
		StepNumber:   r.StepNumber,
		ProcessID:    r.ProcessID,
		SessionID:    r.SessionID,
		Operator:     r.Operator,
		Equipment:    r.Equipment,
		Result:       string(r.Result),
		Measurements: r.Measurements,
		Defects:      r.Defects,
		StartedAt:    formatTime(r.StartedAt),
		CompletedAt:  formatTime(r.CompletedAt),
		DurationMS:   r.Duration.Milliseconds(),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormatRFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
