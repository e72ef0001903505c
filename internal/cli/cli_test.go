package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo/memstore"
)

type memBucket struct{ objects map[string][]byte }

func (b *memBucket) Put(_ context.Context, key string, body []byte, _ string) error {
	b.objects[key] = body
	return nil
}

type harness struct {
	t      *testing.T
	app    *App
	bucket *memBucket
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bucket := &memBucket{objects: map[string][]byte{}}
	app := NewApp(memstore.New(), bucket, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	return &harness{t: t, app: app, bucket: bucket}
}

func (h *harness) opener(context.Context, *RootOptions) (*App, error) { return h.app, nil }

// exec runs mesctl with --format json and decodes the envelope.
func (h *harness) exec(args ...string) (int, Response) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), h.opener, append([]string{"--format", "json"}, args...), &out, &errOut)
	var resp Response
	require.NoError(h.t, json.Unmarshal(out.Bytes(), &resp), "output: %s", out.String())
	return code, resp
}

func (h *harness) ok(args ...string) map[string]any {
	h.t.Helper()
	code, resp := h.exec(args...)
	require.Equal(h.t, ExitSuccess, code, "%v: %+v", args, resp.Error)
	data, _ := resp.Data.(map[string]any)
	return data
}

func (h *harness) list(args ...string) []any {
	h.t.Helper()
	code, resp := h.exec(args...)
	require.Equal(h.t, ExitSuccess, code, "%v: %+v", args, resp.Error)
	items, _ := resp.Data.([]any)
	return items
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `processes:
  - {id: P10, step: 1, name: SMT, kind: MANUFACTURING}
  - {id: P20, step: 2, name: AOI, kind: MANUFACTURING}
  - {id: P90, step: 3, name: Laser mark, kind: SERIAL_CONVERSION}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mesctl", cmd.Use)

	for _, name := range []string{"migrate", "catalog", "lot", "unit", "serial", "session"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
}

func TestInvalidFormatIsUsageError(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer
	code := execute(context.Background(), h.opener, []string{"--format", "yaml", "catalog", "list"}, &out, io.Discard)
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, out.String(), "invalid format")
}

func TestWorkflowThroughCLI(t *testing.T) {
	h := newHarness(t)
	op := "--operator=op-1"

	defs := h.list("catalog", "apply", writeCatalog(t), op)
	require.Len(t, defs, 3)

	batch := h.ok("lot", "create", "--lot", "LOT-C", "--target", "1", "--date", "2026-05-04", op)
	batchID := batch["ID"].(string)
	assert.Equal(t, "CREATED", batch["Status"])

	units := h.list("lot", "generate", batchID, "--count", "1", op)
	require.Len(t, units, 1)
	unitID := units[0].(map[string]any)["ID"].(string)

	session := h.ok("session", "open", "--station", "ST-1", "--batch", batchID, "--process", "P10", "--params", `{"temp_c":245}`, op)
	sessionID := session["ID"].(string)
	again := h.ok("session", "open", "--station", "ST-1", "--batch", batchID, "--process", "P10", op)
	assert.Equal(t, sessionID, again["ID"])

	code, resp := h.exec("unit", "start", unitID, "--step", "2", op)
	assert.Equal(t, ExitConflict, code)
	assert.Equal(t, "sequence_violation", resp.Error.Code)

	for _, step := range []string{"1", "2"} {
		h.ok("unit", "start", unitID, "--step", step, op)
		args := []string{"unit", "complete", unitID, "--step", step, "--result", "PASS", "--measurements", `{"temp_c":245}`, op}
		if step == "1" {
			args = append(args, "--session", sessionID)
		}
		h.ok(args...)
	}
	steps := h.list("unit", "steps", unitID)
	assert.Equal(t, []any{float64(1), float64(2)}, steps)

	code, resp = h.exec("unit", "complete", unitID, "--step", "1", "--result", "PASS", op)
	assert.Equal(t, ExitConflict, code)
	assert.Equal(t, "duplicate_pass", resp.Error.Code)

	serial := h.ok("unit", "convert", unitID, op)
	assert.Equal(t, "LOT-C-0001", serial["SerialNumber"])
	serialID := serial["ID"].(string)

	h.ok("serial", "status", serialID, "IN_PROGRESS", op)
	code, resp = h.exec("serial", "status", serialID, "FAILED", op)
	assert.Equal(t, ExitUsage, code)
	assert.Equal(t, "reason_required", resp.Error.Code)
	h.ok("serial", "status", serialID, "FAILED", "--reason", "cold joint", op)
	check := h.ok("serial", "can-rework", serialID)
	assert.Equal(t, true, check["can_rework"])
	reworked := h.ok("serial", "rework", serialID, op)
	assert.Equal(t, float64(1), reworked["ReworkCount"])
	h.ok("serial", "status", serialID, "PASSED", op)

	got := h.ok("session", "get", sessionID)
	assert.Equal(t, float64(1), got["PassCount"])
	h.ok("session", "close", sessionID, op)

	lot := h.ok("lot", "get", batchID)
	assert.Equal(t, "COMPLETED", lot["Status"])
	h.ok("lot", "close", batchID, op)
	export := h.ok("lot", "export", batchID)
	assert.Equal(t, "lots/LOT-C/traceability.ndjson", export["key"])
	assert.Contains(t, h.bucket.objects, "lots/LOT-C/traceability.ndjson")

	history := h.list("unit", "history", unitID)
	assert.Len(t, history, 2)
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)

	code, resp := h.exec("unit", "get", "missing")
	assert.Equal(t, ExitNotFound, code)
	assert.Equal(t, "not_found", resp.Error.Code)

	code, resp = h.exec("lot", "create", "--lot", "LOT-1", "--target", "1")
	assert.Equal(t, ExitUsage, code)
	assert.Equal(t, "usage_error", resp.Error.Code)

	code, _ = h.exec("lot", "create", "--lot", "LOT-1", "--target", "0", "--operator", "op")
	assert.Equal(t, ExitUsage, code)

	code, _ = h.exec("migrate")
	assert.Equal(t, ExitUsage, code, "memory store has no database")

	assert.Equal(t, ExitRetryable, ExitCode(domain.ConcurrencyConflict("session", "k", nil)))
	assert.Equal(t, ExitFailure, ExitCode(domain.DataIntegrity("batch", "b", "x")))
	assert.Equal(t, ExitConflict, ExitCode(domain.ErrNotFailed))
	assert.Equal(t, ExitFailure, ExitCode(io.ErrUnexpectedEOF))
}

func TestTextOutput(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer
	code := execute(context.Background(), h.opener,
		[]string{"lot", "create", "--lot", "LOT-T", "--target", "2", "--operator", "op"}, &out, io.Discard)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out.String(), "lot=LOT-T status=CREATED target=2")
}

func TestFailedCommandClosesApp(t *testing.T) {
	h := newHarness(t)
	closed := 0
	h.app.shutdownMetrics = func(context.Context) error {
		closed++
		return nil
	}

	code, resp := h.exec("lot", "get", "missing")
	assert.Equal(t, ExitNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 1, closed, "app is closed when the command fails")

	h.app.shutdownMetrics = func(context.Context) error {
		closed++
		return nil
	}
	h.list("lot", "list")
	assert.Equal(t, 2, closed, "and closed once on success")
}
