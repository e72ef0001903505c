package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/animus-labs/animus-mes/internal/domain"
)

// Exit codes for mesctl.
const (
	ExitSuccess   = 0
	ExitFailure   = 1 // unexpected or data integrity failure
	ExitUsage     = 2 // invalid input
	ExitConflict  = 3 // business rule or state conflict
	ExitNotFound  = 4
	ExitRetryable = 5 // lost a concurrent race; retry unchanged
)

// ExitError carries an explicit exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Business errors map by kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	kind := domain.KindOf(err)
	switch {
	case kind == "":
		return ExitFailure
	case kind.Retryable():
		return ExitRetryable
	case kind == domain.KindNotFound:
		return ExitNotFound
	case kind.Conflict():
		return ExitConflict
	case kind == domain.KindDataIntegrity:
		return ExitFailure
	default:
		return ExitUsage
	}
}

// ErrorCode is the stable code reported in JSON error responses.
func ErrorCode(err error) string {
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitUsage {
		return "usage_error"
	}
	return "internal_error"
}

// OutputFormatter handles JSON vs text output for commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the JSON envelope of every command.
type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Steps     []int  `json:"steps,omitempty"`
}

func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, describe(data))
	return err
}

func (f *OutputFormatter) Error(err error) error {
	if f.Format == "json" {
		re := &ResponseError{
			Code:      ErrorCode(err),
			Message:   err.Error(),
			Retryable: domain.KindOf(err).Retryable(),
		}
		var de *domain.Error
		if errors.As(err, &de) {
			re.Steps = de.Steps
		}
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: re})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ErrorCode(err), err.Error())
	return werr
}

func describe(data any) string {
	switch v := data.(type) {
	case domain.Batch:
		return fmt.Sprintf("batch %s lot=%s status=%s target=%d actual=%d passed=%d failed=%d",
			v.ID, v.LotNumber, v.Status, v.TargetQuantity, v.ActualQuantity, v.PassedQuantity, v.FailedQuantity)
	case []domain.Batch:
		return joinLines(len(v), func(i int) string { return describe(v[i]) })
	case domain.Unit:
		step := "-"
		if v.CurrentStep != nil {
			step = fmt.Sprint(*v.CurrentStep)
		}
		line := fmt.Sprintf("unit %s code=%s status=%s step=%s", v.ID, v.Code, v.Status, step)
		if v.SerialID != "" {
			line += " serial=" + v.SerialID
		}
		return line
	case []domain.Unit:
		return joinLines(len(v), func(i int) string { return describe(v[i]) })
	case domain.Serial:
		line := fmt.Sprintf("serial %s number=%s status=%s reworks=%d", v.ID, v.SerialNumber, v.Status, v.ReworkCount)
		if v.FailureReason != "" {
			line += fmt.Sprintf(" reason=%q", v.FailureReason)
		}
		return line
	case domain.ExecutionSession:
		return fmt.Sprintf("session %s key=%s status=%s total=%d pass=%d fail=%d",
			v.ID, v.Key, v.Status, v.TotalCount, v.PassCount, v.FailCount)
	case domain.StepExecutionRecord:
		return fmt.Sprintf("record %s unit=%s step=%d result=%s operator=%s duration=%s",
			v.ID, v.UnitID, v.StepNumber, v.Result, v.Operator, v.Duration)
	case []domain.StepExecutionRecord:
		return joinLines(len(v), func(i int) string { return describe(v[i]) })
	case domain.ProcessDefinition:
		state := "active"
		if !v.IsActive {
			state = "inactive"
		}
		return fmt.Sprintf("%3d %-6s %-18s %s %s", v.StepNumber, v.ID, v.Kind, state, v.Name)
	case []domain.ProcessDefinition:
		return joinLines(len(v), func(i int) string { return describe(v[i]) })
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return joinLines(len(keys), func(i int) string { return fmt.Sprintf("%s: %v", keys[i], v[keys[i]]) })
	default:
		return fmt.Sprint(v)
	}
}

func joinLines(n int, line func(i int) string) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = line(i)
	}
	return strings.Join(lines, "\n")
}
