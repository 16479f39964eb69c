// Package executor implements the validated, deterministic tool dispatcher
// that applies named spreadsheet operations to a workbook (spec §4.2).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sheetforge/sheetguard/config"
	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

// ErrorCode enumerates the executor's four-kind error taxonomy (spec §7).
type ErrorCode string

const (
	ErrValidation       ErrorCode = "validation_error"
	ErrNotImplemented   ErrorCode = "not_implemented"
	ErrPermissionDenied ErrorCode = "permission_denied"
	ErrRuntime          ErrorCode = "runtime_error"
)

// ToolError is the structured error attached to a failed Result.
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationErr(details map[string]any, format string, args ...any) *ToolError {
	return &ToolError{Code: ErrValidation, Message: fmt.Sprintf(format, args...), Details: details}
}

// Timing records when a call started and how long it took.
type Timing struct {
	StartedAtMs int64 `json:"started_at_ms"`
	DurationMs  int64 `json:"duration_ms"`
}

// Result is the envelope returned for every tool call (spec §4.2, §6.2).
type Result struct {
	Tool     string     `json:"tool"`
	OK       bool       `json:"ok"`
	Timing   Timing     `json:"timing"`
	Data     any        `json:"data,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Error    *ToolError `json:"error,omitempty"`
}

// Call is a single tool invocation: a fixed tool name plus its JSON
// parameters, matching the dynamic-parameter-object shape of spec §6.2/§9.
type Call struct {
	Tool       string
	Parameters json.RawMessage
}

// Config captures the executor's configuration knobs (spec §6.4).
type Config struct {
	DefaultSheet         string
	AllowExternalData    bool
	AllowedExternalHosts []string
	MaxExternalBytes     int64
	MaxToolRangeCells    int
	MaxReadRangeCells    int
	PreviewMode          bool
}

// DefaultConfig returns a Config populated with package defaults.
func DefaultConfig() Config {
	return Config{
		MaxExternalBytes:  config.DefaultMaxExternalBytes,
		MaxToolRangeCells: config.DefaultMaxToolRangeCells,
		MaxReadRangeCells: config.DefaultMaxReadRangeCells,
	}
}

// Fetcher performs the external HTTP fetch used by fetch_external_data.
// Abstracted so tests can substitute a fake transport without touching the
// network (spec treats connectors as external collaborators, §1).
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Executor dispatches validated tool calls against a single workbook handle.
// Per spec §5, a tool call executes atomically with respect to other calls
// against the same handle — callers are expected to serialize calls to one
// Executor the way the Manager serializes access to one workbook handle.
type Executor struct {
	mu     sync.Mutex
	cfg    Config
	wb     workbook.SpreadsheetApi
	pivots []*PivotRegistration
	fetch  Fetcher
	clock  Clock
}

// New constructs an Executor bound to a workbook and configuration.
func New(wb workbook.SpreadsheetApi, cfg Config, fetch Fetcher) *Executor {
	return &Executor{cfg: cfg, wb: wb, fetch: fetch, clock: time.Now}
}

// WithClock overrides the executor's clock (tests only).
func (e *Executor) WithClock(c Clock) { e.clock = c }

// Config returns the executor's effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Workbook returns the bound SpreadsheetApi implementation.
func (e *Executor) Workbook() workbook.SpreadsheetApi { return e.wb }

type toolHandler func(ctx context.Context, e *Executor, params json.RawMessage) (data any, warnings []string, touched *a1.RangeAddress, err *ToolError)

var registry = map[string]toolHandler{}

func register(name string, h toolHandler) { registry[name] = h }

// sideEffecting names the tools preview_mode short-circuits to a skipped result.
var sideEffecting = map[string]bool{
	"write_cell":           true,
	"set_range":            true,
	"apply_formula_column": true,
	"create_pivot_table":   true,
	"sort_range":           true,
	"apply_formatting":     true,
	"fetch_external_data":  true,
}

// Execute validates and dispatches a single tool call (spec §4.2).
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	started := e.clock()
	res := Result{Tool: call.Tool, Timing: Timing{StartedAtMs: started.UnixMilli()}}

	h, ok := registry[call.Tool]
	if !ok {
		res.Error = newErr(ErrNotImplemented, "unknown tool %q", call.Tool)
		res.Timing.DurationMs = e.clock().Sub(started).Milliseconds()
		return res
	}

	if e.cfg.PreviewMode && sideEffecting[call.Tool] {
		res.OK = true
		res.Data = map[string]any{"skipped": true, "reason": "preview_mode enabled"}
		res.Timing.DurationMs = e.clock().Sub(started).Milliseconds()
		return res
	}

	e.mu.Lock()
	data, warnings, touched, terr := func() (data any, warnings []string, touched *a1.RangeAddress, terr *ToolError) {
		defer func() {
			if r := recover(); r != nil {
				terr = newErr(ErrRuntime, "panic: %v", r)
			}
		}()
		return h(ctx, e, call.Parameters)
	}()
	var pivotWarnings []string
	if terr == nil && touched != nil {
		pivotWarnings = e.refreshPivots(ctx, *touched)
	}
	e.mu.Unlock()

	res.Timing.DurationMs = e.clock().Sub(started).Milliseconds()
	if terr != nil {
		res.Error = terr
		return res
	}
	res.OK = true
	res.Data = data
	res.Warnings = append(warnings, pivotWarnings...)
	return res
}

// ExecutePlan runs a sequence of calls sequentially; no step's failure
// aborts the plan (spec §4.2).
func (e *Executor) ExecutePlan(ctx context.Context, calls []Call) []Result {
	out := make([]Result, 0, len(calls))
	for _, c := range calls {
		out = append(out, e.Execute(ctx, c))
	}
	return out
}

// decodeParams unmarshals a tool's JSON parameters into a typed struct and
// runs struct validation, returning a validation_error ToolError on failure.
func decodeParams[T any](raw json.RawMessage) (T, *ToolError) {
	var v T
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, validationErr(nil, "invalid parameters: %v", err)
	}
	if msg := validateStruct(v); msg != "" {
		return v, validationErr(nil, "%s", msg)
	}
	return v, nil
}

// resolveRange applies the default_sheet configuration knob when a range or
// cell string omits a sheet prefix.
func (e *Executor) resolveRange(s string) (a1.RangeAddress, *ToolError) {
	rng, err := a1.ParseRangeAddress(s, e.cfg.DefaultSheet)
	if err != nil {
		return a1.RangeAddress{}, validationErr(map[string]any{"range": s}, "invalid range: %v", err)
	}
	if rng.Sheet == "" {
		return a1.RangeAddress{}, validationErr(map[string]any{"range": s}, "sheet is required (no default_sheet configured)")
	}
	return rng, nil
}

func (e *Executor) resolveCell(s string) (a1.CellAddress, *ToolError) {
	addr, err := a1.ParseCellAddress(s, e.cfg.DefaultSheet)
	if err != nil {
		return a1.CellAddress{}, validationErr(map[string]any{"cell": s}, "invalid cell: %v", err)
	}
	if addr.Sheet == "" {
		return a1.CellAddress{}, validationErr(map[string]any{"cell": s}, "sheet is required (no default_sheet configured)")
	}
	return addr, nil
}

// checkRangeGate enforces the range-size gate (spec §4.2): rows*cols must
// not exceed max_tool_range_cells, and additionally max_read_range_cells for
// reading tools. It runs before any CellData materialization.
func (e *Executor) checkRangeGate(rng a1.RangeAddress, forRead bool) *ToolError {
	cells := rng.Cells()
	if e.cfg.MaxToolRangeCells > 0 && cells > e.cfg.MaxToolRangeCells {
		return newErr(ErrPermissionDenied, "range of %d cells exceeds max_tool_range_cells (%d)", cells, e.cfg.MaxToolRangeCells)
	}
	if forRead && e.cfg.MaxReadRangeCells > 0 && cells > e.cfg.MaxReadRangeCells {
		return newErr(ErrPermissionDenied, "range of %d cells exceeds max_read_range_cells (%d)", cells, e.cfg.MaxReadRangeCells)
	}
	return nil
}
