package dlp

import (
	"fmt"

	"github.com/sheetforge/sheetguard/internal/workbook"
)

// AuditEvent is the structured record emitted for every DLP decision path
// (spec §4.5).
type AuditEvent struct {
	Type                    string         `json:"type"`
	DocumentID              string         `json:"documentId"`
	Tool                    string         `json:"tool"`
	ToolCallID              string         `json:"toolCallId"`
	Action                  Action         `json:"action"`
	Range                   string         `json:"range,omitempty"`
	SelectionClassification Classification `json:"selectionClassification"`
	Decision                Decision       `json:"decision"`
	RedactedCellCount       int            `json:"redactedCellCount,omitempty"`
	RedactedDerived         bool           `json:"redactedDerived,omitempty"`
}

// AuditLogger receives DLP audit events. Implementations are expected to be
// best-effort and non-blocking; a nil AuditLogger silently drops events.
type AuditLogger interface {
	LogDLPEvent(AuditEvent)
}

// Enforcer wraps successful executor results with DLP policy decisions
// (spec §4.5). It never touches error results — callers should only invoke
// it once a tool call has already succeeded.
type Enforcer struct {
	Index       *Index
	Policy      Policy
	Placeholder string
	Audit       AuditLogger
}

// NewEnforcer constructs an Enforcer, defaulting the redaction placeholder
// to "[REDACTED]" when empty.
func NewEnforcer(idx *Index, policy Policy, placeholder string, audit AuditLogger) *Enforcer {
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	return &Enforcer{Index: idx, Policy: policy, Placeholder: placeholder, Audit: audit}
}

func (e *Enforcer) emit(ev AuditEvent) {
	ev.Type = "ai.tool_dlp"
	if e.Audit != nil {
		e.Audit.LogDLPEvent(ev)
	}
}

// Context identifies the tool call being enforced.
type Context struct {
	DocumentID string
	ToolCallID string
	Tool       string
	Action     Action
	Sheet      string
	StartRow, StartCol, EndRow, EndCol int
}

func (c Context) rangeLabel() string {
	return fmt.Sprintf("%s!R%dC%d:R%dC%d", c.Sheet, c.StartRow, c.StartCol, c.EndRow, c.EndCol)
}

// EnforceReadRange applies the read_range enforcement rule: BLOCK at the
// selection level denies the whole call; otherwise every cell is
// re-evaluated individually and redacted (value and formula, in lock-step)
// when its own classification does not ALLOW (spec §4.5).
func (e *Enforcer) EnforceReadRange(ctx Context, grid [][]workbook.CellData) (mutated [][]workbook.CellData, warnings []string, blocked bool) {
	rule := e.Policy.RuleFor(ctx.Action)
	selectionClass := e.Index.RangeClassification(ctx.Sheet, ctx.StartRow, ctx.StartCol, ctx.EndRow, ctx.EndCol)
	decision := Evaluate(rule, selectionClass)

	if decision == Block {
		e.emit(AuditEvent{DocumentID: ctx.DocumentID, Tool: ctx.Tool, ToolCallID: ctx.ToolCallID, Action: ctx.Action, Range: ctx.rangeLabel(), SelectionClassification: selectionClass, Decision: decision})
		return nil, nil, true
	}

	redactedCount := 0
	out := make([][]workbook.CellData, len(grid))
	for i, row := range grid {
		outRow := make([]workbook.CellData, len(row))
		for j, cell := range row {
			cellRow := ctx.StartRow + i
			cellCol := ctx.StartCol + j
			cellClass := e.Index.CellClassification(ctx.Sheet, cellRow, cellCol)
			cellRule := rule
			cellDecision := Evaluate(cellRule, cellClass)
			if cellDecision == Allow {
				outRow[j] = cell
				continue
			}
			redactedCount++
			redacted := workbook.CellData{Value: e.Placeholder}
			if cell.Formula != nil {
				ph := e.Placeholder
				redacted.Formula = &ph
			}
			outRow[j] = redacted
		}
		out[i] = outRow
	}

	if redactedCount > 0 {
		warnings = append(warnings, fmt.Sprintf("DLP: %d cells redacted.", redactedCount))
	}
	e.emit(AuditEvent{DocumentID: ctx.DocumentID, Tool: ctx.Tool, ToolCallID: ctx.ToolCallID, Action: ctx.Action, Range: ctx.rangeLabel(), SelectionClassification: selectionClass, Decision: decision, RedactedCellCount: redactedCount})
	return out, warnings, false
}

// EnforceDerivedOutput applies the compute_statistics / detect_anomalies /
// filter_range enforcement rule: the entire output is treated as a function
// of the selection. ALLOW passes through untouched; REDACT nullifies the
// derived value (caller substitutes per-tool zero value); BLOCK denies the
// call entirely (spec §4.5).
func (e *Enforcer) EnforceDerivedOutput(ctx Context) (decision Decision, warnings []string) {
	rule := e.Policy.RuleFor(ctx.Action)
	selectionClass := e.Index.RangeClassification(ctx.Sheet, ctx.StartRow, ctx.StartCol, ctx.EndRow, ctx.EndCol)
	decision = Evaluate(rule, selectionClass)
	redactedDerived := decision == Redact
	if redactedDerived {
		warnings = append(warnings, "DLP: derived result redacted.")
	}
	e.emit(AuditEvent{
		DocumentID:              ctx.DocumentID,
		Tool:                    ctx.Tool,
		ToolCallID:              ctx.ToolCallID,
		Action:                  ctx.Action,
		Range:                   ctx.rangeLabel(),
		SelectionClassification: selectionClass,
		Decision:                decision,
		RedactedDerived:         redactedDerived,
	})
	return decision, warnings
}
