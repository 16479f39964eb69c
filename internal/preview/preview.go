// Package preview implements the Preview / Approval Gate: simulating a plan
// of tool calls against a cloned workbook, diffing the result, and deciding
// whether a human must approve before the real calls run (spec §4.8).
package preview

import (
	"context"
	"fmt"
	"sort"

	"github.com/sheetforge/sheetguard/internal/executor"
	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

// ChangeType classifies one diffed cell between the before and after
// snapshots of a simulated plan.
type ChangeType string

const (
	Create ChangeType = "create"
	Modify ChangeType = "modify"
	Delete ChangeType = "delete"
)

// Change is one cell's before/after state, classified.
type Change struct {
	Sheet string
	Row   int
	Col   int
	Type  ChangeType
	Before *workbook.CellData
	After  *workbook.CellData
}

// Summary is the full preview result: the simulated per-call results, the
// (possibly truncated) change list, the true total change count, and the
// reasons, if any, a human should approve before the real plan runs.
type Summary struct {
	Results          []executor.Result
	Changes          []Change
	TotalChanges     int
	ApprovalReasons  []string
	RequiresApproval bool
}

// Gate holds the thresholds that decide whether a plan requires approval.
type Gate struct {
	// ApprovalThreshold is the effective-touched-cells count above which a
	// plan requires approval. Zero disables this reason (still evaluates
	// the other three).
	ApprovalThreshold int
	// MaxPreviewChanges caps how many Change entries Preview returns, even
	// though TotalChanges always reports the true count.
	MaxPreviewChanges int
}

// NewGate builds a Gate with the given thresholds.
func NewGate(approvalThreshold, maxPreviewChanges int) *Gate {
	return &Gate{ApprovalThreshold: approvalThreshold, MaxPreviewChanges: maxPreviewChanges}
}

// Preview clones src's workbook, runs calls against the clone with external
// fetches force-disabled, and diffs the clone's before/after state. The
// source executor and its live workbook are never mutated.
func (g *Gate) Preview(ctx context.Context, src *executor.Executor, calls []executor.Call) (Summary, error) {
	cloned, err := src.Workbook().Clone(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("preview: cloning workbook: %w", err)
	}

	simCfg := src.Config()
	simCfg.PreviewMode = false
	simCfg.AllowExternalData = false
	sim := executor.New(cloned, simCfg, nil)

	before, err := snapshot(ctx, cloned)
	if err != nil {
		return Summary{}, fmt.Errorf("preview: snapshotting before state: %w", err)
	}

	results := sim.ExecutePlan(ctx, calls)

	after, err := snapshot(ctx, cloned)
	if err != nil {
		return Summary{}, fmt.Errorf("preview: snapshotting after state: %w", err)
	}

	changes := diff(before, after)
	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Sheet != b.Sheet {
			return a.Sheet < b.Sheet
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})

	reasons := approvalReasons(g.ApprovalThreshold, changes, results, calls)

	limited := changes
	if g.MaxPreviewChanges > 0 && len(changes) > g.MaxPreviewChanges {
		limited = changes[:g.MaxPreviewChanges]
	}

	return Summary{
		Results:          results,
		Changes:          limited,
		TotalChanges:     len(changes),
		ApprovalReasons:  reasons,
		RequiresApproval: len(reasons) > 0,
	}, nil
}

func approvalReasons(threshold int, changes []Change, results []executor.Result, calls []executor.Call) []string {
	var reasons []string

	effectiveTouched := len(changes)
	deletesPresent := false
	fetchCalled := false
	anyWarning := false
	for _, c := range changes {
		if c.Type == Delete {
			deletesPresent = true
		}
	}
	for i, res := range results {
		if i < len(calls) && calls[i].Tool == "fetch_external_data" {
			fetchCalled = true
		}
		if len(res.Warnings) > 0 {
			anyWarning = true
		}
		if reported := reportedTouchedCells(res.Data); reported > effectiveTouched {
			effectiveTouched = reported
		}
	}

	if threshold > 0 && effectiveTouched > threshold {
		reasons = append(reasons, fmt.Sprintf("effective touched cells (%d) exceed the approval threshold (%d)", effectiveTouched, threshold))
	}
	if deletesPresent {
		reasons = append(reasons, "plan deletes one or more cells")
	}
	if fetchCalled {
		reasons = append(reasons, "plan calls fetch_external_data")
	}
	if anyWarning {
		reasons = append(reasons, "a tool call in the plan produced a warning")
	}
	return reasons
}

// reportedTouchedCells best-effort extracts a tool-reported cell count from
// a result's data payload, for comparison against the diff-derived count —
// Result does not separately expose the raw touched range, so this reads
// the common count-shaped fields tool handlers already populate.
func reportedTouchedCells(data any) int {
	m, ok := data.(map[string]any)
	if !ok {
		return 0
	}
	for _, key := range []string{"count", "cells_written", "row_count", "col_count"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func snapshot(ctx context.Context, api workbook.SpreadsheetApi) (map[a1.CellAddress]workbook.CellData, error) {
	sheets, err := api.ListSheets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[a1.CellAddress]workbook.CellData)
	for _, sheet := range sheets {
		cells, err := api.ListNonEmptyCells(ctx, sheet)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			out[c.Address] = c.Cell
		}
	}
	return out, nil
}

func diff(before, after map[a1.CellAddress]workbook.CellData) []Change {
	var changes []Change
	seen := make(map[a1.CellAddress]bool, len(before))

	for addr, b := range before {
		seen[addr] = true
		a, ok := after[addr]
		if !ok {
			bb := b
			changes = append(changes, Change{Sheet: addr.Sheet, Row: addr.Row, Col: addr.Col, Type: Delete, Before: &bb})
			continue
		}
		if !cellEqual(b, a) {
			bb, aa := b, a
			changes = append(changes, Change{Sheet: addr.Sheet, Row: addr.Row, Col: addr.Col, Type: Modify, Before: &bb, After: &aa})
		}
	}
	for addr, a := range after {
		if seen[addr] {
			continue
		}
		aa := a
		changes = append(changes, Change{Sheet: addr.Sheet, Row: addr.Row, Col: addr.Col, Type: Create, After: &aa})
	}
	return changes
}

func cellEqual(a, b workbook.CellData) bool {
	if a.Value != b.Value {
		return false
	}
	if (a.Formula == nil) != (b.Formula == nil) {
		return false
	}
	if a.Formula != nil && *a.Formula != *b.Formula {
		return false
	}
	if len(a.Format) != len(b.Format) {
		return false
	}
	for k, v := range a.Format {
		if bv, ok := b.Format[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
