package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

func init() {
	register("read_range", handleReadRange)
	register("write_cell", handleWriteCell)
	register("set_range", handleSetRange)
	register("apply_formula_column", handleApplyFormulaColumn)
	register("sort_range", handleSortRange)
	register("filter_range", handleFilterRange)
	register("apply_formatting", handleApplyFormatting)
}

type readRangeParams struct {
	Range           string `json:"range" jsonschema_description:"A1 range, e.g. Sheet1!A1:C20" validate:"required"`
	IncludeFormulas bool   `json:"include_formulas"`
}

// handleReadRange always reports formula-bearing cells as null in values;
// when include_formulas is set, a parallel formulas grid carries the
// formula text for those same cells.
func handleReadRange(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[readRangeParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(rng, true); terr != nil {
		return nil, nil, nil, terr
	}
	grid, err := e.wb.ReadRange(ctx, rng)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "read_range: %v", err)
	}

	values := make([][]workbook.CellData, len(grid))
	var formulas [][]any
	if p.IncludeFormulas {
		formulas = make([][]any, len(grid))
	}
	for i, row := range grid {
		vrow := make([]workbook.CellData, len(row))
		var frow []any
		if p.IncludeFormulas {
			frow = make([]any, len(row))
		}
		for j, cell := range row {
			if cell.Formula != nil {
				vrow[j] = workbook.CellData{Format: cell.Format}
				if p.IncludeFormulas {
					frow[j] = *cell.Formula
				}
			} else {
				vrow[j] = cell
			}
		}
		values[i] = vrow
		if p.IncludeFormulas {
			formulas[i] = frow
		}
	}

	result := map[string]any{"range": mustFormatRange(rng), "values": values}
	if p.IncludeFormulas {
		result["formulas"] = formulas
	}
	return result, nil, nil, nil
}

type writeCellParams struct {
	Cell        string `json:"cell" validate:"required"`
	Value       any    `json:"value"`
	Formula     string `json:"formula"`
	InterpretAs string `json:"interpret_as" validate:"omitempty,oneof=auto formula literal"`
}

func handleWriteCell(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[writeCellParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	addr, terr := e.resolveCell(p.Cell)
	if terr != nil {
		return nil, nil, nil, terr
	}
	var cell workbook.CellData
	if p.Formula != "" {
		f := p.Formula
		cell = workbook.CellData{Formula: &f}
	} else {
		cell = cellFromValue(p.Value, p.InterpretAs)
	}
	if err := e.wb.SetCell(ctx, addr, cell); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "write_cell: %v", err)
	}
	touched := a1.RangeAddress{Sheet: addr.Sheet, StartRow: addr.Row, StartCol: addr.Col, EndRow: addr.Row, EndCol: addr.Col}
	return map[string]any{"cell": mustFormatCell(addr)}, nil, &touched, nil
}

// cellFromValue decides whether v is stored as a literal value or a formula.
// A string beginning with "=" becomes a formula when interpretAs is "auto"
// (the default, when empty) or "formula"; "literal" always stores v as-is.
func cellFromValue(v any, interpretAs string) workbook.CellData {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "=") {
		if interpretAs == "" || interpretAs == "auto" || interpretAs == "formula" {
			f := s
			return workbook.CellData{Formula: &f}
		}
	}
	return workbook.CellData{Value: v}
}

type setRangeParams struct {
	Range       string  `json:"range" validate:"required"`
	Values      [][]any `json:"values" validate:"required"`
	InterpretAs string  `json:"interpret_as" validate:"omitempty,oneof=auto formula literal"`
}

func handleSetRange(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[setRangeParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(rng, false); terr != nil {
		return nil, nil, nil, terr
	}

	// A 1x1 target with a larger values block expands the range to fit,
	// anchored at the original top-left cell.
	if rng.Rows() == 1 && rng.Cols() == 1 && len(p.Values) > 0 {
		rows := len(p.Values)
		cols := len(p.Values[0])
		if rows > 1 || cols > 1 {
			rng.EndRow = rng.StartRow + rows - 1
			rng.EndCol = rng.StartCol + cols - 1
			if terr := e.checkRangeGate(rng, false); terr != nil {
				return nil, nil, nil, terr
			}
		}
	}

	if len(p.Values) != rng.Rows() {
		return nil, nil, nil, validationErr(nil, "values has %d rows, range has %d", len(p.Values), rng.Rows())
	}
	grid := make([][]workbook.CellData, len(p.Values))
	for i, row := range p.Values {
		if len(row) != rng.Cols() {
			return nil, nil, nil, validationErr(nil, "row %d has %d cols, range has %d", i, len(row), rng.Cols())
		}
		out := make([]workbook.CellData, len(row))
		for j, v := range row {
			out[j] = cellFromValue(v, p.InterpretAs)
		}
		grid[i] = out
	}
	if err := e.wb.WriteRange(ctx, rng, grid); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "set_range: %v", err)
	}
	return map[string]any{"range": mustFormatRange(rng), "cells_written": rng.Cells()}, nil, &rng, nil
}

type applyFormulaColumnParams struct {
	Range    string `json:"range" validate:"required"`
	Formula  string `json:"formula" validate:"required"`
	StartRow int    `json:"start_row"`
	EndRow   int    `json:"end_row"`
}

// handleApplyFormulaColumn writes a templated formula into every row of a
// single-column range, substituting {row} with the absolute row number.
// start_row/end_row override the row span taken from range; end_row = -1
// dynamically extends to max(start_row, last used row on the sheet).
func handleApplyFormulaColumn(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[applyFormulaColumnParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if rng.Cols() != 1 {
		return nil, nil, nil, validationErr(nil, "apply_formula_column requires a single-column range")
	}

	startRow := rng.StartRow
	if p.StartRow > 0 {
		startRow = p.StartRow
	}
	endRow := rng.EndRow
	switch {
	case p.EndRow == -1:
		last, err := e.wb.GetLastUsedRow(ctx, rng.Sheet)
		if err != nil {
			return nil, nil, nil, newErr(ErrRuntime, "apply_formula_column: %v", err)
		}
		endRow = startRow
		if last > endRow {
			endRow = last
		}
	case p.EndRow > 0:
		endRow = p.EndRow
	}
	if endRow < startRow {
		return nil, nil, nil, validationErr(nil, "end_row %d precedes start_row %d", endRow, startRow)
	}

	target := a1.RangeAddress{Sheet: rng.Sheet, StartRow: startRow, StartCol: rng.StartCol, EndRow: endRow, EndCol: rng.StartCol}
	if terr := e.checkRangeGate(target, false); terr != nil {
		return nil, nil, nil, terr
	}

	grid := make([][]workbook.CellData, target.Rows())
	for i := 0; i < target.Rows(); i++ {
		row := target.StartRow + i
		f := strings.ReplaceAll(p.Formula, "{row}", strconv.Itoa(row))
		grid[i] = []workbook.CellData{{Formula: &f}}
	}
	if err := e.wb.WriteRange(ctx, target, grid); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "apply_formula_column: %v", err)
	}
	return map[string]any{"range": mustFormatRange(target), "rows_written": target.Rows()}, nil, &target, nil
}

type sortKey struct {
	Column string `json:"column" validate:"required"`
	Order  string `json:"order" validate:"omitempty,oneof=asc desc"`
}

type sortRangeParams struct {
	Range     string    `json:"range" validate:"required"`
	SortBy    []sortKey `json:"sort_by" validate:"required,min=1,dive"`
	HasHeader bool      `json:"has_header"`
}

// handleSortRange performs a stable multi-key sort. Keys are column labels
// (not 0-based indices); sort_by is evaluated in order, with each
// subsequent key breaking ties left by the previous one. Rows that compare
// equal across every key keep their original relative order.
func handleSortRange(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[sortRangeParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(rng, false); terr != nil {
		return nil, nil, nil, terr
	}

	type resolvedKey struct {
		col        int
		descending bool
	}
	keys := make([]resolvedKey, len(p.SortBy))
	for i, k := range p.SortBy {
		idx, err := a1.ColumnLabelToIndex(strings.ToUpper(strings.TrimSpace(k.Column)))
		if err != nil {
			return nil, nil, nil, validationErr(map[string]any{"column": k.Column}, "sort_by[%d]: invalid column label: %v", i, err)
		}
		col := idx - rng.StartCol
		if col < 0 || col >= rng.Cols() {
			return nil, nil, nil, validationErr(nil, "sort_by[%d]: column %q out of bounds for range", i, k.Column)
		}
		keys[i] = resolvedKey{col: col, descending: strings.EqualFold(k.Order, "desc")}
	}

	grid, err := e.wb.ReadRange(ctx, rng)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "sort_range: %v", err)
	}
	header := grid[:0]
	body := grid
	if p.HasHeader && len(grid) > 0 {
		header = grid[:1]
		body = grid[1:]
	}
	sort.SliceStable(body, func(i, j int) bool {
		for _, k := range keys {
			a, b := body[i][k.col].Value, body[j][k.col].Value
			switch {
			case compareScalars(a, b):
				return !k.descending
			case compareScalars(b, a):
				return k.descending
			}
		}
		return false
	})
	out := append(append([][]workbook.CellData{}, header...), body...)
	if err := e.wb.WriteRange(ctx, rng, out); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "sort_range: %v", err)
	}
	return map[string]any{"range": mustFormatRange(rng), "rows_sorted": len(body)}, nil, &rng, nil
}

func compareScalars(a, b any) bool {
	af, aok := toFloatLoose(a)
	bf, bok := toFloatLoose(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func toFloatLoose(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

type filterCriterion struct {
	Column int    `json:"column" validate:"min=0"`
	Op     string `json:"op" validate:"required,oneof=equals contains greater less between"`
	Value  any    `json:"value"`
	Value2 any    `json:"value2"`
}

type filterRangeParams struct {
	Range     string            `json:"range" validate:"required"`
	Criteria  []filterCriterion `json:"criteria" validate:"required,min=1,dive"`
	HasHeader bool              `json:"has_header"`
}

// handleFilterRange returns the 1-based row numbers matching ALL criteria;
// it is a pure read-side query and never mutates the workbook.
func handleFilterRange(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[filterRangeParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(rng, true); terr != nil {
		return nil, nil, nil, terr
	}
	for i, c := range p.Criteria {
		if c.Column < 0 || c.Column >= rng.Cols() {
			return nil, nil, nil, validationErr(nil, "criteria[%d]: column %d out of bounds for range with %d columns", i, c.Column, rng.Cols())
		}
	}
	grid, err := e.wb.ReadRange(ctx, rng)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "filter_range: %v", err)
	}
	startBody := 0
	if p.HasHeader && len(grid) > 0 {
		startBody = 1
	}
	var rows []int
	for i := startBody; i < len(grid); i++ {
		row := grid[i]
		matched := true
		for _, c := range p.Criteria {
			if !matchesPredicate(row[c.Column].Value, c.Op, c.Value, c.Value2) {
				matched = false
				break
			}
		}
		if matched {
			rows = append(rows, rng.StartRow+i)
		}
	}
	return map[string]any{"range": mustFormatRange(rng), "rows": rows, "match_count": len(rows)}, nil, nil, nil
}

func matchesPredicate(cell any, op string, target, target2 any) bool {
	switch op {
	case "equals":
		return fmt.Sprintf("%v", cell) == fmt.Sprintf("%v", target)
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", cell), fmt.Sprintf("%v", target))
	case "greater", "less":
		cf, cok := toFloatLoose(cell)
		tf, tok := toFloatLoose(target)
		if !cok || !tok {
			return false
		}
		if op == "greater" {
			return cf > tf
		}
		return cf < tf
	case "between":
		cf, cok := toFloatLoose(cell)
		lo, lok := toFloatLoose(target)
		hi, hok := toFloatLoose(target2)
		if !cok || !lok || !hok {
			return false
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return cf >= lo && cf <= hi
	default:
		return false
	}
}

type applyFormattingParams struct {
	Range  string         `json:"range" validate:"required"`
	Format map[string]any `json:"format" validate:"required"`
}

// handleApplyFormatting is exempt from the range-size gate (spec §4.2:
// "Formatting tools are exempt"); it delegates to the host workbook, which
// is responsible for its own cost controls.
func handleApplyFormatting(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[applyFormattingParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	format := make(map[string]workbook.CellScalar, len(p.Format))
	for k, v := range p.Format {
		format[k] = v
	}
	count, err := e.wb.ApplyFormatting(ctx, rng, format)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "apply_formatting: %v", err)
	}
	return map[string]any{"range": mustFormatRange(rng), "cells_formatted": count}, nil, nil, nil
}

func mustFormatCell(a a1.CellAddress) string {
	s, err := a1.FormatCellAddress(a)
	if err != nil {
		return ""
	}
	return s
}
