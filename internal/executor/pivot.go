package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/sheetforge/sheetguard/internal/pivot"
	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

// PivotRegistration tracks one live pivot table so its output can be
// refreshed whenever a mutating tool touches its source range (spec §4.3).
type PivotRegistration struct {
	ID          string
	Source      a1.RangeAddress
	Dest        a1.CellAddress
	Spec        pivot.Spec
	lastOutput  *a1.RangeAddress
}

type createPivotParams struct {
	Source     string               `json:"source" validate:"required"`
	Dest       string               `json:"dest" validate:"required"`
	RowFields  []string             `json:"row_fields"`
	ColFields  []string             `json:"col_fields"`
	Values     []pivotValueSpecJSON `json:"values" validate:"required,min=1"`
	GrandTotal bool                 `json:"grand_total"`
}

type pivotValueSpecJSON struct {
	Field string `json:"field" validate:"required"`
	Agg   string `json:"agg" validate:"required"`
	As    string `json:"as"`
}

func init() {
	register("create_pivot_table", handleCreatePivotTable)
}

func handleCreatePivotTable(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[createPivotParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	srcRng, terr := e.resolveRange(p.Source)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(srcRng, true); terr != nil {
		return nil, nil, nil, terr
	}
	destCell, terr := e.resolveCell(p.Dest)
	if terr != nil {
		return nil, nil, nil, terr
	}

	values := make([]pivot.ValueSpec, len(p.Values))
	for i, v := range p.Values {
		values[i] = pivot.ValueSpec{Field: v.Field, Agg: pivot.AggKind(v.Agg), As: v.As}
	}
	spec := pivot.Spec{RowFields: p.RowFields, ColFields: p.ColFields, Values: values, GrandTotal: p.GrandTotal}

	reg := &PivotRegistration{ID: fmt.Sprintf("pivot-%d", len(e.pivots)+1), Source: srcRng, Dest: destCell, Spec: spec}
	e.pivots = append(e.pivots, reg)

	table, outRange, werr := e.computeAndWritePivot(ctx, reg)
	if werr != nil {
		return nil, nil, nil, newErr(ErrRuntime, "pivot build failed: %v", werr)
	}
	return map[string]any{
		"pivot_id":    reg.ID,
		"row_count":   len(table.RowKeys),
		"col_count":   len(table.ColKeys),
		"output_range": mustFormatRange(outRange),
	}, nil, &outRange, nil
}

// refreshPivots recomputes every registered pivot whose source range
// intersects the just-mutated rectangle (spec §4.3 auto-refresh). It never
// aborts the triggering call: failures surface as warnings.
func (e *Executor) refreshPivots(ctx context.Context, mutated a1.RangeAddress) []string {
	var warnings []string
	for _, reg := range e.pivots {
		if !reg.Source.Intersects(mutated) {
			continue
		}
		if _, _, err := e.computeAndWritePivot(ctx, reg); err != nil {
			warnings = append(warnings, fmt.Sprintf("pivot %s failed to refresh: %v", reg.ID, err))
		}
	}
	return warnings
}

// computeAndWritePivot reads the registration's source range, rebuilds the
// pivot table, and writes it starting at Dest. When the new output shrinks
// relative to the previous write, the leftover cells are null-padded so no
// stale values survive (spec §4.3 edge case).
func (e *Executor) computeAndWritePivot(ctx context.Context, reg *PivotRegistration) (pivot.Table, a1.RangeAddress, error) {
	grid, err := e.wb.ReadRange(ctx, reg.Source)
	if err != nil {
		return pivot.Table{}, a1.RangeAddress{}, err
	}
	if len(grid) < 2 {
		return pivot.Table{}, a1.RangeAddress{}, fmt.Errorf("source range must include a header row and at least one data row")
	}
	headers := make([]string, len(grid[0]))
	for i, c := range grid[0] {
		headers[i] = fmt.Sprintf("%v", c.Value)
	}
	rows := make([]pivot.Row, 0, len(grid)-1)
	for _, dataRow := range grid[1:] {
		r := pivot.Row{}
		for i, c := range dataRow {
			if i < len(headers) {
				r[headers[i]] = c.Value
			}
		}
		rows = append(rows, r)
	}

	table, err := pivot.Build(rows, reg.Spec)
	if err != nil {
		return pivot.Table{}, a1.RangeAddress{}, err
	}

	outRange := pivotOutputRange(reg, table)
	if err := e.writePivotGrid(ctx, reg, table, outRange); err != nil {
		return pivot.Table{}, a1.RangeAddress{}, err
	}
	if reg.lastOutput != nil {
		union := a1.Union(*reg.lastOutput, outRange)
		if union != outRange {
			if err := e.clearShrunkCells(ctx, outRange, union); err != nil {
				return pivot.Table{}, a1.RangeAddress{}, err
			}
		}
	}
	cp := outRange
	reg.lastOutput = &cp
	return table, outRange, nil
}

func pivotOutputRange(reg *PivotRegistration, table pivot.Table) a1.RangeAddress {
	labelCols := len(reg.Spec.RowFields)
	if labelCols == 0 {
		labelCols = 1
	}
	valueCols := len(reg.Spec.Values)
	colGroups := len(table.ColKeys)
	if colGroups == 0 {
		colGroups = 1
	}
	cols := labelCols + valueCols*colGroups
	rows := 1 + len(table.RowKeys) // header row + one row per row-key
	if reg.Spec.GrandTotal {
		rows++
	}
	return a1.RangeAddress{
		Sheet:    reg.Dest.Sheet,
		StartRow: reg.Dest.Row,
		StartCol: reg.Dest.Col,
		EndRow:   reg.Dest.Row + rows - 1,
		EndCol:   reg.Dest.Col + cols - 1,
	}
}

// writePivotGrid renders the table as a plain grid: a header row of
// row-field names followed by one "agg_of_field" column per (value spec,
// column key) pair, then one row per row-key, with an optional trailing
// Grand Total row.
func (e *Executor) writePivotGrid(ctx context.Context, reg *PivotRegistration, table pivot.Table, outRange a1.RangeAddress) error {
	labelCols := len(reg.Spec.RowFields)
	if labelCols == 0 {
		labelCols = 1
	}
	header := make([]workbook.CellData, 0, outRange.Cols())
	for i := 0; i < labelCols; i++ {
		name := "key"
		if i < len(reg.Spec.RowFields) {
			name = reg.Spec.RowFields[i]
		}
		header = append(header, workbook.CellData{Value: name})
	}
	colKeys := table.ColKeys
	if len(colKeys) == 0 {
		colKeys = [][]string{{}}
	}
	for _, ck := range colKeys {
		for _, vs := range reg.Spec.Values {
			label := vs.Label()
			if len(ck) > 0 {
				label = fmt.Sprintf("%s|%s", joinDisplay(ck), label)
			}
			header = append(header, workbook.CellData{Value: label})
		}
	}

	grid := [][]workbook.CellData{header}
	for _, cell := range groupCellsByRow(table) {
		row := make([]workbook.CellData, 0, outRange.Cols())
		for i := 0; i < labelCols; i++ {
			if i < len(cell.rowKey) {
				row = append(row, workbook.CellData{Value: cell.rowKey[i]})
			} else {
				row = append(row, workbook.CellData{})
			}
		}
		for _, ck := range colKeys {
			ckStr := joinDisplay(ck)
			for _, vs := range reg.Spec.Values {
				v := cell.byCol[ckStr][vs.Label()]
				row = append(row, workbook.CellData{Value: v})
			}
		}
		grid = append(grid, row)
	}

	if reg.Spec.GrandTotal {
		row := make([]workbook.CellData, 0, outRange.Cols())
		row = append(row, workbook.CellData{Value: "Grand Total"})
		for i := 1; i < labelCols; i++ {
			row = append(row, workbook.CellData{})
		}
		for range colKeys {
			for _, vs := range reg.Spec.Values {
				row = append(row, workbook.CellData{Value: table.GrandTotal[vs.Label()]})
			}
		}
		grid = append(grid, row)
	}

	return e.wb.WriteRange(ctx, outRange, grid)
}

type groupedRow struct {
	rowKey []string
	byCol  map[string]map[string]any
}

// groupCellsByRow reshapes the flat (rowKey,colKey)->values cell list into
// one row per distinct row key, in the table's deterministic row order.
func groupCellsByRow(table pivot.Table) []groupedRow {
	order := make([]string, 0, len(table.RowKeys))
	byKey := map[string]*groupedRow{}
	for _, rk := range table.RowKeys {
		k := joinDisplay(rk)
		if _, ok := byKey[k]; !ok {
			byKey[k] = &groupedRow{rowKey: rk, byCol: map[string]map[string]any{}}
			order = append(order, k)
		}
	}
	for _, cell := range table.Cells {
		k := joinDisplay(cell.RowKey)
		g, ok := byKey[k]
		if !ok {
			g = &groupedRow{rowKey: cell.RowKey, byCol: map[string]map[string]any{}}
			byKey[k] = g
			order = append(order, k)
		}
		g.byCol[joinDisplay(cell.ColKey)] = cell.Values
	}
	sort.Strings(order)
	out := make([]groupedRow, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func joinDisplay(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// clearShrunkCells blanks the region present in union but not in kept, so a
// pivot refresh that produces fewer rows/columns than before leaves no
// stale values behind.
func (e *Executor) clearShrunkCells(ctx context.Context, kept, union a1.RangeAddress) error {
	for r := union.StartRow; r <= union.EndRow; r++ {
		for c := union.StartCol; c <= union.EndCol; c++ {
			if r >= kept.StartRow && r <= kept.EndRow && c >= kept.StartCol && c <= kept.EndCol {
				continue
			}
			if err := e.wb.SetCell(ctx, a1.CellAddress{Sheet: union.Sheet, Row: r, Col: c}, workbook.CellData{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func mustFormatRange(r a1.RangeAddress) string {
	s, err := a1.FormatRangeAddress(r)
	if err != nil {
		return ""
	}
	return s
}
