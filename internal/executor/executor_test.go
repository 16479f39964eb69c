package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *workbook.MemoryWorkbook) {
	t.Helper()
	wb := workbook.NewMemoryWorkbook("Sheet1")
	if cfg.DefaultSheet == "" {
		cfg.DefaultSheet = "Sheet1"
	}
	if cfg.MaxToolRangeCells == 0 {
		cfg.MaxToolRangeCells = 1000
	}
	if cfg.MaxReadRangeCells == 0 {
		cfg.MaxReadRangeCells = 1000
	}
	return New(wb, cfg, nil), wb
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestWriteCellThenReadRange(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()

	res := e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{"cell": "A1", "value": 42.0})})
	require.True(t, res.OK, "%+v", res.Error)

	res = e.Execute(ctx, Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "A1:A1"})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "Sheet1!A1", data["range"])
}

func TestUnknownToolIsNotImplemented(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	res := e.Execute(context.Background(), Call{Tool: "nonexistent"})
	require.False(t, res.OK)
	assert.Equal(t, ErrNotImplemented, res.Error.Code)
}

func TestRangeGateRejectsOversizedRange(t *testing.T) {
	e, _ := newTestExecutor(t, Config{MaxToolRangeCells: 4, MaxReadRangeCells: 4})
	res := e.Execute(context.Background(), Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "A1:J10"})})
	require.False(t, res.OK)
	assert.Equal(t, ErrPermissionDenied, res.Error.Code)
}

func TestValidationErrorOnMissingField(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	res := e.Execute(context.Background(), Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{})})
	require.False(t, res.OK)
	assert.Equal(t, ErrValidation, res.Error.Code)
}

func TestPreviewModeSkipsSideEffects(t *testing.T) {
	e, wb := newTestExecutor(t, Config{PreviewMode: true})
	ctx := context.Background()
	res := e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{"cell": "A1", "value": 1.0})})
	require.True(t, res.OK)
	data := res.Data.(map[string]any)
	assert.Equal(t, true, data["skipped"])

	cell, err := wb.GetCell(ctx, mustCell(t, "Sheet1!A1"))
	require.NoError(t, err)
	assert.Nil(t, cell.Value)
}

func TestSetRangeShapeMismatch(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	res := e.Execute(context.Background(), Call{Tool: "set_range", Parameters: mustJSON(t, map[string]any{
		"range":  "A1:B2",
		"values": [][]any{{1.0, 2.0}},
	})})
	require.False(t, res.OK)
	assert.Equal(t, ErrValidation, res.Error.Code)
}

func TestComputeStatistics(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:A5", [][]any{{1.0}, {2.0}, {3.0}, {4.0}, {5.0}})

	res := e.Execute(ctx, Call{Tool: "compute_statistics", Parameters: mustJSON(t, map[string]any{"range": "A1:A5", "column": 0})})
	require.True(t, res.OK, "%+v", res.Error)
	stats := res.Data.(statisticsResult)
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 3.0, stats.Mean, 1e-9)
	assert.InDelta(t, 3.0, stats.Median, 1e-9)
}

func TestDetectAnomaliesZScore(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:A6", [][]any{{1.0}, {2.0}, {1.0}, {2.0}, {1.0}, {100.0}})

	res := e.Execute(ctx, Call{Tool: "detect_anomalies", Parameters: mustJSON(t, map[string]any{
		"range": "A1:A6", "column": 0, "method": "zscore", "threshold": 1.0,
	})})
	require.True(t, res.OK, "%+v", res.Error)
	out := res.Data.(map[string]any)
	anomalies := out["anomalies"].([]anomalyResult)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, 100.0, anomalies[0].Value)
}

func TestDetectAnomaliesIsolationForestNotImplemented(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	res := e.Execute(context.Background(), Call{Tool: "detect_anomalies", Parameters: mustJSON(t, map[string]any{
		"range": "A1:A6", "column": 0, "method": "isolation_forest",
	})})
	require.False(t, res.OK)
	assert.Equal(t, ErrNotImplemented, res.Error.Code)
}

func TestCreatePivotTableAndAutoRefresh(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:B4", [][]any{
		{"region", "amount"},
		{"east", 10.0},
		{"east", 5.0},
		{"west", 7.0},
	})

	res := e.Execute(ctx, Call{Tool: "create_pivot_table", Parameters: mustJSON(t, map[string]any{
		"source":     "A1:B4",
		"dest":       "D1",
		"row_fields": []string{"region"},
		"values":     []map[string]any{{"field": "amount", "agg": "sum"}},
	})})
	require.True(t, res.OK, "%+v", res.Error)

	// Mutate a source cell; the pivot should auto-refresh without a direct call.
	res = e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{"cell": "B2", "value": 100.0})})
	require.True(t, res.OK, "%+v", res.Error)

	read := e.Execute(ctx, Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "D1:E3"})})
	require.True(t, read.OK, "%+v", read.Error)
	grid := read.Data.(map[string]any)["values"].([][]workbook.CellData)
	found := false
	for _, row := range grid {
		for _, cell := range row {
			if f, ok := cell.Value.(float64); ok && f == 105.0 {
				found = true
			}
		}
	}
	assert.True(t, found, "expected refreshed pivot to reflect updated source cell, got %+v", grid)
}

func setOK(t *testing.T, e *Executor, ctx context.Context, rng string, values [][]any) {
	t.Helper()
	res := e.Execute(ctx, Call{Tool: "set_range", Parameters: mustJSON(t, map[string]any{"range": rng, "values": values})})
	require.True(t, res.OK, "%+v", res.Error)
}

func mustCell(t *testing.T, s string) a1.CellAddress {
	t.Helper()
	addr, err := a1.ParseCellAddress(s, "Sheet1")
	require.NoError(t, err)
	return addr
}

func TestApplyFormattingExemptFromRangeGate(t *testing.T) {
	e, _ := newTestExecutor(t, Config{MaxToolRangeCells: 4, MaxReadRangeCells: 4})
	res := e.Execute(context.Background(), Call{Tool: "apply_formatting", Parameters: mustJSON(t, map[string]any{
		"range":  "A1:J10",
		"format": map[string]any{"bold": true},
	})})
	require.True(t, res.OK, "%+v", res.Error)
}

func TestWriteCellAutoDetectsFormula(t *testing.T) {
	e, wb := newTestExecutor(t, Config{})
	ctx := context.Background()
	res := e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{"cell": "A1", "value": "=SUM(B1:B2)"})})
	require.True(t, res.OK, "%+v", res.Error)

	cell, err := wb.GetCell(ctx, mustCell(t, "Sheet1!A1"))
	require.NoError(t, err)
	require.NotNil(t, cell.Formula)
	assert.Equal(t, "=SUM(B1:B2)", *cell.Formula)
}

func TestWriteCellLiteralInterpretAsKeepsLeadingEquals(t *testing.T) {
	e, wb := newTestExecutor(t, Config{})
	ctx := context.Background()
	res := e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{
		"cell": "A1", "value": "=SUM(B1:B2)", "interpret_as": "literal",
	})})
	require.True(t, res.OK, "%+v", res.Error)

	cell, err := wb.GetCell(ctx, mustCell(t, "Sheet1!A1"))
	require.NoError(t, err)
	assert.Nil(t, cell.Formula)
	assert.Equal(t, "=SUM(B1:B2)", cell.Value)
}

func TestSetRangeExpandsFromSingleCellTarget(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	res := e.Execute(ctx, Call{Tool: "set_range", Parameters: mustJSON(t, map[string]any{
		"range":  "A1:A1",
		"values": [][]any{{1.0, 2.0}, {3.0, 4.0}},
	})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "Sheet1!A1:B2", data["range"])
}

func TestReadRangeNullsFormulasUnlessIncluded(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	res := e.Execute(ctx, Call{Tool: "write_cell", Parameters: mustJSON(t, map[string]any{"cell": "A1", "value": "=1+1"})})
	require.True(t, res.OK, "%+v", res.Error)

	res = e.Execute(ctx, Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "A1:A1"})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	grid := data["values"].([][]workbook.CellData)
	assert.Nil(t, grid[0][0].Value)
	_, hasFormulas := data["formulas"]
	assert.False(t, hasFormulas)

	res = e.Execute(ctx, Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "A1:A1", "include_formulas": true})})
	require.True(t, res.OK, "%+v", res.Error)
	data = res.Data.(map[string]any)
	formulas := data["formulas"].([][]any)
	assert.Equal(t, "=1+1", formulas[0][0])
}

func TestApplyFormulaColumnEndRowExtendsToLastUsedRow(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:A3", [][]any{{1.0}, {2.0}, {3.0}})

	res := e.Execute(ctx, Call{Tool: "apply_formula_column", Parameters: mustJSON(t, map[string]any{
		"range":     "B1:B1",
		"formula":   "={row}*2",
		"start_row": 1,
		"end_row":   -1,
	})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "Sheet1!B1:B3", data["range"])
	assert.Equal(t, 3, data["rows_written"])
}

func TestSortRangeMultiKeyByColumnLabel(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:B4", [][]any{
		{"b", 2.0},
		{"a", 2.0},
		{"a", 1.0},
		{"b", 1.0},
	})

	res := e.Execute(ctx, Call{Tool: "sort_range", Parameters: mustJSON(t, map[string]any{
		"range": "A1:B4",
		"sort_by": []map[string]any{
			{"column": "A", "order": "asc"},
			{"column": "B", "order": "asc"},
		},
	})})
	require.True(t, res.OK, "%+v", res.Error)

	read := e.Execute(ctx, Call{Tool: "read_range", Parameters: mustJSON(t, map[string]any{"range": "A1:B4"})})
	require.True(t, read.OK, "%+v", read.Error)
	grid := read.Data.(map[string]any)["values"].([][]workbook.CellData)
	assert.Equal(t, []any{"a", "a", "b", "b"}, []any{grid[0][0].Value, grid[1][0].Value, grid[2][0].Value, grid[3][0].Value})
	assert.Equal(t, []any{1.0, 2.0, 1.0, 2.0}, []any{grid[0][1].Value, grid[1][1].Value, grid[2][1].Value, grid[3][1].Value})
}

func TestFilterRangeMatchesAllCriteriaAndReturnsRowNumbers(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:B4", [][]any{
		{"east", 10.0},
		{"east", 50.0},
		{"west", 10.0},
		{"east", 25.0},
	})

	res := e.Execute(ctx, Call{Tool: "filter_range", Parameters: mustJSON(t, map[string]any{
		"range": "A1:B4",
		"criteria": []map[string]any{
			{"column": 0, "op": "equals", "value": "east"},
			{"column": 1, "op": "between", "value": 20.0, "value2": 30.0},
		},
	})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, []int{4}, data["rows"])
	assert.Equal(t, 1, data["match_count"])
}

func TestComputeStatisticsCorrelationRequiresTwoColumns(t *testing.T) {
	e, _ := newTestExecutor(t, Config{})
	ctx := context.Background()
	setOK(t, e, ctx, "A1:B4", [][]any{{1.0, 2.0}, {2.0, 4.0}, {3.0, 6.0}, {4.0, 8.0}})

	col2 := 1
	res := e.Execute(ctx, Call{Tool: "compute_statistics", Parameters: mustJSON(t, map[string]any{
		"range": "A1:B4", "column": 0, "column2": col2,
	})})
	require.True(t, res.OK, "%+v", res.Error)
	stats := res.Data.(statisticsResult)
	require.NotNil(t, stats.Correlation)
	assert.InDelta(t, 1.0, *stats.Correlation, 1e-9)
}
