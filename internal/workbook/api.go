// Package workbook defines the SpreadsheetApi contract the Executor consumes
// and provides an in-memory implementation used for previews and tests. A
// host-backed implementation lives alongside it in excelize_workbook.go.
package workbook

import (
	"context"

	"github.com/sheetforge/sheetguard/pkg/a1"
)

// CellScalar is one of nil, float64, string, or bool.
type CellScalar any

// CellData is the value/formula/format triple stored at one cell.
type CellData struct {
	Value   CellScalar
	Formula *string
	Format  map[string]CellScalar
}

// IsEmpty reports whether the cell carries no value, formula, or format.
func (c CellData) IsEmpty() bool {
	return c.Value == nil && c.Formula == nil && len(c.Format) == 0
}

// NonEmptyCell pairs a coordinate with its data, as returned by ListNonEmptyCells.
type NonEmptyCell struct {
	Address a1.CellAddress
	Cell    CellData
}

// ChartSpec and ChartHandle model the optional chart-creation capability.
type ChartSpec struct {
	Sheet string
	Type  string
	Title string
	Range a1.RangeAddress
}

// ChartHandle is returned by CreateChart when the capability is supported.
type ChartHandle struct {
	ChartID string
}

// SpreadsheetApi is the capability set an Executor operates against. Any
// implementation — in-memory, host-backed (excelize), or a preview clone —
// satisfies it independently; there is no shared base type (spec §9).
type SpreadsheetApi interface {
	ListSheets(ctx context.Context) ([]string, error)
	ListNonEmptyCells(ctx context.Context, sheet string) ([]NonEmptyCell, error)
	GetCell(ctx context.Context, addr a1.CellAddress) (CellData, error)
	SetCell(ctx context.Context, addr a1.CellAddress, cell CellData) error
	ReadRange(ctx context.Context, rng a1.RangeAddress) ([][]CellData, error)
	WriteRange(ctx context.Context, rng a1.RangeAddress, values [][]CellData) error
	ApplyFormatting(ctx context.Context, rng a1.RangeAddress, format map[string]CellScalar) (int, error)
	CreateChart(ctx context.Context, spec ChartSpec) (*ChartHandle, error)
	GetLastUsedRow(ctx context.Context, sheet string) (int, error)
	Clone(ctx context.Context) (SpreadsheetApi, error)
}

// ErrChartUnsupported is returned by CreateChart implementations that do not
// support chart creation (an optional capability per spec §6.1).
var ErrChartUnsupported = &unsupportedError{"workbook: chart creation not supported"}

type unsupportedError struct{ msg string }

func (e *unsupportedError) Error() string { return e.msg }
