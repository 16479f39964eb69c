package workbook

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sheetforge/sheetguard/internal/workbooks"
	"github.com/sheetforge/sheetguard/pkg/a1"
	"github.com/xuri/excelize/v2"
)

// ExcelizeWorkbook adapts a TTL-managed excelize handle (internal/workbooks)
// to the SpreadsheetApi contract. It never closes the handle itself — the
// owning workbooks.Manager governs the handle's lifecycle.
type ExcelizeWorkbook struct {
	Mgr      *workbooks.Manager
	HandleID string
}

var _ SpreadsheetApi = (*ExcelizeWorkbook)(nil)

func (w *ExcelizeWorkbook) ListSheets(ctx context.Context) ([]string, error) {
	var out []string
	err := w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		out = f.GetSheetList()
		return nil
	})
	return out, err
}

func (w *ExcelizeWorkbook) ListNonEmptyCells(ctx context.Context, sheet string) ([]NonEmptyCell, error) {
	var out []NonEmptyCell
	err := w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		rows, rerr := f.Rows(sheet)
		if rerr != nil {
			return rerr
		}
		defer rows.Close()
		rowIdx := 0
		for rows.Next() {
			rowIdx++
			cols, cerr := rows.Columns()
			if cerr != nil {
				return cerr
			}
			for colIdx, raw := range cols {
				if strings.TrimSpace(raw) == "" {
					continue
				}
				addr := a1.CellAddress{Sheet: sheet, Row: rowIdx, Col: colIdx + 1}
				cellName, _ := a1.FormatCellAddress(a1.CellAddress{Row: rowIdx, Col: colIdx + 1})
				var formula *string
				if f, ferr := f.GetCellFormula(sheet, cellName); ferr == nil && f != "" {
					formula = &f
				}
				out = append(out, NonEmptyCell{Address: addr, Cell: CellData{Value: coerceScalar(raw), Formula: formula}})
			}
		}
		return rows.Error()
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address.Row != out[j].Address.Row {
			return out[i].Address.Row < out[j].Address.Row
		}
		return out[i].Address.Col < out[j].Address.Col
	})
	return out, err
}

func (w *ExcelizeWorkbook) GetCell(ctx context.Context, addr a1.CellAddress) (CellData, error) {
	var out CellData
	cellName, err := a1.FormatCellAddress(a1.CellAddress{Row: addr.Row, Col: addr.Col})
	if err != nil {
		return out, err
	}
	err = w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		raw, gerr := f.GetCellValue(addr.Sheet, cellName)
		if gerr != nil {
			return gerr
		}
		out.Value = coerceScalar(raw)
		if formula, ferr := f.GetCellFormula(addr.Sheet, cellName); ferr == nil && formula != "" {
			out.Formula = &formula
		}
		return nil
	})
	return out, err
}

func (w *ExcelizeWorkbook) SetCell(ctx context.Context, addr a1.CellAddress, cell CellData) error {
	cellName, err := a1.FormatCellAddress(a1.CellAddress{Row: addr.Row, Col: addr.Col})
	if err != nil {
		return err
	}
	return w.Mgr.WithWrite(w.HandleID, func(f *excelize.File) error {
		return writeCell(f, addr.Sheet, cellName, cell)
	})
}

func writeCell(f *excelize.File, sheet, cellName string, cell CellData) error {
	if cell.Formula != nil {
		if err := f.SetCellFormula(sheet, cellName, *cell.Formula); err != nil {
			return err
		}
	}
	if cell.Value == nil {
		if cell.Formula == nil {
			return f.SetCellValue(sheet, cellName, nil)
		}
		return nil
	}
	return f.SetCellValue(sheet, cellName, cell.Value)
}

func (w *ExcelizeWorkbook) ReadRange(ctx context.Context, rng a1.RangeAddress) ([][]CellData, error) {
	out := make([][]CellData, rng.Rows())
	err := w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		for i := 0; i < rng.Rows(); i++ {
			row := make([]CellData, rng.Cols())
			for j := 0; j < rng.Cols(); j++ {
				cellName, cerr := a1.FormatCellAddress(a1.CellAddress{Row: rng.StartRow + i, Col: rng.StartCol + j})
				if cerr != nil {
					return cerr
				}
				raw, gerr := f.GetCellValue(rng.Sheet, cellName)
				if gerr != nil {
					return gerr
				}
				cd := CellData{Value: coerceScalar(raw)}
				if formula, ferr := f.GetCellFormula(rng.Sheet, cellName); ferr == nil && formula != "" {
					cd.Formula = &formula
				}
				row[j] = cd
			}
			out[i] = row
		}
		return nil
	})
	return out, err
}

func (w *ExcelizeWorkbook) WriteRange(ctx context.Context, rng a1.RangeAddress, values [][]CellData) error {
	if len(values) != rng.Rows() {
		return fmt.Errorf("workbook: shape mismatch: range has %d rows, values has %d", rng.Rows(), len(values))
	}
	for _, row := range values {
		if len(row) != rng.Cols() {
			return fmt.Errorf("workbook: shape mismatch: range has %d cols, row has %d", rng.Cols(), len(row))
		}
	}
	return w.Mgr.WithWrite(w.HandleID, func(f *excelize.File) error {
		for i, row := range values {
			for j, cell := range row {
				cellName, cerr := a1.FormatCellAddress(a1.CellAddress{Row: rng.StartRow + i, Col: rng.StartCol + j})
				if cerr != nil {
					return cerr
				}
				if err := writeCell(f, rng.Sheet, cellName, cell); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (w *ExcelizeWorkbook) ApplyFormatting(ctx context.Context, rng a1.RangeAddress, format map[string]CellScalar) (int, error) {
	count := 0
	err := w.Mgr.WithWrite(w.HandleID, func(f *excelize.File) error {
		style := buildExcelizeStyle(format)
		styleID, serr := f.NewStyle(style)
		if serr != nil {
			return serr
		}
		startCell, _ := a1.FormatCellAddress(a1.CellAddress{Row: rng.StartRow, Col: rng.StartCol})
		endCell, _ := a1.FormatCellAddress(a1.CellAddress{Row: rng.EndRow, Col: rng.EndCol})
		if err := f.SetCellStyle(rng.Sheet, startCell, endCell, styleID); err != nil {
			return err
		}
		count = rng.Cells()
		return nil
	})
	return count, err
}

// buildExcelizeStyle maps a small, spec-level format dictionary to an
// excelize.Style. Unsupported keys are ignored rather than rejected, since
// spec §4.2 delegates the exact formatting surface to the host.
func buildExcelizeStyle(format map[string]CellScalar) *excelize.Style {
	style := &excelize.Style{}
	font := &excelize.Font{}
	haveFont := false
	if v, ok := format["bold"]; ok {
		if b, ok := v.(bool); ok {
			font.Bold = b
			haveFont = true
		}
	}
	if v, ok := format["italic"]; ok {
		if b, ok := v.(bool); ok {
			font.Italic = b
			haveFont = true
		}
	}
	if v, ok := format["bg_color"]; ok {
		if s, ok := v.(string); ok && s != "" {
			style.Fill = excelize.Fill{Type: "pattern", Color: []string{s}, Pattern: 1}
		}
	}
	if v, ok := format["number_format"]; ok {
		if s, ok := v.(string); ok && s != "" {
			style.CustomNumFmt = &s
		}
	}
	if haveFont {
		style.Font = font
	}
	return style
}

func (w *ExcelizeWorkbook) CreateChart(ctx context.Context, spec ChartSpec) (*ChartHandle, error) {
	rangeStr, err := a1.FormatRangeAddress(spec.Range)
	if err != nil {
		return nil, err
	}
	chartType := excelize.Line
	switch strings.ToLower(spec.Type) {
	case "bar":
		chartType = excelize.Bar
	case "pie":
		chartType = excelize.Pie
	case "col", "column":
		chartType = excelize.Col
	}
	id := ""
	werr := w.Mgr.WithWrite(w.HandleID, func(f *excelize.File) error {
		chart := &excelize.Chart{
			Type:   chartType,
			Series: []excelize.ChartSeries{{Name: spec.Title, Values: rangeStr}},
			Title:  []excelize.RichTextRun{{Text: spec.Title}},
		}
		anchor, _ := a1.FormatCellAddress(a1.CellAddress{Row: spec.Range.EndRow + 2, Col: spec.Range.StartCol})
		if cerr := f.AddChart(spec.Sheet, anchor, chart); cerr != nil {
			return cerr
		}
		id = anchor
		return nil
	})
	if werr != nil {
		return nil, werr
	}
	return &ChartHandle{ChartID: id}, nil
}

func (w *ExcelizeWorkbook) GetLastUsedRow(ctx context.Context, sheet string) (int, error) {
	last := 0
	err := w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		rows, rerr := f.Rows(sheet)
		if rerr != nil {
			return rerr
		}
		defer rows.Close()
		idx := 0
		for rows.Next() {
			idx++
			cols, cerr := rows.Columns()
			if cerr != nil {
				return cerr
			}
			for _, v := range cols {
				if strings.TrimSpace(v) != "" {
					last = idx
					break
				}
			}
		}
		return rows.Error()
	})
	return last, err
}

// Clone serializes the underlying workbook to a buffer and reopens it as an
// independent excelize.File, adopted as a brand-new handle. This backs the
// preview/approval gate's clone-and-simulate step for host-backed workbooks.
func (w *ExcelizeWorkbook) Clone(ctx context.Context) (SpreadsheetApi, error) {
	var buf bytes.Buffer
	err := w.Mgr.WithRead(w.HandleID, func(f *excelize.File, _ int64) error {
		b, werr := f.WriteToBuffer()
		if werr != nil {
			return werr
		}
		buf = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	clonedFile, err := excelize.OpenReader(&buf)
	if err != nil {
		return nil, err
	}
	id, err := w.Mgr.Adopt(ctx, clonedFile)
	if err != nil {
		_ = clonedFile.Close()
		return nil, err
	}
	return &ExcelizeWorkbook{Mgr: w.Mgr, HandleID: id}, nil
}

// coerceScalar converts excelize's string cell representation into a
// spec-level CellScalar: nil for empty, bool for TRUE/FALSE, float64 when
// numeric, else the raw string.
func coerceScalar(raw string) CellScalar {
	if raw == "" {
		return nil
	}
	switch strings.ToUpper(raw) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
