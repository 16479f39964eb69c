package workbook

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sheetforge/sheetguard/pkg/a1"
)

// MemoryWorkbook is a pure in-memory SpreadsheetApi implementation used by
// the preview/approval gate's clone-and-simulate step and by unit tests. It
// never suspends and owns its storage independently of any excelize handle.
type MemoryWorkbook struct {
	mu     sync.RWMutex
	sheets map[string]map[cellKey]CellData
	order  []string // sheet creation order, for deterministic ListSheets
}

type cellKey struct {
	row, col int
}

// NewMemoryWorkbook constructs an empty in-memory workbook with the given
// sheet names pre-created (in order).
func NewMemoryWorkbook(sheetNames ...string) *MemoryWorkbook {
	w := &MemoryWorkbook{sheets: make(map[string]map[cellKey]CellData)}
	for _, s := range sheetNames {
		w.ensureSheetLocked(s)
	}
	return w
}

func (w *MemoryWorkbook) ensureSheetLocked(sheet string) map[cellKey]CellData {
	m, ok := w.sheets[sheet]
	if !ok {
		m = make(map[cellKey]CellData)
		w.sheets[sheet] = m
		w.order = append(w.order, sheet)
	}
	return m
}

func (w *MemoryWorkbook) ListSheets(ctx context.Context) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out, nil
}

func (w *MemoryWorkbook) ListNonEmptyCells(ctx context.Context, sheet string) ([]NonEmptyCell, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("workbook: unknown sheet %q", sheet)
	}
	out := make([]NonEmptyCell, 0, len(m))
	for k, v := range m {
		if v.IsEmpty() {
			continue
		}
		out = append(out, NonEmptyCell{Address: a1.CellAddress{Sheet: sheet, Row: k.row, Col: k.col}, Cell: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address.Row != out[j].Address.Row {
			return out[i].Address.Row < out[j].Address.Row
		}
		return out[i].Address.Col < out[j].Address.Col
	})
	return out, nil
}

func (w *MemoryWorkbook) GetCell(ctx context.Context, addr a1.CellAddress) (CellData, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.sheets[addr.Sheet]
	if !ok {
		return CellData{}, fmt.Errorf("workbook: unknown sheet %q", addr.Sheet)
	}
	return m[cellKey{addr.Row, addr.Col}], nil
}

func (w *MemoryWorkbook) SetCell(ctx context.Context, addr a1.CellAddress, cell CellData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.ensureSheetLocked(addr.Sheet)
	if cell.IsEmpty() {
		delete(m, cellKey{addr.Row, addr.Col})
		return nil
	}
	m[cellKey{addr.Row, addr.Col}] = cell
	return nil
}

func (w *MemoryWorkbook) ReadRange(ctx context.Context, rng a1.RangeAddress) ([][]CellData, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m := w.sheets[rng.Sheet]
	out := make([][]CellData, rng.Rows())
	for i := 0; i < rng.Rows(); i++ {
		row := make([]CellData, rng.Cols())
		for j := 0; j < rng.Cols(); j++ {
			row[j] = m[cellKey{rng.StartRow + i, rng.StartCol + j}]
		}
		out[i] = row
	}
	return out, nil
}

func (w *MemoryWorkbook) WriteRange(ctx context.Context, rng a1.RangeAddress, values [][]CellData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(values) != rng.Rows() {
		return fmt.Errorf("workbook: shape mismatch: range has %d rows, values has %d", rng.Rows(), len(values))
	}
	for _, row := range values {
		if len(row) != rng.Cols() {
			return fmt.Errorf("workbook: shape mismatch: range has %d cols, row has %d", rng.Cols(), len(row))
		}
	}
	m := w.ensureSheetLocked(rng.Sheet)
	for i, row := range values {
		for j, cell := range row {
			k := cellKey{rng.StartRow + i, rng.StartCol + j}
			if cell.IsEmpty() {
				delete(m, k)
				continue
			}
			m[k] = cell
		}
	}
	return nil
}

func (w *MemoryWorkbook) ApplyFormatting(ctx context.Context, rng a1.RangeAddress, format map[string]CellScalar) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.ensureSheetLocked(rng.Sheet)
	count := 0
	for i := 0; i < rng.Rows(); i++ {
		for j := 0; j < rng.Cols(); j++ {
			k := cellKey{rng.StartRow + i, rng.StartCol + j}
			cell := m[k]
			if cell.Format == nil {
				cell.Format = make(map[string]CellScalar, len(format))
			}
			for fk, fv := range format {
				cell.Format[fk] = fv
			}
			m[k] = cell
			count++
		}
	}
	return count, nil
}

func (w *MemoryWorkbook) CreateChart(ctx context.Context, spec ChartSpec) (*ChartHandle, error) {
	return nil, ErrChartUnsupported
}

func (w *MemoryWorkbook) GetLastUsedRow(ctx context.Context, sheet string) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	last := 0
	for k, v := range w.sheets[sheet] {
		if v.IsEmpty() {
			continue
		}
		if k.row > last {
			last = k.row
		}
	}
	return last, nil
}

// Clone returns a deep, independent copy suitable for preview simulation.
func (w *MemoryWorkbook) Clone(ctx context.Context) (SpreadsheetApi, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	clone := &MemoryWorkbook{sheets: make(map[string]map[cellKey]CellData, len(w.sheets))}
	clone.order = append(clone.order, w.order...)
	for sheet, cells := range w.sheets {
		cp := make(map[cellKey]CellData, len(cells))
		for k, v := range cells {
			cp[k] = v
		}
		clone.sheets[sheet] = cp
	}
	return clone, nil
}

// SnapshotNonEmpty returns a flattened map of address->CellData across all
// sheets.
func (w *MemoryWorkbook) SnapshotNonEmpty(ctx context.Context) (map[a1.CellAddress]CellData, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[a1.CellAddress]CellData)
	for sheet, cells := range w.sheets {
		for k, v := range cells {
			if v.IsEmpty() {
				continue
			}
			out[a1.CellAddress{Sheet: sheet, Row: k.row, Col: k.col}] = v
		}
	}
	return out, nil
}

var _ SpreadsheetApi = (*MemoryWorkbook)(nil)

// formatKey is a helper for tests that need a deterministic string key.
func formatKey(addr a1.CellAddress) string {
	s, _ := a1.FormatCellAddress(addr)
	if addr.Sheet == "" {
		return s
	}
	return strings.ToLower(addr.Sheet) + "!" + s
}
