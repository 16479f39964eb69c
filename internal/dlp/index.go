package dlp

import "sort"

// Index is a one-pass-built structure over a ClassificationRecord set that
// answers per-cell and per-range classification queries without rescanning
// the full record set for every query (spec §4.4 indexing requirement).
type Index struct {
	documentRecords []ClassificationRecord
	sheetRecords    map[string][]ClassificationRecord
	columnRecords   map[string]map[int][]ClassificationRecord
	rangeRecords    map[string][]ClassificationRecord
	cellRecords     map[string][]ClassificationRecord // sorted by (row, col) per sheet
}

// BuildIndex performs the single indexing pass over a record set.
func BuildIndex(records []ClassificationRecord) *Index {
	idx := &Index{
		sheetRecords:  map[string][]ClassificationRecord{},
		columnRecords: map[string]map[int][]ClassificationRecord{},
		rangeRecords:  map[string][]ClassificationRecord{},
		cellRecords:   map[string][]ClassificationRecord{},
	}
	for _, r := range records {
		switch r.Selector.Scope {
		case ScopeDocument:
			idx.documentRecords = append(idx.documentRecords, r)
		case ScopeSheet:
			idx.sheetRecords[r.Selector.Sheet] = append(idx.sheetRecords[r.Selector.Sheet], r)
		case ScopeColumn:
			if idx.columnRecords[r.Selector.Sheet] == nil {
				idx.columnRecords[r.Selector.Sheet] = map[int][]ClassificationRecord{}
			}
			idx.columnRecords[r.Selector.Sheet][r.Selector.Column] = append(idx.columnRecords[r.Selector.Sheet][r.Selector.Column], r)
		case ScopeRange:
			idx.rangeRecords[r.Selector.Sheet] = append(idx.rangeRecords[r.Selector.Sheet], r)
		case ScopeCell:
			idx.cellRecords[r.Selector.Sheet] = append(idx.cellRecords[r.Selector.Sheet], r)
		}
	}
	for sheet := range idx.cellRecords {
		recs := idx.cellRecords[sheet]
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].Selector.Row != recs[j].Selector.Row {
				return recs[i].Selector.Row < recs[j].Selector.Row
			}
			return recs[i].Selector.Col < recs[j].Selector.Col
		})
		idx.cellRecords[sheet] = recs
	}
	return idx
}

// CellClassification returns the effective classification for one cell:
// the max over document, sheet, column, range, and cell selectors that
// match, in that order, with all matches compared (finer scopes never
// suppress broader ones) and labels unioned (spec §4.4).
func (idx *Index) CellClassification(sheet string, row, col int) Classification {
	result := Classification{Level: Public}
	for _, r := range idx.documentRecords {
		result = maxClassification(result, r.Classification)
	}
	for _, r := range idx.sheetRecords[sheet] {
		if r.Selector.matchesCell(sheet, row, col) {
			result = maxClassification(result, r.Classification)
		}
	}
	for _, r := range idx.columnRecords[sheet][col] {
		result = maxClassification(result, r.Classification)
	}
	for _, r := range idx.rangeRecords[sheet] {
		if r.Selector.matchesCell(sheet, row, col) {
			result = maxClassification(result, r.Classification)
		}
	}
	recs := idx.cellRecords[sheet]
	lo := sort.Search(len(recs), func(i int) bool { return recs[i].Selector.Row >= row })
	for i := lo; i < len(recs) && recs[i].Selector.Row == row; i++ {
		if recs[i].Selector.Col == col {
			result = maxClassification(result, recs[i].Classification)
		}
	}
	return result
}

// RangeClassification returns the effective classification for an entire
// rectangle, equivalent to the max over every cell in the range, but
// computed by considering only selectors that can intersect the rectangle
// rather than enumerating cells (spec §4.4).
func (idx *Index) RangeClassification(sheet string, startRow, startCol, endRow, endCol int) Classification {
	result := Classification{Level: Public}
	for _, r := range idx.documentRecords {
		result = maxClassification(result, r.Classification)
	}
	for _, r := range idx.sheetRecords[sheet] {
		if r.Selector.intersectsRange(sheet, startRow, startCol, endRow, endCol) {
			result = maxClassification(result, r.Classification)
		}
	}
	for col, recs := range idx.columnRecords[sheet] {
		if col < startCol || col > endCol {
			continue
		}
		for _, r := range recs {
			result = maxClassification(result, r.Classification)
		}
	}
	for _, r := range idx.rangeRecords[sheet] {
		if r.Selector.intersectsRange(sheet, startRow, startCol, endRow, endCol) {
			result = maxClassification(result, r.Classification)
		}
	}
	recs := idx.cellRecords[sheet]
	lo := sort.Search(len(recs), func(i int) bool { return recs[i].Selector.Row >= startRow })
	for i := lo; i < len(recs) && recs[i].Selector.Row <= endRow; i++ {
		if recs[i].Selector.Col >= startCol && recs[i].Selector.Col <= endCol {
			result = maxClassification(result, recs[i].Classification)
		}
	}
	return result
}
