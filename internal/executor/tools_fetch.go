package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sheetforge/sheetguard/internal/workbook"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

func init() {
	register("fetch_external_data", handleFetchExternalData)
}

type fetchExternalDataParams struct {
	URL     string `json:"url" validate:"required,url"`
	Dest    string `json:"dest" validate:"required"`
	RawText bool   `json:"raw_text"`
}

// handleFetchExternalData retrieves a remote payload and writes it into the
// workbook: raw_text stores the body verbatim in a single cell; otherwise
// the body is parsed as JSON and spread into a rectangular table anchored
// at dest (spec §4.2).
func handleFetchExternalData(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[fetchExternalDataParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	if !e.cfg.AllowExternalData {
		return nil, nil, nil, newErr(ErrPermissionDenied, "fetch_external_data: external data fetching is disabled")
	}
	if e.cfg.PreviewMode {
		return nil, nil, nil, newErr(ErrPermissionDenied, "fetch_external_data: disabled while simulating a preview")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, nil, nil, validationErr(map[string]any{"url": p.URL}, "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, nil, validationErr(map[string]any{"url": p.URL}, "url scheme %q is not http/https", u.Scheme)
	}
	if !hostAllowed(u.Hostname(), e.cfg.AllowedExternalHosts) {
		return nil, nil, nil, newErr(ErrPermissionDenied, "fetch_external_data: host %q is not in the allow-list", u.Hostname())
	}
	if e.fetch == nil {
		return nil, nil, nil, newErr(ErrRuntime, "fetch_external_data: no fetcher configured")
	}

	body, contentType, ferr := e.fetch.Fetch(ctx, p.URL, e.cfg.MaxExternalBytes)
	if ferr != nil {
		return nil, nil, nil, newErr(ErrRuntime, "fetch_external_data: %v", ferr)
	}

	destCell, terr := e.resolveCell(p.Dest)
	if terr != nil {
		return nil, nil, nil, terr
	}

	if p.RawText {
		if err := e.wb.SetCell(ctx, destCell, workbook.CellData{Value: string(body)}); err != nil {
			return nil, nil, nil, newErr(ErrRuntime, "fetch_external_data: %v", err)
		}
		touched := a1.RangeAddress{Sheet: destCell.Sheet, StartRow: destCell.Row, StartCol: destCell.Col, EndRow: destCell.Row, EndCol: destCell.Col}
		return map[string]any{
			"dest":          mustFormatCell(destCell),
			"bytes_fetched": len(body),
			"content_type":  contentType,
		}, nil, &touched, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "fetch_external_data: response is not valid JSON: %v", err)
	}
	table := jsonToTable(parsed)
	rng := a1.RangeAddress{
		Sheet:    destCell.Sheet,
		StartRow: destCell.Row,
		StartCol: destCell.Col,
		EndRow:   destCell.Row + len(table) - 1,
		EndCol:   destCell.Col + colCount(table) - 1,
	}
	if terr := e.checkRangeGate(rng, false); terr != nil {
		return nil, nil, nil, terr
	}
	if err := e.wb.WriteRange(ctx, rng, table); err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "fetch_external_data: %v", err)
	}
	return map[string]any{
		"range":         mustFormatRange(rng),
		"bytes_fetched": len(body),
		"content_type":  contentType,
		"rows_written":  len(table),
	}, nil, &rng, nil
}

// jsonToTable spreads a decoded JSON value into a rectangular grid:
// an array of objects becomes a header row (keys sorted for determinism)
// plus one row per element; an array of scalars becomes a single column;
// an array of arrays becomes rows directly; a bare object becomes a
// two-column key/value table; any other scalar becomes a single cell.
// Rows are padded with nil to the widest row so the grid stays rectangular.
func jsonToTable(v any) [][]workbook.CellData {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return [][]workbook.CellData{{{Value: nil}}}
		}
		if allObjects(t) {
			keys := objectKeys(t)
			rows := make([][]workbook.CellData, 0, len(t)+1)
			header := make([]workbook.CellData, len(keys))
			for i, k := range keys {
				header[i] = workbook.CellData{Value: k}
			}
			rows = append(rows, header)
			for _, elem := range t {
				obj := elem.(map[string]any)
				row := make([]workbook.CellData, len(keys))
				for i, k := range keys {
					row[i] = workbook.CellData{Value: toScalar(obj[k])}
				}
				rows = append(rows, row)
			}
			return rows
		}
		if allArrays(t) {
			rows := make([][]workbook.CellData, len(t))
			for i, elem := range t {
				rows[i] = scalarRow(elem.([]any))
			}
			return padRows(rows)
		}
		return scalarColumn(t)
	case map[string]any:
		keys := sortedKeys(t)
		rows := make([][]workbook.CellData, len(keys))
		for i, k := range keys {
			rows[i] = []workbook.CellData{{Value: k}, {Value: toScalar(t[k])}}
		}
		return rows
	default:
		return [][]workbook.CellData{{{Value: toScalar(v)}}}
	}
}

func allObjects(items []any) bool {
	for _, it := range items {
		if _, ok := it.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func allArrays(items []any) bool {
	for _, it := range items {
		if _, ok := it.([]any); !ok {
			return false
		}
	}
	return true
}

func objectKeys(items []any) []string {
	seen := map[string]bool{}
	var keys []string
	for _, it := range items {
		for k := range it.(map[string]any) {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarRow(items []any) []workbook.CellData {
	row := make([]workbook.CellData, len(items))
	for i, it := range items {
		row[i] = workbook.CellData{Value: toScalar(it)}
	}
	return row
}

func scalarColumn(items []any) [][]workbook.CellData {
	rows := make([][]workbook.CellData, len(items))
	for i, it := range items {
		rows[i] = []workbook.CellData{{Value: toScalar(it)}}
	}
	return rows
}

func padRows(rows [][]workbook.CellData) [][]workbook.CellData {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	for i, r := range rows {
		for len(r) < width {
			r = append(r, workbook.CellData{Value: nil})
		}
		rows[i] = r
	}
	return rows
}

// toScalar coerces a decoded JSON value into the CellScalar shape
// (nil/float64/string/bool); nested objects/arrays are serialized back to
// a JSON string since a single cell cannot hold structured data.
func toScalar(v any) workbook.CellScalar {
	switch v.(type) {
	case nil, float64, string, bool:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func colCount(rows [][]workbook.CellData) int {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	return width
}

// hostAllowed reports whether host may be fetched from. An empty allow-list
// means unrestricted (spec §4.2/§6.4: "host must be on the allowlist when
// non-empty"); a non-empty list restricts to exactly those hosts.
func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, a := range allowed {
		if strings.ToLower(a) == host {
			return true
		}
	}
	return false
}
