// Package pivot implements streaming, mergeable group/aggregate/cross-tab
// pivots over a rectangular grid of scalar values (spec §4.3).
package pivot

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// AggKind names a supported aggregation function.
type AggKind string

const (
	AggSum          AggKind = "sum"
	AggCount        AggKind = "count"
	AggCountNumbers AggKind = "countnumbers"
	AggAverage      AggKind = "average"
	AggMin          AggKind = "min"
	AggMax          AggKind = "max"
	AggProduct      AggKind = "product"
	AggVar          AggKind = "var"
	AggVarP         AggKind = "varp"
	AggStdDev       AggKind = "stddev"
	AggStdDevP      AggKind = "stddevp"
)

// ValueSpec names one aggregated output column of the pivot.
type ValueSpec struct {
	Field string  `json:"field"`
	Agg   AggKind `json:"agg"`
	As    string  `json:"as,omitempty"`
}

// Label returns the output column name for this value spec: the explicit
// "as" alias when given, else "<agg>_of_<field>".
func (v ValueSpec) Label() string {
	if v.As != "" {
		return v.As
	}
	return fmt.Sprintf("%s_of_%s", v.Agg, v.Field)
}

func (v ValueSpec) label() string { return v.Label() }

// Spec describes a pivot table request: grouping fields for rows and
// (optionally) columns, one or more aggregated value specs, and whether to
// emit grand total rows/columns.
type Spec struct {
	RowFields []string
	ColFields []string
	Values    []ValueSpec
	GrandTotal bool
}

const blankLabel = "(blank)"

// AggState is a Welford-mergeable running aggregate, holding everything
// needed to derive any ValueSpec's result, and to merge with a sibling
// state computed over a disjoint slice of the same logical group.
type AggState struct {
	Count         int64
	CountNumbers  int64
	Sum           float64
	Product       float64
	Min           float64
	Max           float64
	Mean          float64
	M2            float64
	haveMinMax    bool
	haveProduct   bool
}

// AddValue folds one raw cell value into the running state.
func (a *AggState) AddValue(v any) {
	a.Count++
	f, isNum := toFloat(v)
	if !isNum {
		return
	}
	a.CountNumbers++
	a.Sum += f
	if !a.haveMinMax {
		a.Min, a.Max = f, f
		a.haveMinMax = true
	} else {
		if f < a.Min {
			a.Min = f
		}
		if f > a.Max {
			a.Max = f
		}
	}
	if !a.haveProduct {
		a.Product = f
		a.haveProduct = true
	} else {
		a.Product *= f
	}
	// Welford online update for mean/variance.
	delta := f - a.Mean
	a.Mean += delta / float64(a.CountNumbers)
	delta2 := f - a.Mean
	a.M2 += delta * delta2
}

// Merge combines two independently accumulated states into a, via the
// parallel-variance combination formula. The receiver is mutated in place
// so callers can fold a stream of partial states with repeated calls.
func (a *AggState) Merge(b AggState) {
	if b.Count == 0 {
		return
	}
	if a.Count == 0 {
		*a = b
		return
	}
	if b.haveMinMax {
		if !a.haveMinMax || b.Min < a.Min {
			a.Min = b.Min
		}
		if !a.haveMinMax || b.Max > a.Max {
			a.Max = b.Max
		}
		a.haveMinMax = true
	}
	if b.haveProduct {
		if !a.haveProduct {
			a.Product = b.Product
			a.haveProduct = true
		} else {
			a.Product *= b.Product
		}
	}
	na, nb := float64(a.CountNumbers), float64(b.CountNumbers)
	n := na + nb
	if n > 0 {
		delta := b.Mean - a.Mean
		newMean := a.Mean + delta*nb/n
		a.M2 = a.M2 + b.M2 + delta*delta*na*nb/n
		a.Mean = newMean
	}
	a.Count += b.Count
	a.CountNumbers += b.CountNumbers
	a.Sum += b.Sum
}

// Value resolves a single aggregation kind from the accumulated state.
func (a AggState) Value(kind AggKind) any {
	switch kind {
	case AggSum:
		return a.Sum
	case AggCount:
		return a.Count
	case AggCountNumbers:
		return a.CountNumbers
	case AggAverage:
		if a.CountNumbers == 0 {
			return nil
		}
		return a.Sum / float64(a.CountNumbers)
	case AggMin:
		if !a.haveMinMax {
			return nil
		}
		return a.Min
	case AggMax:
		if !a.haveMinMax {
			return nil
		}
		return a.Max
	case AggProduct:
		if !a.haveProduct {
			return nil
		}
		return a.Product
	case AggVar:
		return sampleVariance(a)
	case AggVarP:
		return populationVariance(a)
	case AggStdDev:
		v := sampleVariance(a)
		if v == nil {
			return nil
		}
		return math.Sqrt(v.(float64))
	case AggStdDevP:
		v := populationVariance(a)
		if v == nil {
			return nil
		}
		return math.Sqrt(v.(float64))
	default:
		return nil
	}
}

func sampleVariance(a AggState) any {
	if a.CountNumbers < 2 {
		return nil
	}
	return a.M2 / float64(a.CountNumbers-1)
}

func populationVariance(a AggState) any {
	if a.CountNumbers == 0 {
		return nil
	}
	return a.M2 / float64(a.CountNumbers)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

// Row is one record of the source table, keyed by field name.
type Row map[string]any

// Cell is one aggregated cross of (row key, column key).
type Cell struct {
	RowKey  []string
	ColKey  []string
	Values  map[string]any
}

// Table is the fully built, deterministic pivot result.
type Table struct {
	RowKeys       [][]string
	ColKeys       [][]string
	Cells         []Cell
	GrandTotalRow map[string]any // only set when GrandTotal is true
	GrandTotalCol map[string]any
	GrandTotal    map[string]any
}

// Build computes a pivot table over rows, grouping and aggregating per spec.
// Computation is a single pass accumulating AggState per (rowKey, colKey)
// pair, so partial tables over disjoint row slices can be merged with
// AggState.Merge before resolving final values. Pivot refresh after a
// workbook mutation calls Build again over the whole source range.
func Build(rows []Row, spec Spec) (Table, error) {
	if len(spec.Values) == 0 {
		return Table{}, fmt.Errorf("pivot: at least one value spec is required")
	}
	states := map[string]map[string]map[string]*AggState{} // rowKey -> colKey -> valueLabel -> state
	rowKeySet := map[string][]string{}
	colKeySet := map[string][]string{}

	for _, r := range rows {
		rk := keyFor(r, spec.RowFields)
		ck := keyFor(r, spec.ColFields)
		rkStr, ckStr := joinKey(rk), joinKey(ck)
		rowKeySet[rkStr] = rk
		colKeySet[ckStr] = ck
		if _, ok := states[rkStr]; !ok {
			states[rkStr] = map[string]map[string]*AggState{}
		}
		if _, ok := states[rkStr][ckStr]; !ok {
			states[rkStr][ckStr] = map[string]*AggState{}
		}
		for _, vs := range spec.Values {
			label := vs.label()
			st, ok := states[rkStr][ckStr][label]
			if !ok {
				st = &AggState{}
				states[rkStr][ckStr][label] = st
			}
			st.AddValue(r[vs.Field])
		}
	}

	rowKeys := sortedKeys(rowKeySet)
	colKeys := sortedKeys(colKeySet)

	t := Table{RowKeys: toSlices(rowKeys, rowKeySet), ColKeys: toSlices(colKeys, colKeySet)}
	for _, rkStr := range rowKeys {
		for _, ckStr := range colKeys {
			vals := map[string]any{}
			for _, vs := range spec.Values {
				label := vs.label()
				st := states[rkStr][ckStr][label]
				if st == nil {
					st = &AggState{}
				}
				vals[label] = st.Value(vs.Agg)
			}
			t.Cells = append(t.Cells, Cell{RowKey: rowKeySet[rkStr], ColKey: colKeySet[ckStr], Values: vals})
		}
	}

	if spec.GrandTotal {
		computeGrandTotals(&t, spec, states, rowKeys, colKeys)
	}
	return t, nil
}

func computeGrandTotals(t *Table, spec Spec, states map[string]map[string]map[string]*AggState, rowKeys, colKeys []string) {
	totalsByRow := map[string]map[string]*AggState{}
	totalsByCol := map[string]map[string]*AggState{}
	grand := map[string]*AggState{}
	for _, vs := range spec.Values {
		label := vs.label()
		for _, rk := range rowKeys {
			for _, ck := range colKeys {
				st := states[rk][ck][label]
				if st == nil {
					continue
				}
				if totalsByRow[rk] == nil {
					totalsByRow[rk] = map[string]*AggState{}
				}
				if totalsByRow[rk][label] == nil {
					totalsByRow[rk][label] = &AggState{}
				}
				totalsByRow[rk][label].Merge(*st)

				if totalsByCol[ck] == nil {
					totalsByCol[ck] = map[string]*AggState{}
				}
				if totalsByCol[ck][label] == nil {
					totalsByCol[ck][label] = &AggState{}
				}
				totalsByCol[ck][label].Merge(*st)

				if grand[label] == nil {
					grand[label] = &AggState{}
				}
				grand[label].Merge(*st)
			}
		}
	}
	t.GrandTotalRow = resolveAll(totalsByCol, spec)
	t.GrandTotalCol = resolveAll(totalsByRow, spec)
	t.GrandTotal = map[string]any{}
	for _, vs := range spec.Values {
		st := grand[vs.label()]
		if st == nil {
			st = &AggState{}
		}
		t.GrandTotal[vs.label()] = st.Value(vs.Agg)
	}
}

func resolveAll(m map[string]map[string]*AggState, spec Spec) map[string]any {
	// Collapses per-key totals into a flat map keyed "key|valueLabel" for
	// deterministic downstream serialization by the caller.
	out := map[string]any{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, vs := range spec.Values {
			st := m[k][vs.label()]
			if st == nil {
				st = &AggState{}
			}
			out[k+"|"+vs.label()] = st.Value(vs.Agg)
		}
	}
	return out
}

func keyFor(r Row, fields []string) []string {
	if len(fields) == 0 {
		return []string{""}
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		v, ok := r[f]
		if !ok || v == nil || v == "" {
			out[i] = blankLabel
			continue
		}
		out[i] = fmt.Sprintf("%v", v)
	}
	return out
}

func joinKey(k []string) string { return strings.Join(k, "\x1f") }

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSlices(keys []string, m map[string][]string) [][]string {
	out := make([][]string, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
