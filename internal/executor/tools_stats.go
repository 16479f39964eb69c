package executor

import (
	"context"
	"math"
	"sort"

	"github.com/sheetforge/sheetguard/internal/retrieval"
	"github.com/sheetforge/sheetguard/pkg/a1"
)

func init() {
	register("compute_statistics", handleComputeStatistics)
	register("detect_anomalies", handleDetectAnomalies)
}

type computeStatisticsParams struct {
	Range   string `json:"range" validate:"required"`
	Column  int    `json:"column" validate:"min=0"`
	Column2 *int   `json:"column2,omitempty" validate:"omitempty,min=0"`
}

type statisticsResult struct {
	Count       int      `json:"count"`
	Mean        float64  `json:"mean"`
	Median      float64  `json:"median"`
	Mode        float64  `json:"mode,omitempty"`
	HasMode     bool     `json:"has_mode"`
	StdDev      float64  `json:"stdev"`
	Variance    float64  `json:"variance"`
	Min         float64  `json:"min"`
	Max         float64  `json:"max"`
	Q1          float64  `json:"q1"`
	Q3          float64  `json:"q3"`
	Correlation *float64 `json:"correlation,omitempty"`
}

// handleComputeStatistics computes the descriptive statistics for one
// column. Correlation requires exactly two columns: when column2 is given,
// the Pearson correlation coefficient between the two columns' numeric
// values (paired by row) is attached to the single-column result.
func handleComputeStatistics(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[computeStatisticsParams](raw)
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
	if p.Column < 0 || p.Column >= rng.Cols() {
		return nil, nil, nil, validationErr(nil, "column %d out of bounds for range with %d columns", p.Column, rng.Cols())
	}
	if p.Column2 != nil && (*p.Column2 < 0 || *p.Column2 >= rng.Cols()) {
		return nil, nil, nil, validationErr(nil, "column2 %d out of bounds for range with %d columns", *p.Column2, rng.Cols())
	}
	grid, err := e.wb.ReadRange(ctx, rng)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "compute_statistics: %v", err)
	}
	var values []float64
	for _, row := range grid {
		if f, ok := toFloatLoose(row[p.Column].Value); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil, nil, nil, validationErr(nil, "no numeric values found in column %d", p.Column)
	}
	stats := computeStats(values)

	if p.Column2 != nil {
		var xs, ys []float64
		for _, row := range grid {
			x, xok := toFloatLoose(row[p.Column].Value)
			y, yok := toFloatLoose(row[*p.Column2].Value)
			if xok && yok {
				xs = append(xs, x)
				ys = append(ys, y)
			}
		}
		if len(xs) < 2 {
			return nil, nil, nil, validationErr(nil, "correlation requires at least two paired numeric rows across column %d and column2 %d", p.Column, *p.Column2)
		}
		corr := pearsonCorrelation(xs, ys)
		stats.Correlation = &corr
	}

	return stats, nil, nil, nil
}

// pearsonCorrelation computes the Pearson product-moment correlation
// coefficient between two equal-length numeric samples. A zero-variance
// sample yields a correlation of 0 rather than NaN.
func pearsonCorrelation(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	denom := math.Sqrt(varX * varY)
	if denom == 0 {
		return 0
	}
	return cov / denom
}

func computeStats(values []float64) statisticsResult {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var m2 float64
	for _, v := range sorted {
		d := v - mean
		m2 += d * d
	}
	variance := 0.0
	if n > 1 {
		variance = m2 / float64(n-1)
	}

	counts := map[float64]int{}
	bestCount, modeVal := 0, 0.0
	for _, v := range sorted {
		counts[v]++
		if counts[v] > bestCount {
			bestCount = counts[v]
			modeVal = v
		}
	}
	hasMode := bestCount > 1

	return statisticsResult{
		Count:    n,
		Mean:     mean,
		Median:   percentile(sorted, 0.5),
		Mode:     modeVal,
		HasMode:  hasMode,
		StdDev:   math.Sqrt(variance),
		Variance: variance,
		Min:      sorted[0],
		Max:      sorted[n-1],
		Q1:       percentile(sorted, 0.25),
		Q3:       percentile(sorted, 0.75),
	}
}

// percentile computes a linear-interpolated percentile over an
// already-sorted slice (the common "R-7" method).
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

type detectAnomaliesParams struct {
	Range     string  `json:"range" validate:"required"`
	Column    int     `json:"column" validate:"min=0"`
	Method    string  `json:"method" validate:"required,oneof=zscore iqr isolation_forest"`
	Threshold float64 `json:"threshold"`
}

type anomalyResult struct {
	Row   int     `json:"row"`
	Value float64 `json:"value"`
	Score float64 `json:"score"`
}

func handleDetectAnomalies(ctx context.Context, e *Executor, raw []byte) (any, []string, *a1.RangeAddress, *ToolError) {
	p, verr := decodeParams[detectAnomaliesParams](raw)
	if verr != nil {
		return nil, nil, nil, verr
	}
	if p.Method == "isolation_forest" {
		return nil, nil, nil, newErr(ErrNotImplemented, "detect_anomalies: isolation_forest is not implemented")
	}
	rng, terr := e.resolveRange(p.Range)
	if terr != nil {
		return nil, nil, nil, terr
	}
	if terr := e.checkRangeGate(rng, true); terr != nil {
		return nil, nil, nil, terr
	}
	if p.Column < 0 || p.Column >= rng.Cols() {
		return nil, nil, nil, validationErr(nil, "column %d out of bounds for range with %d columns", p.Column, rng.Cols())
	}
	grid, err := e.wb.ReadRange(ctx, rng)
	if err != nil {
		return nil, nil, nil, newErr(ErrRuntime, "detect_anomalies: %v", err)
	}

	type point struct {
		row   int
		value float64
	}
	var points []point
	for i, row := range grid {
		if f, ok := toFloatLoose(row[p.Column].Value); ok {
			points = append(points, point{row: rng.StartRow + i, value: f})
		}
	}
	if len(points) == 0 {
		return nil, nil, nil, validationErr(nil, "no numeric values found in column %d", p.Column)
	}
	values := make([]float64, len(points))
	for i, pt := range points {
		values[i] = pt.value
	}
	stats := computeStats(values)

	var anomalies []anomalyResult
	switch p.Method {
	case "zscore":
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = 3.0
		}
		if stats.StdDev == 0 {
			break
		}
		for _, pt := range points {
			z := (pt.value - stats.Mean) / stats.StdDev
			if math.Abs(z) > threshold {
				anomalies = append(anomalies, anomalyResult{Row: pt.row, Value: pt.value, Score: z})
			}
		}
	case "iqr":
		multiplier := p.Threshold
		if multiplier <= 0 {
			multiplier = 1.5
		}
		iqr := stats.Q3 - stats.Q1
		lower := stats.Q1 - multiplier*iqr
		upper := stats.Q3 + multiplier*iqr
		for _, pt := range points {
			if pt.value < lower || pt.value > upper {
				score := 0.0
				if iqr > 0 {
					score = (pt.value - stats.Median) / iqr
				}
				anomalies = append(anomalies, anomalyResult{Row: pt.row, Value: pt.value, Score: score})
			}
		}
	}
	anomalies = rankAnomalies(anomalies, rng.Sheet, p.Column)
	return map[string]any{"anomalies": anomalies, "method": p.Method, "evaluated": len(points)}, nil, nil, nil
}

// rankAnomalies orders detected anomalies by descending severity (|score|)
// through retrieval.RankAndDedup, so the most significant deviations surface
// first regardless
// of row order in the sheet. Each anomaly is a single-cell rectangle, so
// Dedup never drops a row here; it's still run so a future caller merging
// results from multiple detectors for the same column gets the same
// overlap-aware behavior for free.
func rankAnomalies(anomalies []anomalyResult, sheet string, column int) []anomalyResult {
	if len(anomalies) == 0 {
		return anomalies
	}
	results := make([]retrieval.Result, len(anomalies))
	for i, a := range anomalies {
		rect := retrieval.Rect{R1: a.Row, C1: column, R2: a.Row, C2: column}
		results[i] = retrieval.Result{
			SheetName: sheet,
			Rect:      &rect,
			Score:     math.Abs(a.Score),
			Payload:   a,
		}
	}
	ranked := retrieval.RankAndDedup(results, retrieval.DefaultOverlapRatio)
	out := make([]anomalyResult, len(ranked))
	for i, r := range ranked {
		out[i] = r.Payload.(anomalyResult)
	}
	return out
}
