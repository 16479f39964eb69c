package pivot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []Row {
	return []Row{
		{"region": "east", "rep": "a", "amount": 10.0},
		{"region": "east", "rep": "b", "amount": 20.0},
		{"region": "west", "rep": "a", "amount": 5.0},
		{"region": "west", "rep": "a", "amount": 15.0},
		{"region": "", "rep": "c", "amount": 1.0},
	}
}

func TestBuildGroupAndAggregate(t *testing.T) {
	tbl, err := Build(sampleRows(), Spec{
		RowFields: []string{"region"},
		Values:    []ValueSpec{{Field: "amount", Agg: AggSum}, {Field: "amount", Agg: AggCount}},
	})
	require.NoError(t, err)
	require.Len(t, tbl.RowKeys, 3)
	assert.Equal(t, []string{blankLabel}, tbl.RowKeys[0])
	byRow := map[string]Cell{}
	for _, c := range tbl.Cells {
		byRow[c.RowKey[0]] = c
	}
	assert.Equal(t, 30.0, byRow["east"].Values["sum_of_amount"])
	assert.Equal(t, 20.0, byRow["west"].Values["sum_of_amount"])
	assert.Equal(t, int64(2), byRow["west"].Values["count_of_amount"])
}

func TestBuildCrossTab(t *testing.T) {
	tbl, err := Build(sampleRows(), Spec{
		RowFields:  []string{"region"},
		ColFields:  []string{"rep"},
		Values:     []ValueSpec{{Field: "amount", Agg: AggSum}},
		GrandTotal: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tbl.GrandTotal)
	assert.Equal(t, 51.0, tbl.GrandTotal["sum_of_amount"])
}

func TestAggStateMergeMatchesSinglePass(t *testing.T) {
	values := []any{1.0, 2.0, 3.0, 4.0, 5.0}
	var whole AggState
	for _, v := range values {
		whole.AddValue(v)
	}

	var a, b AggState
	for _, v := range values[:2] {
		a.AddValue(v)
	}
	for _, v := range values[2:] {
		b.AddValue(v)
	}
	a.Merge(b)

	assert.InDelta(t, whole.Mean, a.Mean, 1e-9)
	assert.InDelta(t, whole.M2, a.M2, 1e-9)
	assert.Equal(t, whole.Sum, a.Sum)
	assert.Equal(t, whole.Count, a.Count)
}

func TestAverageAndVarianceKinds(t *testing.T) {
	var st AggState
	for _, v := range []any{2.0, 4.0, 4.0, 4.0, 5.0, 5.0, 7.0, 9.0} {
		st.AddValue(v)
	}
	avg := st.Value(AggAverage).(float64)
	assert.InDelta(t, 5.0, avg, 1e-9)
	varp := st.Value(AggVarP).(float64)
	assert.InDelta(t, 4.0, varp, 1e-9)
}

func TestBlankKeyLabeling(t *testing.T) {
	tbl, err := Build([]Row{{"k": nil, "v": 1.0}}, Spec{RowFields: []string{"k"}, Values: []ValueSpec{{Field: "v", Agg: AggSum}}})
	require.NoError(t, err)
	require.Len(t, tbl.RowKeys, 1)
	assert.Equal(t, blankLabel, tbl.RowKeys[0][0])
}
