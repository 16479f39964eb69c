package a1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 26, 27, 52, 701, 702, 703, 16384} {
		label, err := ColumnIndexToLabel(n)
		require.NoError(t, err)
		idx, err := ColumnLabelToIndex(label)
		require.NoError(t, err)
		assert.Equal(t, n, idx)
	}
}

func TestColumnOutOfRange(t *testing.T) {
	_, err := ColumnIndexToLabel(0)
	assert.Error(t, err)
	_, err = ColumnIndexToLabel(16385)
	assert.Error(t, err)
	_, err = ColumnLabelToIndex("XFE") // 16385
	assert.Error(t, err)
}

func TestParseCellAddress(t *testing.T) {
	addr, err := ParseCellAddress("Sheet1!B2", "")
	require.NoError(t, err)
	assert.Equal(t, CellAddress{Sheet: "Sheet1", Row: 2, Col: 2}, addr)

	addr, err = ParseCellAddress("$B$2", "Sheet1")
	require.NoError(t, err)
	assert.Equal(t, CellAddress{Sheet: "Sheet1", Row: 2, Col: 2}, addr)

	_, err = ParseCellAddress("A0", "Sheet1")
	assert.Error(t, err)

	_, err = ParseCellAddress("!A1", "Sheet1")
	assert.Error(t, err)
}

func TestParseQuotedSheetName(t *testing.T) {
	addr, err := ParseCellAddress("'My Sheet'!A1", "")
	require.NoError(t, err)
	assert.Equal(t, "My Sheet", addr.Sheet)

	addr, err = ParseCellAddress("'It''s Mine'!A1", "")
	require.NoError(t, err)
	assert.Equal(t, "It's Mine", addr.Sheet)
}

func TestFormatRoundTrip(t *testing.T) {
	cases := []string{
		"Sheet1!A1:B2",
		"'My Sheet'!A1:Z99",
		"A1",
		"'2024'!A1", // bare "2024" is not a valid identifier (leading digit)
	}
	for _, s := range cases {
		rng, err := ParseRangeAddress(s, "")
		require.NoError(t, err, s)
		out, err := FormatRangeAddress(rng)
		require.NoError(t, err, s)
		rng2, err := ParseRangeAddress(out, "")
		require.NoError(t, err, out)
		assert.Equal(t, rng, rng2)
	}
}

func TestFormatQuotesReservedAndCellLikeNames(t *testing.T) {
	assert.Equal(t, "'TRUE'", FormatSheetName("TRUE"))
	assert.Equal(t, "'A1'", FormatSheetName("A1"))
	assert.Equal(t, "'R1C1'", FormatSheetName("R1C1"))
	assert.Equal(t, "Sheet_1", FormatSheetName("Sheet_1"))
	assert.Equal(t, "'Sheet 1'", FormatSheetName("Sheet 1"))
}

func TestNormalizedFormIsQuotedWhenRequired(t *testing.T) {
	rng, err := ParseRangeAddress("Sheet 1!A1:B2", "")
	require.NoError(t, err)
	out, err := FormatRangeAddress(rng)
	require.NoError(t, err)
	assert.Equal(t, "'Sheet 1'!A1:B2", out)
}

func TestRangeIntersectsAndUnion(t *testing.T) {
	a := RangeAddress{Sheet: "S1", StartRow: 1, StartCol: 1, EndRow: 5, EndCol: 5}
	b := RangeAddress{Sheet: "S1", StartRow: 3, StartCol: 3, EndRow: 8, EndCol: 8}
	c := RangeAddress{Sheet: "S2", StartRow: 3, StartCol: 3, EndRow: 8, EndCol: 8}
	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	u := Union(a, b)
	assert.Equal(t, RangeAddress{Sheet: "S1", StartRow: 1, StartCol: 1, EndRow: 8, EndCol: 8}, u)
}
