package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDedupMirrorsWorkedExample mirrors spec worked example 5: A and B
// heavily overlap in the same workbook+sheet, so B is dropped; moved to a
// different sheet, both are kept.
func TestDedupMirrorsWorkedExample(t *testing.T) {
	a := Result{ID: "a", WorkbookID: "wb1", SheetName: "Sheet1", Score: 1.0, Rect: &Rect{R1: 1, C1: 1, R2: 10, C2: 1}}
	b := Result{ID: "b", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.9, Rect: &Rect{R1: 1, C1: 1, R2: 8, C2: 1}}

	kept := Dedup([]Result{a, b}, 0.8)
	assert.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].ID)

	bOtherSheet := b
	bOtherSheet.SheetName = "Sheet2"
	kept = Dedup([]Result{a, bOtherSheet}, 0.8)
	assert.Len(t, kept, 2)
}

func TestDedupStrictGreaterThanThreshold(t *testing.T) {
	// Exactly at the threshold (ratio == overlapRatio) must be KEPT, not
	// dropped — the spec's comparison is strict ">".
	a := Result{ID: "a", WorkbookID: "wb1", SheetName: "Sheet1", Score: 1.0, Rect: &Rect{R1: 1, C1: 1, R2: 10, C2: 1}}
	b := Result{ID: "b", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.9, Rect: &Rect{R1: 1, C1: 1, R2: 8, C2: 1}}
	kept := Dedup([]Result{a, b}, 1.0)
	assert.Len(t, kept, 2, "overlap ratio exactly equal to the threshold must be kept")
}

func TestDedupDropsRepeatedID(t *testing.T) {
	a := Result{ID: "dup", WorkbookID: "wb1", SheetName: "Sheet1", Score: 1.0}
	again := Result{ID: "dup", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.5}
	kept := Dedup([]Result{a, again}, 0.8)
	assert.Len(t, kept, 1)
}

func TestDedupPassesThroughCoordinateless(t *testing.T) {
	a := Result{ID: "a", WorkbookID: "wb1", SheetName: "Sheet1", Score: 1.0}
	b := Result{ID: "b", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.9}
	kept := Dedup([]Result{a, b}, 0.8)
	assert.Len(t, kept, 2, "results without rectangles are never deduped against each other")
}

func TestRankAndDedupOrdersByScoreFirst(t *testing.T) {
	low := Result{ID: "low", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.2}
	high := Result{ID: "high", WorkbookID: "wb1", SheetName: "Sheet1", Score: 0.9}
	out := RankAndDedup([]Result{low, high}, 0.8)
	assert.Equal(t, "high", out[0].ID)
	assert.Equal(t, "low", out[1].ID)
}
