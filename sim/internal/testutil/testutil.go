// Package testutil provides assertion helpers shared by sim/ and its
// sub-package tests. It must not import sim, so package sim's internal tests
// can use it without an import cycle.
package testutil

import (
	"math"
	"testing"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertScoresEqual compares score slices element-wise with relative
// tolerance. NaN (an undefined score) only matches NaN.
func AssertScoresEqual(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("%s: got %d scores %v, want %d %v", name, len(got), got, len(want), want)
		return
	}
	for i := range want {
		if math.IsNaN(want[i]) || math.IsNaN(got[i]) {
			if math.IsNaN(want[i]) != math.IsNaN(got[i]) {
				t.Errorf("%s[%d]: got %v, want %v", name, i, got[i], want[i])
			}
			continue
		}
		AssertFloat64Equal(t, name, want[i], got[i], relTol)
	}
}
