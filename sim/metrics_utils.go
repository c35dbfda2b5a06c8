package sim

import (
	"math"
	"sort"
)

type IntOrFloat64 interface {
	int | int64 | float64
}

// CalculatePercentile returns the p-th percentile of data, linearly
// interpolated between ranks. data must be sorted ascending. Returns 0 for
// empty data.
func CalculatePercentile[T IntOrFloat64](data []T, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))
	if upperIdx >= n {
		return float64(data[n-1])
	}
	if lowerIdx == upperIdx {
		return float64(data[lowerIdx])
	}
	lowerVal, upperVal := float64(data[lowerIdx]), float64(data[upperIdx])
	return lowerVal + (upperVal-lowerVal)*(rank-float64(lowerIdx))
}

// CalculateMean returns the arithmetic mean of numbers, 0 when empty.
func CalculateMean[T IntOrFloat64](numbers []T) float64 {
	if len(numbers) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, number := range numbers {
		sum += float64(number)
	}
	return sum / float64(len(numbers))
}

// selectedScores returns the defined scores of every agent's selected plan,
// sorted ascending.
func selectedScores(pop *Population) []float64 {
	scores := make([]float64, 0, pop.Len())
	for _, a := range pop.Agents() {
		p := a.SelectedPlan()
		if p == nil || IsUndefinedScore(p.Score()) {
			continue
		}
		scores = append(scores, p.Score())
	}
	sort.Float64s(scores)
	return scores
}
