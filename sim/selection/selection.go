// Package selection provides plan selectors and pruning policies. Both work
// only on sim.PlanView metadata and never materialize plan content.
package selection

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/inference-sim/plancache/sim"
)

// Selector names accepted by New.
const (
	BestScoreName    = "best-score"
	ExpBetaName      = "exp-beta"
	RandomName       = "random"
	KeepSelectedName = "keep"
)

var validSelectors = map[string]bool{
	"":               true,
	BestScoreName:    true,
	ExpBetaName:      true,
	RandomName:       true,
	KeepSelectedName: true,
}

// IsValidSelector reports whether name is a recognized selector. Empty means exp-beta.
func IsValidSelector(name string) bool {
	return validSelectors[name]
}

// ValidSelectorNames returns the recognized names in sorted order, excluding "".
func ValidSelectorNames() []string {
	names := make([]string, 0, len(validSelectors))
	for n := range validSelectors {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// New creates the named selector. rng is used by stochastic selectors and must
// only be used from the selection phase's goroutine.
// Panics on unrecognized names.
func New(name string, beta float64, rng *rand.Rand) sim.Selector {
	if !IsValidSelector(name) {
		panic(fmt.Sprintf("unknown selector %q", name))
	}
	switch name {
	case BestScoreName:
		return BestScore{}
	case RandomName:
		return &Random{rng: rng}
	case KeepSelectedName:
		return KeepSelected{}
	default:
		return &ExpBeta{Beta: beta, rng: rng}
	}
}

// firstUnscored returns the index of the first plan without a score, or -1.
// Selectors try unscored plans before exploiting scores.
func firstUnscored(plans []sim.PlanView) int {
	for i, p := range plans {
		if sim.IsUndefinedScore(p.Score()) {
			return i
		}
	}
	return -1
}

// BestScore picks the highest-scored plan; ties go to the lowest index.
type BestScore struct{}

// Select implements sim.Selector.
func (BestScore) Select(_ sim.AgentID, plans []sim.PlanView) int {
	if i := firstUnscored(plans); i >= 0 {
		return i
	}
	best := 0
	for i := 1; i < len(plans); i++ {
		if plans[i].Score() > plans[best].Score() {
			best = i
		}
	}
	return best
}

// ExpBeta samples plan i with probability proportional to exp(Beta * score_i)
// (a multinomial logit). Beta = 0 is uniform; large Beta approaches BestScore.
type ExpBeta struct {
	Beta float64
	rng  *rand.Rand
}

// Select implements sim.Selector.
func (s *ExpBeta) Select(_ sim.AgentID, plans []sim.PlanView) int {
	if i := firstUnscored(plans); i >= 0 {
		return i
	}
	if len(plans) == 1 {
		return 0
	}
	maxScore := math.Inf(-1)
	for _, p := range plans {
		maxScore = math.Max(maxScore, p.Score())
	}
	weights := make([]float64, len(plans))
	total := 0.0
	for i, p := range plans {
		// shifted by the max so the largest weight is exp(0) = 1
		weights[i] = math.Exp(s.Beta * (p.Score() - maxScore))
		total += weights[i]
	}
	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(plans) - 1
}

// Random picks a plan uniformly.
type Random struct {
	rng *rand.Rand
}

// Select implements sim.Selector.
func (s *Random) Select(_ sim.AgentID, plans []sim.PlanView) int {
	return s.rng.Intn(len(plans))
}

// KeepSelected keeps the current selection (first plan if none is selected).
type KeepSelected struct{}

// Select implements sim.Selector.
func (KeepSelected) Select(_ sim.AgentID, plans []sim.PlanView) int {
	for i, p := range plans {
		if p.IsSelected() {
			return i
		}
	}
	return 0
}

// WorstPlanRemover implements sim.Pruner. It keeps at most MaxPlans plans per
// agent by removing the lowest-scored non-selected plans. Unscored plans are
// kept until they have been tried. MaxPlans <= 0 disables pruning.
type WorstPlanRemover struct {
	MaxPlans int
}

// PlansToRemove implements sim.Pruner.
func (r WorstPlanRemover) PlansToRemove(plans []sim.PlanView) []int {
	excess := len(plans) - r.MaxPlans
	if r.MaxPlans <= 0 || excess <= 0 {
		return nil
	}
	var candidates []int
	for i, p := range plans {
		if p.IsSelected() || sim.IsUndefinedScore(p.Score()) {
			continue
		}
		candidates = append(candidates, i)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return plans[candidates[a]].Score() < plans[candidates[b]].Score()
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}
	return candidates
}
