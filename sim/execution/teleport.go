// Package execution provides a minimal execution engine: every leg is
// teleported at a fixed mode speed and the day is scored from time spent
// performing activities versus traveling. It is a reference collaborator for
// the orchestrator, not a traffic simulation.
package execution

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/inference-sim/plancache/sim"
)

// DayEnd is the end of the simulated day in seconds after midnight.
const DayEnd int64 = 24 * 3600

// ModeParams configures one transport mode.
type ModeParams struct {
	Speed          float64 // meters per second
	UtilityPerHour float64 // marginal utility of traveling (usually negative)
	DistanceFactor float64 // beeline-to-network distance factor for unrouted legs
}

// ScoringParams configures the Teleporter.
type ScoringParams struct {
	PerformingPerHour  float64 // marginal utility of performing an activity
	LateArrivalPerHour float64 // penalty per hour of activity start after its planned start (negative)
	Modes              map[string]ModeParams
}

// DefaultScoringParams returns car/pt/bike/walk defaults.
func DefaultScoringParams() ScoringParams {
	return ScoringParams{
		PerformingPerHour:  6,
		LateArrivalPerHour: -18,
		Modes: map[string]ModeParams{
			"car":  {Speed: 13.9, UtilityPerHour: -6, DistanceFactor: 1.3},
			"pt":   {Speed: 8.3, UtilityPerHour: -6, DistanceFactor: 1.3},
			"bike": {Speed: 4.2, UtilityPerHour: -9, DistanceFactor: 1.3},
			"walk": {Speed: 1.4, UtilityPerHour: -12, DistanceFactor: 1.3},
		},
	}
}

// Teleporter implements sim.Executor. Execute is safe for concurrent use;
// BeginIteration must not overlap it.
type Teleporter struct {
	params ScoringParams
	noise  *scoreNoise
}

// scoreNoise perturbs executed scores with N(0, sigma²). Each draw is seeded
// from (simulation key, iteration, agent) only, so scores do not depend on
// the worker count or scheduling.
type scoreNoise struct {
	sigma    float64
	rng      *sim.PartitionedRNG
	iterSeed int64
}

// NewTeleporter creates a Teleporter. Panics on a mode with non-positive speed.
func NewTeleporter(params ScoringParams) *Teleporter {
	for name, m := range params.Modes {
		if m.Speed <= 0 {
			panic(fmt.Sprintf("execution: mode %q speed must be positive, got %v", name, m.Speed))
		}
	}
	return &Teleporter{params: params}
}

// WithScoreNoise enables normal noise with standard deviation sigma on every
// executed score and returns tp. sigma <= 0 disables noise.
func (tp *Teleporter) WithScoreNoise(sigma float64, rng *sim.PartitionedRNG) *Teleporter {
	if sigma <= 0 || rng == nil {
		tp.noise = nil
		return tp
	}
	tp.noise = &scoreNoise{sigma: sigma, rng: rng}
	tp.BeginIteration(0)
	return tp
}

// BeginIteration reseeds score noise for iteration. No-op without noise.
func (tp *Teleporter) BeginIteration(iteration int) {
	if tp.noise == nil {
		return
	}
	tp.noise.iterSeed = tp.noise.rng.SeedFor(sim.SubsystemIteration(sim.SubsystemExecution, iteration))
}

func (n *scoreNoise) draw(agent sim.AgentID) float64 {
	h := fnv.New64a()
	h.Write([]byte(agent))
	r := rand.New(rand.NewSource(n.iterSeed ^ int64(h.Sum64())))
	return n.sigma * r.NormFloat64()
}

// Execute walks the plan's timeline and returns its score. The content is
// read only.
func (tp *Teleporter) Execute(ctx context.Context, agent sim.AgentID, content *sim.PlanContent) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := content.Validate(); err != nil {
		return 0, fmt.Errorf("agent %s: %w", agent, err)
	}

	score, err := tp.score(agent, content.Elements)
	if err != nil {
		return 0, err
	}
	if tp.noise != nil {
		score += tp.noise.draw(agent)
	}
	return score, nil
}

func (tp *Teleporter) score(agent sim.AgentID, els []sim.PlanElement) (float64, error) {
	if len(els) == 1 {
		return tp.perform(float64(DayEnd)), nil
	}
	first := els[0].Activity
	now := first.EndTime
	if now == sim.UndefinedTime {
		now = durationOr(first.MaxDuration, 0)
	}
	score := tp.perform(float64(now))

	for i := 1; i < len(els); i += 2 {
		leg, prev, next := els[i].Leg, els[i-1].Activity, els[i+1].Activity
		mode, ok := tp.params.Modes[leg.Mode]
		if !ok {
			return 0, fmt.Errorf("agent %s: unknown mode %q", agent, leg.Mode)
		}
		if leg.DepartureTime != sim.UndefinedTime && leg.DepartureTime > now {
			now = leg.DepartureTime
		}
		travel := travelSeconds(leg, prev, next, mode)
		score += mode.UtilityPerHour * travel / 3600
		arrival := now + int64(math.Round(travel))

		var end int64
		switch {
		case i+1 == len(els)-1:
			end = max(DayEnd, arrival)
		case next.EndTime != sim.UndefinedTime:
			end = max(next.EndTime, arrival)
		default:
			end = arrival + durationOr(next.MaxDuration, 0)
		}
		if next.StartTime != sim.UndefinedTime && arrival > next.StartTime {
			score += tp.params.LateArrivalPerHour * float64(arrival-next.StartTime) / 3600
		}
		score += tp.perform(float64(end - arrival))
		now = end
	}
	return score, nil
}

func (tp *Teleporter) perform(seconds float64) float64 {
	return tp.params.PerformingPerHour * seconds / 3600
}

// travelSeconds uses the leg's recorded travel time, else the route distance,
// else the beeline distance between the two activities.
func travelSeconds(leg *sim.Leg, from, to *sim.Activity, mode ModeParams) float64 {
	if leg.TravelTime != sim.UndefinedTime {
		return float64(leg.TravelTime)
	}
	if leg.Route != nil && leg.Route.Distance > 0 {
		return leg.Route.Distance / mode.Speed
	}
	beeline := math.Hypot(to.X-from.X, to.Y-from.Y)
	return beeline * mode.DistanceFactor / mode.Speed
}

func durationOr(d, fallback int64) int64 {
	if d == sim.UndefinedTime {
		return fallback
	}
	return d
}
