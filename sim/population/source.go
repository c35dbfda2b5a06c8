// Package population provides sim.PopulationSource implementations: an
// in-memory slice source and a deterministic synthetic generator.
package population

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/inference-sim/plancache/sim"
)

// SliceSource yields pre-built agents in order. Each agent is handed out once
// and the source drops its reference, so ingested plans can be collected.
type SliceSource struct {
	agents []*sim.SourceAgent
	next   int
}

// NewSliceSource creates a source over agents.
func NewSliceSource(agents ...*sim.SourceAgent) *SliceSource {
	return &SliceSource{agents: agents}
}

// Next implements sim.PopulationSource.
func (s *SliceSource) Next(ctx context.Context) (*sim.SourceAgent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.agents) {
		return nil, io.EOF
	}
	a := s.agents[s.next]
	s.agents[s.next] = nil
	s.next++
	return a, nil
}

// SyntheticConfig configures SyntheticSource.
type SyntheticConfig struct {
	Agents        int
	PlansPerAgent int
	Seed          int64
	AreaMeters    float64 // side of the square study area; 0 means 20 km
}

// Validate checks the configuration.
func (c SyntheticConfig) Validate() error {
	if c.Agents < 0 {
		return fmt.Errorf("agents must be >= 0, got %d", c.Agents)
	}
	if c.PlansPerAgent < 1 {
		return fmt.Errorf("plans per agent must be >= 1, got %d", c.PlansPerAgent)
	}
	if c.AreaMeters < 0 {
		return fmt.Errorf("area must be >= 0, got %v", c.AreaMeters)
	}
	return nil
}

var (
	synthModes      = []string{"car", "pt", "bike", "walk"}
	synthSecondary  = []string{"shop", "leisure", "errand"}
	defaultAreaSide = 20000.0
)

// SyntheticSource generates home-work-home style agents, with optional
// secondary activities, deterministically from a seed. The first plan of each
// agent is selected; all plans start unscored.
// Not safe for concurrent use.
type SyntheticSource struct {
	cfg       SyntheticConfig
	rng       *rand.Rand
	generated int
}

// NewSyntheticSource creates a generator. Panics on an invalid config.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("NewSyntheticSource: %v", err))
	}
	if cfg.AreaMeters == 0 {
		cfg.AreaMeters = defaultAreaSide
	}
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed)).ForSubsystem(sim.SubsystemPopulation)
	return &SyntheticSource{cfg: cfg, rng: rng}
}

// AgentID returns the id of the i-th generated agent.
func AgentID(i int) sim.AgentID {
	return sim.AgentID(fmt.Sprintf("agent-%07d", i))
}

// Next implements sim.PopulationSource.
func (s *SyntheticSource) Next(ctx context.Context) (*sim.SourceAgent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.generated >= s.cfg.Agents {
		return nil, io.EOF
	}
	id := AgentID(s.generated)
	s.generated++

	hx, hy := s.point()
	wx, wy := s.point()
	plans := make([]*sim.Plan, s.cfg.PlansPerAgent)
	for i := range plans {
		plans[i] = sim.NewPlan(s.plan(hx, hy, wx, wy)).WithSelected(i == 0)
	}
	return &sim.SourceAgent{ID: id, Plans: plans}, nil
}

func (s *SyntheticSource) point() (float64, float64) {
	return s.rng.Float64() * s.cfg.AreaMeters, s.rng.Float64() * s.cfg.AreaMeters
}

func (s *SyntheticSource) mode() string {
	return synthModes[s.rng.Intn(len(synthModes))]
}

// plan builds home → work [→ secondary] → home. Leg times are left undefined
// so the executor derives them.
func (s *SyntheticSource) plan(hx, hy, wx, wy float64) *sim.PlanContent {
	leaveHome := int64(6*3600 + s.rng.Intn(3*3600))
	leaveWork := leaveHome + int64(7*3600+s.rng.Intn(2*3600))
	u := sim.UndefinedTime

	els := []sim.PlanElement{
		{Activity: &sim.Activity{Type: "home", LinkID: linkAt(hx, hy), X: hx, Y: hy, StartTime: u, EndTime: leaveHome, MaxDuration: u}},
		{Leg: &sim.Leg{Mode: s.mode(), DepartureTime: u, TravelTime: u}},
		{Activity: &sim.Activity{Type: "work", LinkID: linkAt(wx, wy), X: wx, Y: wy, StartTime: u, EndTime: leaveWork, MaxDuration: u}},
	}
	if s.rng.Intn(3) == 0 {
		sx, sy := s.point()
		els = append(els,
			sim.PlanElement{Leg: &sim.Leg{Mode: s.mode(), DepartureTime: u, TravelTime: u}},
			sim.PlanElement{Activity: &sim.Activity{
				Type: synthSecondary[s.rng.Intn(len(synthSecondary))], LinkID: linkAt(sx, sy), X: sx, Y: sy,
				StartTime: u, EndTime: u, MaxDuration: int64(1800 + s.rng.Intn(5400)),
			}},
		)
	}
	els = append(els,
		sim.PlanElement{Leg: &sim.Leg{Mode: s.mode(), DepartureTime: u, TravelTime: u}},
		sim.PlanElement{Activity: &sim.Activity{Type: "home", LinkID: linkAt(hx, hy), X: hx, Y: hy, StartTime: u, EndTime: u, MaxDuration: u}},
	)
	return &sim.PlanContent{Type: "synthetic", Elements: els}
}

// linkAt names the 500 m grid cell containing (x, y).
func linkAt(x, y float64) string {
	return fmt.Sprintf("cell-%d-%d", int(x/500), int(y/500))
}
