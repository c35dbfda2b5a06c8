package sim

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Agent is a simulated individual owning an ordered, non-empty set of plans,
// exactly one of which is selected.
type Agent struct {
	ID    AgentID
	plans []MutablePlan
}

// NewAgent creates an agent with the given plans.
func NewAgent(id AgentID, plans ...MutablePlan) *Agent {
	return &Agent{ID: id, plans: plans}
}

// Plans returns the agent's plans in order. The slice must not be modified.
func (a *Agent) Plans() []MutablePlan {
	return a.plans
}

// Views returns the plans as read-only views for selectors.
func (a *Agent) Views() []PlanView {
	views := make([]PlanView, len(a.plans))
	for i, p := range a.plans {
		views[i] = p
	}
	return views
}

// SelectedIndex returns the index of the selected plan, or -1.
func (a *Agent) SelectedIndex() int {
	for i, p := range a.plans {
		if p.IsSelected() {
			return i
		}
	}
	return -1
}

// SelectedPlan returns the selected plan, or nil.
func (a *Agent) SelectedPlan() MutablePlan {
	if i := a.SelectedIndex(); i >= 0 {
		return a.plans[i]
	}
	return nil
}

// Select marks plan idx as the only selected plan. Metadata only; never materializes.
func (a *Agent) Select(idx int) error {
	if idx < 0 || idx >= len(a.plans) {
		return fmt.Errorf("agent %s: select index %d out of range [0, %d)", a.ID, idx, len(a.plans))
	}
	for i, p := range a.plans {
		p.SetSelected(i == idx)
	}
	return nil
}

// MaterializedCount returns how many of the agent's plans hold resident content.
func (a *Agent) MaterializedCount() int {
	n := 0
	for _, p := range a.plans {
		if _, ok := p.(*PlanProxy); ok && p.IsMaterialized() {
			n++
		}
	}
	return n
}

func (a *Agent) indexOf(id PlanID) int {
	for i, p := range a.plans {
		if p.PlanID() == id {
			return i
		}
	}
	return -1
}

func (a *Agent) removeAt(idx int) {
	a.plans = append(a.plans[:idx], a.plans[idx+1:]...)
}

// Population is the live set of agents held by the simulation.
type Population struct {
	agents []*Agent
	index  map[AgentID]int
}

// NewPopulation creates an empty population.
func NewPopulation() *Population {
	return &Population{index: make(map[AgentID]int)}
}

// Add appends an agent. Agent ids must be unique.
func (pop *Population) Add(a *Agent) error {
	if _, exists := pop.index[a.ID]; exists {
		return fmt.Errorf("%w %q", ErrDuplicateAgent, a.ID)
	}
	pop.index[a.ID] = len(pop.agents)
	pop.agents = append(pop.agents, a)
	return nil
}

// Agent returns the agent with the given id, or nil.
func (pop *Population) Agent(id AgentID) *Agent {
	if i, ok := pop.index[id]; ok {
		return pop.agents[i]
	}
	return nil
}

// Agents returns all agents in insertion order. The slice must not be modified.
func (pop *Population) Agents() []*Agent {
	return pop.agents
}

// Len returns the number of agents.
func (pop *Population) Len() int {
	return len(pop.agents)
}

// PlanCount returns the total number of plans across all agents.
func (pop *Population) PlanCount() int {
	n := 0
	for _, a := range pop.agents {
		n += len(a.plans)
	}
	return n
}

// MaterializedCount scans every agent and counts materialized proxies.
// O(plans); intended for tests and diagnostics, not the hot path.
func (pop *Population) MaterializedCount() int {
	n := 0
	for _, a := range pop.agents {
		n += a.MaterializedCount()
	}
	return n
}

// RestorePopulation rebuilds the live population from the store after a
// restart. Only metadata is read; every plan comes back as an unmaterialized
// proxy. Agents are returned in store key order.
func RestorePopulation(ctx context.Context, pc *PlanCache) (*Population, error) {
	pop := NewPopulation()
	err := pc.store.ForEachAgent(ctx, func(id AgentID) error {
		ids, err := pc.store.ListPlanIDs(ctx, id)
		if err != nil {
			return fmt.Errorf("list plans of %s: %w", id, err)
		}
		plans := make([]MutablePlan, 0, len(ids))
		selected := 0
		for _, pid := range ids {
			meta, err := pc.store.GetMetadata(ctx, id, pid)
			if err != nil {
				return &PlanError{Op: "restore", Agent: id, Plan: pid, Err: err}
			}
			if meta.Selected {
				selected++
			}
			plans = append(plans, pc.NewProxy(id, pid, meta))
		}
		a := NewAgent(id, plans...)
		if selected != 1 && len(plans) > 0 {
			logrus.Warnf("restore: agent %s has %d selected plans; selecting the best-scored", id, selected)
			if err := a.Select(bestScoredIndex(a.plans)); err != nil {
				return err
			}
		}
		return pop.Add(a)
	})
	if err != nil {
		return nil, err
	}
	return pop, nil
}

// bestScoredIndex returns the index of the highest defined score (first plan if none).
func bestScoredIndex(plans []MutablePlan) int {
	idx := make([]int, len(plans))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		si, sj := plans[idx[i]].Score(), plans[idx[j]].Score()
		if IsUndefinedScore(sj) {
			return !IsUndefinedScore(si)
		}
		return !IsUndefinedScore(si) && si > sj
	})
	return idx[0]
}
