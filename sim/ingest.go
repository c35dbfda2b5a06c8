package sim

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// SourceAgent is one agent with full plans as produced by a PopulationSource.
type SourceAgent struct {
	ID    AgentID
	Plans []*Plan
}

// PopulationSource streams agents one at a time. Next returns io.EOF when the
// source is exhausted. Ingest is the sole consumer.
type PopulationSource interface {
	Next(ctx context.Context) (*SourceAgent, error)
}

// IngestStats summarizes an ingestion pass.
type IngestStats struct {
	Agents      int
	Plans       int
	AssignedIDs int // plans that received a fresh plan id
	Reselected  int // agents whose selection had to be repaired
}

// Ingest streams agents from src into pop in a single pass. For each agent it
// assigns missing plan ids, persists every plan, fixes up the selection, and
// attaches unmaterialized proxies before the agent joins the population. The
// source agent's full plans are released before the next agent is pulled, so
// at most one agent's plan content is resident at a time.
func Ingest(ctx context.Context, src PopulationSource, pc *PlanCache, pop *Population) (IngestStats, error) {
	var stats IngestStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sa, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read agent %d from source: %w", stats.Agents, err)
		}
		if sa != nil && pop.Agent(sa.ID) != nil {
			return stats, fmt.Errorf("ingest: %w %q", ErrDuplicateAgent, sa.ID)
		}
		a, err := ingestAgent(ctx, sa, pc, &stats)
		if err != nil {
			return stats, err
		}
		if err := pop.Add(a); err != nil {
			return stats, err
		}
		stats.Agents++
		if stats.Agents%100000 == 0 {
			logrus.Infof("ingest: %d agents, %d plans", stats.Agents, stats.Plans)
		}
	}
	logrus.Infof("ingest complete: %d agents, %d plans (%d ids assigned)", stats.Agents, stats.Plans, stats.AssignedIDs)
	return stats, nil
}

func ingestAgent(ctx context.Context, sa *SourceAgent, pc *PlanCache, stats *IngestStats) (*Agent, error) {
	if sa == nil || sa.ID == "" {
		return nil, errors.New("ingest: source produced an agent without id")
	}
	if len(sa.Plans) == 0 {
		return nil, fmt.Errorf("ingest: agent %s has no plans", sa.ID)
	}
	if repairSelection(sa) {
		stats.Reselected++
		logrus.Debugf("ingest: repaired selection of agent %s", sa.ID)
	}

	reserved, err := reservePlanIDs(ctx, sa, pc)
	if err != nil {
		return nil, err
	}

	proxies := make([]MutablePlan, 0, len(sa.Plans))
	for i, plan := range sa.Plans {
		assigned := plan.id == NoPlanID
		if assigned {
			id, err := pc.allocatePlanID(ctx, sa.ID, reserved)
			if err != nil {
				return nil, err
			}
			plan.id = id
			reserved[id] = struct{}{}
		}
		proxy, err := pc.Persist(ctx, sa.ID, plan)
		if err != nil {
			return nil, err
		}
		if assigned {
			stats.AssignedIDs++
		}
		proxies = append(proxies, proxy)
		sa.Plans[i] = nil
		stats.Plans++
	}
	sa.Plans = nil
	return NewAgent(sa.ID, proxies...), nil
}

// reservePlanIDs collects the agent's pre-assigned plan ids so that freshly
// allocated ids avoid them. Ids repeated within the agent or already stored
// for it are rejected before anything is written.
func reservePlanIDs(ctx context.Context, sa *SourceAgent, pc *PlanCache) (map[PlanID]struct{}, error) {
	reserved := make(map[PlanID]struct{}, len(sa.Plans))
	for i, plan := range sa.Plans {
		if plan == nil {
			return nil, fmt.Errorf("ingest: agent %s plan %d is nil", sa.ID, i)
		}
		if plan.id == NoPlanID {
			continue
		}
		if _, dup := reserved[plan.id]; dup {
			return nil, &PlanError{Op: "ingest", Agent: sa.ID, Plan: plan.id, Err: ErrDuplicatePlanID}
		}
		stored, err := pc.planStored(ctx, sa.ID, plan.id)
		if err != nil {
			return nil, err
		}
		if stored {
			return nil, &PlanError{Op: "ingest", Agent: sa.ID, Plan: plan.id, Err: ErrDuplicatePlanID}
		}
		reserved[plan.id] = struct{}{}
	}
	return reserved, nil
}

// repairSelection ensures exactly one plan is selected: the first selected
// plan wins, or the first plan when none is. Reports whether anything changed.
func repairSelection(sa *SourceAgent) bool {
	first := -1
	changed := false
	for i, p := range sa.Plans {
		if p == nil || !p.selected {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		p.selected = false
		changed = true
	}
	if first < 0 && sa.Plans[0] != nil {
		sa.Plans[0].selected = true
		changed = true
	}
	return changed
}
