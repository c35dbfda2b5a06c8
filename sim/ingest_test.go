package sim

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceOf(agents ...*SourceAgent) *sliceSource {
	return &sliceSource{agents: agents}
}

func scoredPlans(tag string, scores ...float64) []*Plan {
	plans := make([]*Plan, len(scores))
	for i, s := range scores {
		plans[i] = NewPlan(testContent(tag)).WithScore(s).WithSelected(i == 0)
	}
	return plans
}

func TestIngest_MixedPlanCounts_PersistsEveryPlan(t *testing.T) {
	// GIVEN agents holding one, two and three scored plans
	pc, st := newTestCache(t, 4, CacheOptions{})
	src := sourceOf(
		&SourceAgent{ID: "a1", Plans: scoredPlans("a1", 100)},
		&SourceAgent{ID: "a2", Plans: scoredPlans("a2", 100, 90)},
		&SourceAgent{ID: "a3", Plans: scoredPlans("a3", 100, 90, 80)},
	)
	pop := NewPopulation()

	// WHEN ingested
	stats, err := Ingest(context.Background(), src, pc, pop)
	require.NoError(t, err)

	// THEN every plan is in the store and attached as an unmaterialized proxy
	assert.Equal(t, IngestStats{Agents: 3, Plans: 6, AssignedIDs: 6}, stats)
	assert.Equal(t, 6, st.len())
	assert.Equal(t, 3, pop.Len())
	assert.Equal(t, 6, pop.PlanCount())
	assert.Equal(t, 0, pop.MaterializedCount())
	assert.Equal(t, uint64(0), pc.Controller().TotalMaterializations())
	a3 := pop.Agent("a3")
	require.NotNil(t, a3)
	assert.Equal(t, []float64{100, 90, 80}, []float64{a3.Plans()[0].Score(), a3.Plans()[1].Score(), a3.Plans()[2].Score()})
	assert.Equal(t, 0, a3.SelectedIndex())
	for _, p := range a3.Plans() {
		_, ok := p.(*PlanProxy)
		assert.True(t, ok)
	}

	// AND at most one source agent's plans were held at any time
	assert.Equal(t, 0, src.leakedPlans)
}

func TestIngest_PreassignedIDs_Kept(t *testing.T) {
	pc, st := newTestCache(t, 4, CacheOptions{})
	plans := []*Plan{
		NewPlan(testContent("x")).WithID(500).WithSelected(true),
		NewPlan(testContent("x")),
	}
	pop := NewPopulation()

	stats, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "x", Plans: plans}), pc, pop)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AssignedIDs)
	got := pop.Agent("x").Plans()
	assert.Equal(t, PlanID(500), got[0].PlanID())
	assert.NotEqual(t, NoPlanID, got[1].PlanID())
	ids, err := st.ListPlanIDs(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []PlanID{500, got[1].PlanID()}, ids)
}

func TestIngest_PreassignedIDCollidesWithSequence_AllocatesDistinctIDs(t *testing.T) {
	tests := []struct {
		name  string
		order []string // "pre" for the plan pre-assigned id 1, "new" for an unassigned plan
	}{
		{"pre-assigned first", []string{"pre", "new"}},
		{"pre-assigned last", []string{"new", "pre"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN an agent whose pre-assigned id equals the next id the store sequence hands out
			pc, st := newTestCache(t, 4, CacheOptions{})
			var plans []*Plan
			for _, kind := range tt.order {
				p := NewPlan(testContent(kind))
				if kind == "pre" {
					p.WithID(1)
				}
				plans = append(plans, p)
			}
			plans[0].WithSelected(true)
			pop := NewPopulation()

			// WHEN ingested
			stats, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "x", Plans: plans}), pc, pop)
			require.NoError(t, err)

			// THEN both plans have distinct ids and separate store entries
			assert.Equal(t, 1, stats.AssignedIDs)
			assert.Equal(t, 2, st.len())
			got := pop.Agent("x").Plans()
			require.Len(t, got, 2)
			assert.NotEqual(t, got[0].PlanID(), got[1].PlanID())

			// AND each proxy materializes its own content
			for i, kind := range tt.order {
				content, err := got[i].Materialize(context.Background())
				require.NoError(t, err)
				assert.Equal(t, kind, content.Elements[0].Activity.Type)
				if kind == "pre" {
					assert.Equal(t, PlanID(1), got[i].PlanID())
				}
			}
		})
	}
}

func TestIngest_FreshIDAlreadyStored_IsSkipped(t *testing.T) {
	// GIVEN a store already holding plan 1 for agent "x" under a pre-assigned id
	pc, st := newTestCache(t, 4, CacheOptions{})
	_, err := pc.Persist(context.Background(), "x", NewPlan(testContent("old")).WithID(1))
	require.NoError(t, err)

	// WHEN another plan for "x" is persisted without an id
	proxy, err := pc.Persist(context.Background(), "x", NewPlan(testContent("new")))
	require.NoError(t, err)

	// THEN it receives a different id and the first entry is intact
	assert.NotEqual(t, PlanID(1), proxy.PlanID())
	assert.Equal(t, 2, st.len())
	old := pc.NewProxy("x", 1, PlanMeta{Score: UndefinedScore()})
	content, err := old.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", content.Elements[0].Activity.Type)
}

func TestIngest_DuplicatePreassignedIDs_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, pc *PlanCache)
		plans   func() []*Plan
		wantLen int
	}{
		{
			name:  "repeated within the agent",
			setup: func(*testing.T, *PlanCache) {},
			plans: func() []*Plan {
				return []*Plan{
					NewPlan(testContent("a")).WithID(7).WithSelected(true),
					NewPlan(testContent("b")).WithID(7),
				}
			},
			wantLen: 0,
		},
		{
			name: "already stored for the agent",
			setup: func(t *testing.T, pc *PlanCache) {
				_, err := pc.Persist(context.Background(), "x", NewPlan(testContent("old")).WithID(7))
				require.NoError(t, err)
			},
			plans: func() []*Plan {
				return []*Plan{NewPlan(testContent("a")).WithID(7).WithSelected(true)}
			},
			wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, st := newTestCache(t, 4, CacheOptions{})
			tt.setup(t, pc)

			_, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "x", Plans: tt.plans()}), pc, NewPopulation())

			assert.ErrorIs(t, err, ErrDuplicatePlanID)
			assert.Equal(t, tt.wantLen, st.len(), "nothing is written for the rejected agent")
		})
	}
}

func TestIngest_DuplicateAgent_LeavesStoreUntouched(t *testing.T) {
	// GIVEN a source yielding the same agent id twice
	pc, st := newTestCache(t, 4, CacheOptions{})
	src := sourceOf(
		&SourceAgent{ID: "d", Plans: scoredPlans("first", 10)},
		&SourceAgent{ID: "d", Plans: scoredPlans("second", 20, 30)},
	)
	pop := NewPopulation()

	// WHEN ingested
	_, err := Ingest(context.Background(), src, pc, pop)

	// THEN the duplicate is rejected before any of its plans reach the store
	require.ErrorIs(t, err, ErrDuplicateAgent)
	assert.Equal(t, 1, st.len())
	ids, err := st.ListPlanIDs(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	content, err := pop.Agent("d").Plans()[0].Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", content.Elements[0].Activity.Type)
}

func TestIngest_RepairsSelection(t *testing.T) {
	tests := []struct {
		name         string
		selected     []bool
		wantIndex    int
		wantRepaired int
	}{
		{"exactly one", []bool{false, true, false}, 1, 0},
		{"none selects first", []bool{false, false}, 0, 1},
		{"several keep first", []bool{false, true, true}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, st := newTestCache(t, 4, CacheOptions{})
			var plans []*Plan
			for _, sel := range tt.selected {
				plans = append(plans, NewPlan(testContent("r")).WithSelected(sel))
			}
			pop := NewPopulation()

			stats, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "r", Plans: plans}), pc, pop)
			require.NoError(t, err)

			a := pop.Agent("r")
			assert.Equal(t, tt.wantIndex, a.SelectedIndex())
			assert.Equal(t, tt.wantRepaired, stats.Reselected)
			selected := 0
			for _, p := range a.Plans() {
				meta, err := st.GetMetadata(context.Background(), "r", p.PlanID())
				require.NoError(t, err)
				if meta.Selected {
					selected++
				}
			}
			assert.Equal(t, 1, selected, "the store agrees on a single selected plan")
		})
	}
}

type failingSource struct{ err error }

func (s failingSource) Next(context.Context) (*SourceAgent, error) { return nil, s.err }

func TestIngest_Errors(t *testing.T) {
	invalid := NewPlan(&PlanContent{Elements: []PlanElement{{Leg: &Leg{Mode: "car"}}}})
	tests := []struct {
		name string
		src  PopulationSource
		want error
	}{
		{"source failure", failingSource{err: errInjected}, errInjected},
		{"agent without plans", sourceOf(&SourceAgent{ID: "e"}), nil},
		{"agent without id", sourceOf(&SourceAgent{Plans: scoredPlans("n", 1)}), nil},
		{"nil plan", sourceOf(&SourceAgent{ID: "e", Plans: []*Plan{NewPlan(testContent("e")).WithSelected(true), nil}}), nil},
		{"invalid content", sourceOf(&SourceAgent{ID: "e", Plans: []*Plan{invalid}}), nil},
		{"duplicate agent", sourceOf(
			&SourceAgent{ID: "d", Plans: scoredPlans("d", 1)},
			&SourceAgent{ID: "d", Plans: scoredPlans("d", 2)},
		), ErrDuplicateAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, _ := newTestCache(t, 4, CacheOptions{})
			_, err := Ingest(context.Background(), tt.src, pc, NewPopulation())
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestIngest_InvalidContent_ReportsPlanError(t *testing.T) {
	pc, st := newTestCache(t, 4, CacheOptions{})
	bad := NewPlan(&PlanContent{}).WithSelected(true)

	_, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "bad", Plans: []*Plan{bad}}), pc, NewPopulation())

	var pe *PlanError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, AgentID("bad"), pe.Agent)
	assert.Equal(t, 0, st.len())
}

func TestIngest_StoreFailure_Propagates(t *testing.T) {
	pc, st := newTestCache(t, 4, CacheOptions{})
	st.setFailPut(errInjected)

	_, err := Ingest(context.Background(), sourceOf(&SourceAgent{ID: "a", Plans: scoredPlans("a", 1)}), pc, NewPopulation())

	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, err, errInjected)
}

func TestIngest_CanceledContext(t *testing.T) {
	pc, _ := newTestCache(t, 4, CacheOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := Ingest(ctx, sourceOf(&SourceAgent{ID: "a", Plans: scoredPlans("a", 1)}), pc, NewPopulation())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, stats.Agents)
}

func TestIngest_EmptySource(t *testing.T) {
	pc, _ := newTestCache(t, 4, CacheOptions{})
	pop := NewPopulation()

	stats, err := Ingest(context.Background(), failingSource{err: io.EOF}, pc, pop)

	require.NoError(t, err)
	assert.Equal(t, IngestStats{}, stats)
	assert.Equal(t, 0, pop.Len())
}
