package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/plancache/sim/trace"
)

var lifecycleTracer = otel.Tracer("plancache.sim.lifecycle")

// Phase is a stage of the per-iteration state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseIterationStart
	PhaseSelection
	PhaseExecution
	PhaseIterationEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseIterationStart:
		return "iteration-start"
	case PhaseSelection:
		return "selection"
	case PhaseExecution:
		return "execution"
	case PhaseIterationEnd:
		return "iteration-end"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Selector chooses which plan an agent executes. It sees only PlanView
// metadata and must not call Materialize.
type Selector interface {
	Select(agent AgentID, plans []PlanView) int
}

// Executor consumes the materialized content of an agent's selected plan and
// returns the experienced score. It must not retain content after returning.
type Executor interface {
	Execute(ctx context.Context, agent AgentID, content *PlanContent) (float64, error)
}

// IterationObserver is implemented by executors that keep per-iteration
// state. The orchestrator calls it when an iteration starts, before any
// Execute of that iteration.
type IterationObserver interface {
	BeginIteration(iteration int)
}

// Pruner picks plans to delete when an agent holds too many. Returned indices
// must not include the selected plan.
type Pruner interface {
	PlansToRemove(plans []PlanView) []int
}

// IterationStats summarizes one completed iteration.
type IterationStats struct {
	Iteration           int
	Agents              int
	Materializations    uint64
	Evictions           uint64
	Pressure            uint64
	MetadataFlushes     int
	PrunedPlans         int
	MeanSelectedScore   float64 // over agents with a defined selected score
	MedianSelectedScore float64
	Duration            time.Duration
}

// Orchestrator drives the population through iterations of four phases:
//
//	Idle → IterationStart → Selection → Execution → IterationEnd → Idle
//
// Each phase is entered through a checked transition; invariants are asserted
// at phase boundaries, which are barriers (all workers joined).
type Orchestrator struct {
	cache    *PlanCache
	pop      *Population
	selector Selector
	executor Executor
	pruner   Pruner
	cfg      LifecycleConfig

	phase     Phase
	iteration int
	started   time.Time
	startMat  uint64
	startEvi  uint64
	startPres uint64
	pruned    int
	stats     []IterationStats
}

// NewOrchestrator creates an orchestrator. Panics on nil collaborators.
func NewOrchestrator(pc *PlanCache, pop *Population, selector Selector, executor Executor, cfg LifecycleConfig) *Orchestrator {
	if pc == nil || pop == nil || selector == nil || executor == nil {
		panic("Orchestrator: cache, population, selector and executor must not be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = 1
	}
	return &Orchestrator{
		cache:    pc,
		pop:      pop,
		selector: selector,
		executor: executor,
		cfg:      cfg,
	}
}

// SetPruner installs a plan pruning policy applied at the start of selection.
func (o *Orchestrator) SetPruner(p Pruner) {
	o.pruner = p
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Stats returns per-iteration statistics of completed iterations.
func (o *Orchestrator) Stats() []IterationStats {
	return o.stats
}

func (o *Orchestrator) transition(from, to Phase) error {
	if o.phase != from {
		return fmt.Errorf("%w: cannot enter %s from %s (expected %s)", ErrPhaseOrder, to, o.phase, from)
	}
	o.phase = to
	logrus.Debugf("iteration %d: %s", o.iteration, to)
	return nil
}

func (o *Orchestrator) assertNoneMaterialized(where string) error {
	if n := o.cache.ctrl.Materialized(); n != 0 {
		return fmt.Errorf("%w: %d plans materialized at %s of iteration %d", ErrInvariantViolation, n, where, o.iteration)
	}
	return nil
}

// BeginIteration enters the iteration-start phase and checks that no plan is materialized.
func (o *Orchestrator) BeginIteration(ctx context.Context, iteration int) error {
	if err := o.transition(PhaseIdle, PhaseIterationStart); err != nil {
		return err
	}
	o.iteration = iteration
	o.started = time.Now()
	o.startMat = o.cache.ctrl.TotalMaterializations()
	o.startEvi = o.cache.ctrl.TotalEvictions()
	o.startPres = o.cache.ctrl.TotalPressure()
	o.pruned = 0
	if err := o.assertNoneMaterialized("start"); err != nil {
		return err
	}
	if obs, ok := o.executor.(IterationObserver); ok {
		obs.BeginIteration(iteration)
	}
	return nil
}

// RunSelection prunes (if configured) and lets the selector pick a plan for
// every agent. Fails if anything was materialized during the phase.
func (o *Orchestrator) RunSelection(ctx context.Context) error {
	if err := o.transition(PhaseIterationStart, PhaseSelection); err != nil {
		return err
	}
	before := o.cache.ctrl.TotalMaterializations()
	for _, a := range o.pop.Agents() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.pruner != nil {
			if err := o.prune(ctx, a); err != nil {
				return err
			}
		}
		if err := a.Select(o.selector.Select(a.ID, a.Views())); err != nil {
			return err
		}
	}
	if after := o.cache.ctrl.TotalMaterializations(); after != before {
		return fmt.Errorf("%w: %d materializations during selection", ErrInvariantViolation, after-before)
	}
	return nil
}

func (o *Orchestrator) prune(ctx context.Context, a *Agent) error {
	remove := o.pruner.PlansToRemove(a.Views())
	if len(remove) == 0 {
		return nil
	}
	ids := make([]PlanID, 0, len(remove))
	for _, idx := range remove {
		ids = append(ids, a.plans[idx].PlanID())
	}
	for _, id := range ids {
		if err := o.cache.RemovePlan(ctx, a, id); err != nil {
			return err
		}
		o.pruned++
	}
	return nil
}

// RunExecution materializes and executes the selected plan of every agent on
// cfg.Workers workers. Agents run in batches of cfg.Workers; each batch shares
// one recency tick. The first failure cancels the remaining work.
func (o *Orchestrator) RunExecution(ctx context.Context) error {
	if err := o.transition(PhaseSelection, PhaseExecution); err != nil {
		return err
	}
	agents := o.pop.Agents()
	for start := 0; start < len(agents); start += o.cfg.Workers {
		end := min(start+o.cfg.Workers, len(agents))
		if err := o.executeBatch(ctx, agents[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) executeBatch(ctx context.Context, batch []*Agent) error {
	o.cache.ctrl.BeginBatch()
	defer o.cache.ctrl.EndBatch()
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range batch {
		a := a
		g.Go(func() error {
			return o.executeAgent(gctx, a)
		})
	}
	return g.Wait()
}

// executeAgent runs one agent inside a pin window. On failure the proxy is
// unpinned and dematerialized before the error propagates.
func (o *Orchestrator) executeAgent(ctx context.Context, a *Agent) error {
	plan := a.SelectedPlan()
	if plan == nil {
		return fmt.Errorf("%w: agent %s has no selected plan", ErrInvariantViolation, a.ID)
	}
	proxy, ok := plan.(*PlanProxy)
	if !ok {
		content, err := plan.Materialize(ctx)
		if err != nil {
			return err
		}
		experienced, err := o.executor.Execute(ctx, a.ID, content)
		if err != nil {
			return fmt.Errorf("execute agent %s: %w", a.ID, err)
		}
		plan.SetScore(blendScore(plan.Score(), experienced, o.cfg.LearningRate))
		return nil
	}
	return o.cache.ctrl.WithPinned(ctx, proxy, func(content *PlanContent) error {
		experienced, err := o.executor.Execute(ctx, a.ID, content)
		if err != nil {
			return &PlanError{Op: "execute", Agent: a.ID, Plan: proxy.planID, Err: err}
		}
		proxy.SetScore(blendScore(proxy.Score(), experienced, o.cfg.LearningRate))
		return nil
	})
}

// blendScore applies the learning rate; an undefined old score is replaced.
func blendScore(old, experienced, rate float64) float64 {
	if IsUndefinedScore(old) {
		return experienced
	}
	return (1-rate)*old + rate*experienced
}

// EndIteration dematerializes every remaining proxy with persistence
// regardless of pins, flushes pending metadata, and asserts that nothing is
// left materialized before returning to idle.
func (o *Orchestrator) EndIteration(ctx context.Context) error {
	if err := o.transition(PhaseExecution, PhaseIterationEnd); err != nil {
		return err
	}
	if err := o.cache.ctrl.ReleaseAll(ctx); err != nil {
		return fmt.Errorf("release materialized plans: %w", err)
	}
	flushed, err := o.flushMetadata(ctx)
	if err != nil {
		return err
	}
	if err := o.assertNoneMaterialized("end"); err != nil {
		return err
	}

	scores := selectedScores(o.pop)
	st := IterationStats{
		Iteration:           o.iteration,
		Agents:              o.pop.Len(),
		Materializations:    o.cache.ctrl.TotalMaterializations() - o.startMat,
		Evictions:           o.cache.ctrl.TotalEvictions() - o.startEvi,
		Pressure:            o.cache.ctrl.TotalPressure() - o.startPres,
		MetadataFlushes:     flushed,
		PrunedPlans:         o.pruned,
		MeanSelectedScore:   CalculateMean(scores),
		MedianSelectedScore: CalculatePercentile(scores, 50),
		Duration:            time.Since(o.started),
	}
	o.stats = append(o.stats, st)
	o.cache.trace.RecordIteration(trace.IterationRecord{
		Iteration:        st.Iteration,
		Materializations: st.Materializations,
		Evictions:        st.Evictions,
		Pressure:         st.Pressure,
		MetadataFlushes:  uint64(st.MetadataFlushes),
	})
	o.phase = PhaseIdle
	logrus.Infof("iteration %d done: %d materializations, %d evictions, %d metadata flushes, mean score %.4f (%s)",
		st.Iteration, st.Materializations, st.Evictions, st.MetadataFlushes, st.MeanSelectedScore, st.Duration)
	return nil
}

// flushMetadata persists deferred score/selection changes of unmaterialized proxies.
func (o *Orchestrator) flushMetadata(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	counts := make([]int, o.cfg.Workers)
	agents := o.pop.Agents()
	for w := 0; w < o.cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(agents); i += o.cfg.Workers {
				for _, p := range agents[i].plans {
					proxy, ok := p.(*PlanProxy)
					if !ok || !proxy.IsDirty() {
						continue
					}
					if err := proxy.Flush(gctx); err != nil {
						return err
					}
					counts[w]++
				}
			}
			return nil
		})
	}
	err := g.Wait()
	total := 0
	for _, c := range counts {
		total += c
	}
	if err != nil {
		return total, fmt.Errorf("flush metadata: %w", err)
	}
	return total, nil
}

// abort restores the invariants after a failed phase: every pin is cleared and
// every materialized proxy is dematerialized with persistence. The
// orchestrator returns to idle so the caller may decide whether to continue.
func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	failed := o.phase
	releaseErr := o.cache.ctrl.ReleaseAll(context.WithoutCancel(ctx))
	o.phase = PhaseIdle
	if releaseErr != nil {
		logrus.Errorf("iteration %d: restoring invariants after failure: %v", o.iteration, releaseErr)
	}
	return errors.Join(fmt.Errorf("iteration %d aborted in %s: %w", o.iteration, failed, cause), releaseErr)
}

// RunIteration runs all four phases of one iteration. On failure the
// invariants are restored before the error is returned.
func (o *Orchestrator) RunIteration(ctx context.Context, iteration int) error {
	ctx, span := lifecycleTracer.Start(ctx, "iteration",
		oteltrace.WithAttributes(attribute.Int("iteration", iteration), attribute.Int("agents", o.pop.Len())))
	defer span.End()

	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"iteration-start", func(ctx context.Context) error { return o.BeginIteration(ctx, iteration) }},
		{"selection", o.RunSelection},
		{"execution", o.RunExecution},
		{"iteration-end", o.EndIteration},
	}
	for _, ph := range phases {
		pctx, pspan := lifecycleTracer.Start(ctx, ph.name)
		err := ph.run(pctx)
		if err != nil {
			pspan.RecordError(err)
			pspan.SetStatus(codes.Error, ph.name+" failed")
		}
		pspan.End()
		if err != nil {
			if errors.Is(err, ErrPhaseOrder) {
				span.SetStatus(codes.Error, "phase order")
				return err
			}
			err = o.abort(ctx, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, ph.name+" failed")
			return err
		}
	}
	return nil
}

// Run executes iterations [0, n). Stops at the first failed iteration;
// earlier iterations remain persisted.
func (o *Orchestrator) Run(ctx context.Context, n int) error {
	for it := 0; it < n; it++ {
		if err := o.RunIteration(ctx, it); err != nil {
			return err
		}
	}
	return nil
}
