package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// PlanProxy is the always-resident stand-in for one persisted plan.
//
// Invariant fields (agent id, plan id, score, creation iteration, selected)
// never require a store read. Content is present only while materialized:
//
//	unmaterialized --Materialize (store read + decode)--> materialized
//	materialized --Dematerialize (optional persist)--> unmaterialized
//
// Metadata mutations are cached and persisted on the next Dematerialize(true),
// eviction, or Flush.
type PlanProxy struct {
	cache   *PlanCache
	agentID AgentID
	planID  PlanID

	mu           sync.Mutex
	score        float64
	iteration    int
	selected     bool
	content      *PlanContent // nil while unmaterialized
	metaDirty    bool
	contentDirty bool

	// guarded by cache.ctrl.mu
	pins      int
	heapIndex int
	stamp     uint64
}

func newPlanProxy(cache *PlanCache, agent AgentID, plan PlanID, meta PlanMeta) *PlanProxy {
	return &PlanProxy{
		cache:     cache,
		agentID:   agent,
		planID:    plan,
		score:     meta.Score,
		iteration: meta.Iteration,
		selected:  meta.Selected,
		heapIndex: -1,
	}
}

func (p *PlanProxy) AgentID() AgentID      { return p.agentID }
func (p *PlanProxy) PlanID() PlanID        { return p.planID }
func (p *PlanProxy) CreatedIteration() int { return p.iteration }

// Score returns the cached score. No I/O.
func (p *PlanProxy) Score() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// IsSelected returns the cached selected flag. No I/O.
func (p *PlanProxy) IsSelected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// IsMaterialized reports whether content is resident. No I/O.
func (p *PlanProxy) IsMaterialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content != nil
}

// IsDirty reports whether metadata or content changes are waiting to be persisted.
func (p *PlanProxy) IsDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metaDirty || p.contentDirty
}

// SetScore updates the cached score without materializing.
func (p *PlanProxy) SetScore(score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sameScore(p.score, score) {
		return
	}
	p.score = score
	p.metaDirty = true
}

// SetSelected updates the cached selected flag without materializing.
func (p *PlanProxy) SetSelected(selected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected == selected {
		return
	}
	p.selected = selected
	p.metaDirty = true
}

// Materialize returns the plan content, loading it from the store if needed.
// A missing store entry is reported as ErrInvariantViolation wrapping
// ErrNotFound: a live proxy must always have a backing entry.
func (p *PlanProxy) Materialize(ctx context.Context) (*PlanContent, error) {
	p.mu.Lock()
	if p.content != nil {
		content := p.content
		p.mu.Unlock()
		return content, nil
	}

	data, err := p.cache.store.Get(ctx, p.agentID, p.planID)
	if err != nil {
		p.mu.Unlock()
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: live proxy has no store entry: %w", ErrInvariantViolation, err)
		}
		return nil, &PlanError{Op: "materialize", Agent: p.agentID, Plan: p.planID, Err: err}
	}
	content, err := p.cache.codec.Decode(data)
	if err != nil {
		p.mu.Unlock()
		return nil, &PlanError{Op: "materialize", Agent: p.agentID, Plan: p.planID, Err: err}
	}
	p.content = content
	p.cache.metrics.incMaterialization()
	victims := p.cache.ctrl.admit(p)
	p.mu.Unlock()

	if err := p.cache.ctrl.evict(ctx, victims, p.agentID); err != nil {
		return nil, fmt.Errorf("evict for %s/%d: %w", p.agentID, p.planID, err)
	}
	return content, nil
}

// Dematerialize releases the content reference. With persistChanges, pending
// content and metadata changes are written first. The content is dropped even
// when persisting fails; the failure is returned. No-op when unmaterialized.
func (p *PlanProxy) Dematerialize(ctx context.Context, persistChanges bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.content == nil {
		return nil
	}
	_, err := p.releaseLocked(ctx, persistChanges)
	p.cache.ctrl.remove(p)
	return err
}

// releaseLocked persists (optionally) and drops content. Called with p.mu held.
// Reports whether anything was written.
func (p *PlanProxy) releaseLocked(ctx context.Context, persist bool) (bool, error) {
	var (
		wrote bool
		err   error
	)
	if persist {
		wrote, err = p.persistLocked(ctx)
	}
	p.dropLocked()
	return wrote, err
}

func (p *PlanProxy) dropLocked() {
	p.content = nil
	p.contentDirty = false
	p.cache.metrics.incDematerialization()
}

// Flush persists pending changes without changing the materialization state.
// For an unmaterialized proxy this is a metadata-only write.
func (p *PlanProxy) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.persistLocked(ctx)
	return err
}

func (p *PlanProxy) persistLocked(ctx context.Context) (bool, error) {
	meta := PlanMeta{Score: p.score, Iteration: p.iteration, Selected: p.selected}
	switch {
	case p.contentDirty && p.content != nil:
		data, err := p.cache.codec.Encode(p.content)
		if err != nil {
			return false, &PlanError{Op: "persist", Agent: p.agentID, Plan: p.planID, Err: err}
		}
		if err := p.cache.store.Put(ctx, p.agentID, p.planID, data, meta); err != nil {
			return false, &PlanError{Op: "persist", Agent: p.agentID, Plan: p.planID, Err: err}
		}
		p.cache.metrics.incWrite()
	case p.metaDirty:
		if err := p.cache.store.PutMetadata(ctx, p.agentID, p.planID, meta); err != nil {
			return false, &PlanError{Op: "flush metadata", Agent: p.agentID, Plan: p.planID, Err: err}
		}
		p.cache.metrics.incMetadataFlush()
	default:
		return false, nil
	}
	p.metaDirty = false
	p.contentDirty = false
	return true, nil
}

// ReplaceContent swaps the materialized content, e.g. after re-routing.
// The new content is persisted on the next Dematerialize(true), eviction or Flush.
func (p *PlanProxy) ReplaceContent(content *PlanContent) error {
	if err := content.Validate(); err != nil {
		return &PlanError{Op: "replace", Agent: p.agentID, Plan: p.planID, Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.content == nil {
		return &PlanError{Op: "replace", Agent: p.agentID, Plan: p.planID, Err: ErrNotMaterialized}
	}
	p.content = content
	p.contentDirty = true
	return nil
}

// MarkContentModified records an in-place mutation of the materialized content.
func (p *PlanProxy) MarkContentModified() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.content == nil {
		return &PlanError{Op: "modify", Agent: p.agentID, Plan: p.planID, Err: ErrNotMaterialized}
	}
	p.contentDirty = true
	return nil
}

// sameScore treats two undefined scores as equal.
func sameScore(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
