package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plancache/sim/trace"
)

// CacheOptions carries optional observers for a PlanCache.
type CacheOptions struct {
	Metrics *CacheMetrics     // nil disables Prometheus collection
	Trace   *trace.CacheTrace // nil disables decision tracing
}

// PlanCache bundles the store, codec and eviction controller shared by every
// proxy. Proxies hold a single reference to it.
type PlanCache struct {
	store   PlanStore
	codec   Codec
	ctrl    *EvictionController
	metrics *CacheMetrics
	trace   *trace.CacheTrace
}

// NewPlanCache creates a cache over an open store.
// Panics if store or codec is nil or capacity < 1.
func NewPlanCache(store PlanStore, codec Codec, cfg CacheConfig, opts CacheOptions) *PlanCache {
	if store == nil {
		panic("PlanCache: store must not be nil")
	}
	if codec == nil {
		panic("PlanCache: codec must not be nil")
	}
	return &PlanCache{
		store:   store,
		codec:   codec,
		ctrl:    NewEvictionController(cfg.Capacity, opts.Metrics, opts.Trace),
		metrics: opts.Metrics,
		trace:   opts.Trace,
	}
}

// OpenPlanCache opens the registered store and codec implementations.
// Production code must import sim/store and sim/codec for their registration.
func OpenPlanCache(storeCfg StoreConfig, codecCfg CodecConfig, cfg CacheConfig, opts CacheOptions) (*PlanCache, error) {
	if OpenPlanStoreFunc == nil {
		return nil, errors.New("no plan store registered; import sim/store")
	}
	if NewCodecFunc == nil {
		return nil, errors.New("no codec registered; import sim/codec")
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be >= 1, got %d", cfg.Capacity)
	}
	codec, err := NewCodecFunc(codecCfg)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}
	store, err := OpenPlanStoreFunc(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open plan store: %w", err)
	}
	logrus.Infof("plan cache opened: dir=%q capacity=%d compression=%q", storeCfg.Dir, cfg.Capacity, codecCfg.Compression)
	return NewPlanCache(store, codec, cfg, opts), nil
}

func (pc *PlanCache) Store() PlanStore                { return pc.store }
func (pc *PlanCache) Controller() *EvictionController { return pc.ctrl }

// NewProxy creates an unmaterialized proxy for an existing store entry.
func (pc *PlanCache) NewProxy(agent AgentID, plan PlanID, meta PlanMeta) *PlanProxy {
	return newPlanProxy(pc, agent, plan, meta)
}

// Persist assigns a plan id if needed, encodes and writes plan, and returns a
// fresh unmaterialized proxy for it. A pre-assigned id overwrites any entry
// stored under it; Ingest rejects such collisions before calling Persist.
func (pc *PlanCache) Persist(ctx context.Context, agent AgentID, plan *Plan) (*PlanProxy, error) {
	if err := plan.content.Validate(); err != nil {
		return nil, &PlanError{Op: "persist", Agent: agent, Plan: plan.id, Err: err}
	}
	if plan.id == NoPlanID {
		id, err := pc.allocatePlanID(ctx, agent, nil)
		if err != nil {
			return nil, err
		}
		plan.id = id
	}
	data, err := pc.codec.Encode(plan.content)
	if err != nil {
		return nil, &PlanError{Op: "encode", Agent: agent, Plan: plan.id, Err: err}
	}
	if err := pc.store.Put(ctx, agent, plan.id, data, plan.meta()); err != nil {
		return nil, &PlanError{Op: "put", Agent: agent, Plan: plan.id, Err: err}
	}
	pc.metrics.incWrite()
	return pc.NewProxy(agent, plan.id, plan.meta()), nil
}

// allocatePlanID draws ids from the store sequence until one is neither in
// reserved nor already stored for agent. The sequence knows nothing about
// pre-assigned ids, so it can hand out one a source already used.
func (pc *PlanCache) allocatePlanID(ctx context.Context, agent AgentID, reserved map[PlanID]struct{}) (PlanID, error) {
	for {
		id, err := pc.store.NextPlanID(ctx)
		if err != nil {
			return NoPlanID, fmt.Errorf("allocate plan id for %s: %w", agent, err)
		}
		if _, taken := reserved[id]; taken {
			continue
		}
		stored, err := pc.planStored(ctx, agent, id)
		if err != nil {
			return NoPlanID, err
		}
		if !stored {
			return id, nil
		}
		logrus.Debugf("plan id %d already stored for agent %s; drawing another", id, agent)
	}
}

func (pc *PlanCache) planStored(ctx context.Context, agent AgentID, plan PlanID) (bool, error) {
	_, err := pc.store.GetMetadata(ctx, agent, plan)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, &PlanError{Op: "lookup", Agent: agent, Plan: plan, Err: err}
	}
}

// RemovePlan deletes a non-selected plan from the agent and the store.
func (pc *PlanCache) RemovePlan(ctx context.Context, a *Agent, plan PlanID) error {
	idx := a.indexOf(plan)
	if idx < 0 {
		return &PlanError{Op: "remove", Agent: a.ID, Plan: plan, Err: ErrNotFound}
	}
	p := a.plans[idx]
	if p.IsSelected() {
		return &PlanError{Op: "remove", Agent: a.ID, Plan: plan, Err: errors.New("cannot remove the selected plan")}
	}
	if len(a.plans) == 1 {
		return &PlanError{Op: "remove", Agent: a.ID, Plan: plan, Err: errors.New("cannot remove the only plan")}
	}
	if proxy, ok := p.(*PlanProxy); ok {
		if err := proxy.Dematerialize(ctx, false); err != nil {
			return err
		}
		if err := pc.store.Delete(ctx, a.ID, plan); err != nil {
			return &PlanError{Op: "remove", Agent: a.ID, Plan: plan, Err: err}
		}
	}
	a.removeAt(idx)
	return nil
}

// Close releases every materialized proxy with persistence and closes the store.
func (pc *PlanCache) Close() error {
	releaseErr := pc.ctrl.ReleaseAll(context.Background())
	return errors.Join(releaseErr, pc.store.Close())
}
