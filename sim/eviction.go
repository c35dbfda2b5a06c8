package sim

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plancache/sim/trace"
)

// EvictionController bounds the number of simultaneously materialized proxies
// process-wide. Proxies report each materialization via admit; when the bound
// is exceeded, the least-recently-materialized unpinned proxy is evicted.
//
// Recency is a logical tick stamped at materialization. Outside a batch every
// admission takes a fresh tick, so eviction order follows call order. Between
// BeginBatch and EndBatch all admissions share one tick: the order of
// concurrent workers is arbitrary, so ties are broken by (agent id, plan id)
// to keep eviction order reproducible.
//
// Lock order: PlanProxy.mu before EvictionController.mu. While holding mu the
// controller only TryLocks candidate victims, so it never blocks on a proxy.
// mu is never held across store I/O.
type EvictionController struct {
	capacity int
	metrics  *CacheMetrics
	trace    *trace.CacheTrace

	mu             sync.Mutex
	queue          recencyQueue // materialized proxies, oldest first; guarded by mu
	tick           uint64       // guarded by mu
	batching       bool         // guarded by mu
	pressureLogged bool         // set while a pressure episode is ongoing; guarded by mu

	materializations atomic.Uint64
	evictions        atomic.Uint64
	pressure         atomic.Uint64
}

// NewEvictionController creates a controller with the given capacity.
// Panics if capacity < 1.
func NewEvictionController(capacity int, metrics *CacheMetrics, ct *trace.CacheTrace) *EvictionController {
	if capacity < 1 {
		panic("EvictionController: capacity must be >= 1")
	}
	return &EvictionController{
		capacity: capacity,
		metrics:  metrics,
		trace:    ct,
		queue:    make(recencyQueue, 0, capacity+1),
	}
}

// Capacity returns the configured bound.
func (c *EvictionController) Capacity() int {
	return c.capacity
}

// Materialized returns the number of currently materialized proxies.
func (c *EvictionController) Materialized() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// BeginBatch starts a group of admissions that share one recency tick. Proxies
// materialized in the batch are younger than every proxy materialized before it.
func (c *EvictionController) BeginBatch() {
	c.mu.Lock()
	c.tick++
	c.batching = true
	c.mu.Unlock()
}

// EndBatch closes the current batch; later admissions take their own tick again.
func (c *EvictionController) EndBatch() {
	c.mu.Lock()
	c.batching = false
	c.mu.Unlock()
}

// TotalMaterializations returns the number of store-backed materializations so far.
func (c *EvictionController) TotalMaterializations() uint64 {
	return c.materializations.Load()
}

// TotalEvictions returns the number of capacity evictions so far.
func (c *EvictionController) TotalEvictions() uint64 {
	return c.evictions.Load()
}

// TotalPressure returns the number of admissions that found no victim.
func (c *EvictionController) TotalPressure() uint64 {
	return c.pressure.Load()
}

// Pin marks p as in active use; pinned proxies are never chosen as victims.
// Blocks while p is being evicted or (de)materialized.
func (c *EvictionController) Pin(p *PlanProxy) {
	p.mu.Lock()
	c.mu.Lock()
	p.pins++
	c.mu.Unlock()
	p.mu.Unlock()
}

// Unpin releases one pin on p.
func (c *EvictionController) Unpin(p *PlanProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.pins == 0 {
		logrus.Warnf("EvictionController: unpin of unpinned plan %s/%d", p.agentID, p.planID)
		return
	}
	p.pins--
}

// IsPinned reports whether p currently holds a pin.
func (c *EvictionController) IsPinned(p *PlanProxy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.pins > 0
}

// WithPinned pins p, materializes it and runs fn with the content; the pin is
// released on every exit path. If fn fails, p is dematerialized without
// persisting content before the error is returned.
func (c *EvictionController) WithPinned(ctx context.Context, p *PlanProxy, fn func(*PlanContent) error) (err error) {
	c.Pin(p)
	defer func() {
		c.Unpin(p)
		if err != nil {
			if derr := p.Dematerialize(context.WithoutCancel(ctx), false); derr != nil {
				err = errors.Join(err, derr)
			}
		}
	}()
	content, err := p.Materialize(ctx)
	if err != nil {
		return err
	}
	return fn(content)
}

// admit registers a freshly materialized proxy. Called with p.mu held.
// Returns victims, each already locked; the caller must evict them after
// releasing p.mu.
func (c *EvictionController) admit(p *PlanProxy) []*PlanProxy {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.batching {
		c.tick++
	}
	p.stamp = c.tick
	heap.Push(&c.queue, p)
	c.materializations.Add(1)
	c.trace.RecordMaterialization(trace.MaterializationRecord{
		AgentID: string(p.agentID), PlanID: uint64(p.planID), Tick: c.tick,
	})

	over := c.queue.Len() - c.capacity
	var victims, skipped []*PlanProxy
	busy := 0
	for over > 0 && c.queue.Len() > 0 {
		cand := heap.Pop(&c.queue).(*PlanProxy)
		switch {
		case cand == p || cand.pins > 0:
			skipped = append(skipped, cand)
		case !cand.mu.TryLock():
			// Mid-transition in another goroutine; the next admission retries it.
			skipped = append(skipped, cand)
			busy++
		default:
			victims = append(victims, cand)
			over--
		}
	}
	for _, s := range skipped {
		heap.Push(&c.queue, s)
	}
	switch {
	case over == 0:
		c.pressureLogged = false
	case busy > 0:
		logrus.Debugf("eviction deferred: %d materialized plans exceed capacity %d, %d candidates busy",
			c.queue.Len(), c.capacity, busy)
	default:
		c.reportPressureLocked(p)
	}
	c.metrics.setMaterialized(c.queue.Len() + len(victims))
	return victims
}

func (c *EvictionController) reportPressureLocked(p *PlanProxy) {
	c.pressure.Add(1)
	c.metrics.incPressure()
	n := c.queue.Len()
	c.trace.RecordPressure(trace.PressureRecord{Tick: c.tick, Materialized: n, Capacity: c.capacity})
	if !c.pressureLogged {
		c.pressureLogged = true
		logrus.Warnf("capacity pressure: %d materialized plans exceed capacity %d with no unpinned victim (materializing %s/%d)",
			n, c.capacity, p.agentID, p.planID)
		return
	}
	logrus.Debugf("capacity pressure: %d materialized, capacity %d", n, c.capacity)
}

// evict dematerializes victims returned by admit, persisting pending changes.
// A victim that fails to persist keeps its content and is re-admitted.
func (c *EvictionController) evict(ctx context.Context, victims []*PlanProxy, trigger AgentID) error {
	var errs []error
	for _, v := range victims {
		persisted, err := v.persistLocked(ctx)
		if err != nil {
			c.mu.Lock()
			heap.Push(&c.queue, v)
			c.mu.Unlock()
			v.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		v.dropLocked()
		c.evictions.Add(1)
		c.metrics.incEviction()
		c.mu.Lock()
		c.trace.RecordEviction(trace.EvictionRecord{
			AgentID: string(v.agentID), PlanID: uint64(v.planID), Tick: c.tick,
			Stamp: v.stamp, Persisted: persisted, ForAgentID: string(trigger),
		})
		c.metrics.setMaterialized(c.queue.Len())
		c.mu.Unlock()
		v.mu.Unlock()
	}
	return errors.Join(errs...)
}

// remove drops p from the recency order. Called with p.mu held.
func (c *EvictionController) remove(p *PlanProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.heapIndex >= 0 {
		heap.Remove(&c.queue, p.heapIndex)
	}
	c.metrics.setMaterialized(c.queue.Len())
}

// ReleaseAll clears every pin and dematerializes every materialized proxy
// with persistence. Used at iteration end and when aborting an iteration;
// keeps going after failures and returns them joined.
func (c *EvictionController) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make([]*PlanProxy, len(c.queue))
	copy(snapshot, c.queue)
	leaked := 0
	for _, p := range snapshot {
		if p.pins > 0 {
			leaked++
			p.pins = 0
		}
	}
	c.mu.Unlock()

	if leaked > 0 {
		logrus.Warnf("EvictionController: released %d plans still pinned at iteration end", leaked)
	}
	var errs []error
	for _, p := range snapshot {
		if err := p.Dematerialize(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recencyQueue is a min-heap of materialized proxies ordered by
// (stamp, agent id, plan id).
type recencyQueue []*PlanProxy

func (q recencyQueue) Len() int { return len(q) }

func (q recencyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.stamp != b.stamp {
		return a.stamp < b.stamp
	}
	if a.agentID != b.agentID {
		return a.agentID < b.agentID
	}
	return a.planID < b.planID
}

func (q recencyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *recencyQueue) Push(x any) {
	p := x.(*PlanProxy)
	p.heapIndex = len(*q)
	*q = append(*q, p)
}

func (q *recencyQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*q = old[:n-1]
	return p
}
