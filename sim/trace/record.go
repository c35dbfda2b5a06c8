// Package trace provides decision-trace recording for the plan materialization cache.
// It has no dependencies on sim/ and stores pure data types.
package trace

// MaterializationRecord captures a proxy loaded from the store.
type MaterializationRecord struct {
	AgentID string
	PlanID  uint64
	Tick    uint64
}

// EvictionRecord captures a proxy dematerialized to stay within the capacity bound.
type EvictionRecord struct {
	AgentID    string
	PlanID     uint64
	Tick       uint64 // controller tick when the eviction happened
	Stamp      uint64 // tick at which the victim was materialized
	Persisted  bool   // whether the eviction wrote pending changes to the store
	ForAgentID string // agent whose materialization triggered the eviction
}

// PressureRecord captures an admission that exceeded capacity with no evictable victim.
type PressureRecord struct {
	Tick         uint64
	Materialized int
	Capacity     int
}

// IterationRecord captures per-iteration cache activity.
type IterationRecord struct {
	Iteration        int
	Materializations uint64
	Evictions        uint64
	Pressure         uint64
	MetadataFlushes  uint64
}
