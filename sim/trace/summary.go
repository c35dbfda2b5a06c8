package trace

// TraceSummary aggregates statistics from a CacheTrace.
type TraceSummary struct {
	TotalMaterializations int
	TotalEvictions        int
	PersistedEvictions    int
	PressureEvents        int
	PeakOverCapacity      int
	UniqueEvictedAgents   int
	EvictionsPerIteration map[int]uint64 // iteration → evictions
}

// Summarize computes aggregate statistics from a CacheTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(ct *CacheTrace) *TraceSummary {
	summary := &TraceSummary{
		EvictionsPerIteration: make(map[int]uint64),
	}
	if ct == nil {
		return summary
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	summary.TotalMaterializations = len(ct.Materializations)
	summary.TotalEvictions = len(ct.Evictions)

	evicted := make(map[string]bool)
	for _, e := range ct.Evictions {
		evicted[e.AgentID] = true
		if e.Persisted {
			summary.PersistedEvictions++
		}
	}
	summary.UniqueEvictedAgents = len(evicted)

	summary.PressureEvents = len(ct.Pressure)
	for _, p := range ct.Pressure {
		if over := p.Materialized - p.Capacity; over > summary.PeakOverCapacity {
			summary.PeakOverCapacity = over
		}
	}

	for _, it := range ct.Iterations {
		summary.EvictionsPerIteration[it.Iteration] = it.Evictions
	}
	return summary
}
