// Aggregates run-level statistics for end-of-run reporting.

package sim

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// RunSummary collects what a run did: ingestion, per-iteration cache activity
// and the final controller totals.
type RunSummary struct {
	RunID            string
	Ingest           IngestStats
	Iterations       []IterationStats
	Capacity         int
	Materializations uint64 // whole run, including any restore-time reads
	Evictions        uint64
	Pressure         uint64
}

// NewRunSummary snapshots the orchestrator's iteration stats and the cache's
// controller totals.
func NewRunSummary(runID string, ingest IngestStats, o *Orchestrator, pc *PlanCache) *RunSummary {
	return &RunSummary{
		RunID:            runID,
		Ingest:           ingest,
		Iterations:       o.Stats(),
		Capacity:         pc.ctrl.Capacity(),
		Materializations: pc.ctrl.TotalMaterializations(),
		Evictions:        pc.ctrl.TotalEvictions(),
		Pressure:         pc.ctrl.TotalPressure(),
	}
}

// Duration returns the summed iteration wall time.
func (s *RunSummary) Duration() time.Duration {
	var d time.Duration
	for _, it := range s.Iterations {
		d += it.Duration
	}
	return d
}

// Print writes a human-readable summary to w.
func (s *RunSummary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "Run ID               : %s\n", s.RunID)
	fmt.Fprintf(w, "Agents               : %d\n", s.Ingest.Agents)
	fmt.Fprintf(w, "Plans                : %d\n", s.Ingest.Plans)
	fmt.Fprintf(w, "Cache Capacity       : %d\n", s.Capacity)
	fmt.Fprintf(w, "Iterations           : %d\n", len(s.Iterations))
	fmt.Fprintf(w, "Materializations     : %d\n", s.Materializations)
	fmt.Fprintf(w, "Evictions            : %d\n", s.Evictions)
	fmt.Fprintf(w, "Capacity Pressure    : %d\n", s.Pressure)
	if len(s.Iterations) > 0 {
		fmt.Fprintf(w, "Total Iteration Time : %s\n", s.Duration().Round(time.Millisecond))
		ms := make([]float64, len(s.Iterations))
		for i, it := range s.Iterations {
			ms[i] = float64(it.Duration.Microseconds()) / 1000
		}
		sort.Float64s(ms)
		fmt.Fprintf(w, "Iteration Time p50   : %.3f ms\n", CalculatePercentile(ms, 50))
		fmt.Fprintf(w, "Iteration Time p99   : %.3f ms\n", CalculatePercentile(ms, 99))
		fmt.Fprintln(w, "=== Per-Iteration ===")
		for _, it := range s.Iterations {
			fmt.Fprintf(w, "  iter %3d: mat=%d evict=%d pressure=%d flushed=%d pruned=%d mean-score=%.4f median-score=%.4f\n",
				it.Iteration, it.Materializations, it.Evictions, it.Pressure, it.MetadataFlushes, it.PrunedPlans,
				it.MeanSelectedScore, it.MedianSelectedScore)
		}
	}
}
