package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/plancache/sim"
)

// smallConfig returns a quick run over a fresh store directory.
func smallConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.GCInterval = 0
	cfg.Store.SyncWrites = false
	cfg.Cache.Capacity = 5
	cfg.Simulation.Iterations = 3
	cfg.Simulation.Workers = 2
	cfg.Simulation.MaxPlans = 2
	cfg.Population.Agents = 20
	cfg.Population.PlansPerAgent = 3
	cfg.Trace.Level = "evictions"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunSimulation_SmallPopulation_CompletesAndReports(t *testing.T) {
	// GIVEN 20 agents with 3 plans each and room for 5 materialized plans
	cfg := smallConfig(t)
	var out bytes.Buffer

	// WHEN the run completes
	summary, err := runSimulation(context.Background(), cfg, "run-a", false, &out)
	require.NoError(t, err)

	// THEN every iteration executed every agent under the capacity bound
	assert.Equal(t, 20, summary.Ingest.Agents)
	assert.Equal(t, 60, summary.Ingest.Plans)
	require.Len(t, summary.Iterations, 3)
	for _, it := range summary.Iterations {
		assert.Equal(t, uint64(20), it.Materializations)
	}
	assert.Equal(t, uint64(0), summary.Pressure, "two workers never pin more than capacity")
	assert.Positive(t, summary.Evictions)
	// plans are pruned only once scored and deselected, which first happens in iteration 2
	assert.Equal(t, 0, summary.Iterations[1].PrunedPlans)
	assert.Equal(t, 20, summary.Iterations[2].PrunedPlans)

	// AND the report carries the summary, counters and trace sections
	text := out.String()
	assert.Contains(t, text, "=== Simulation Metrics ===")
	assert.Contains(t, text, "Run ID               : run-a")
	assert.Contains(t, text, "plancache_materializations_total")
	assert.Contains(t, text, "=== Trace Summary ===")
}

func TestRunSimulation_Resume_ContinuesFromStore(t *testing.T) {
	// GIVEN a completed run
	cfg := smallConfig(t)
	_, err := runSimulation(context.Background(), cfg, "first", false, &bytes.Buffer{})
	require.NoError(t, err)

	// WHEN started again without --resume
	_, err = runSimulation(context.Background(), cfg, "second", false, &bytes.Buffer{})

	// THEN the non-empty store is refused
	assert.ErrorIs(t, err, errStoreNotEmpty)

	// WHEN resumed
	summary, err := runSimulation(context.Background(), cfg, "third", true, &bytes.Buffer{})

	// THEN the pruned population comes back from the store
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Ingest.Agents)
	assert.Equal(t, 40, summary.Ingest.Plans)
	assert.Len(t, summary.Iterations, 3)
}

func TestRunSimulation_ResumeEmptyStore_Fails(t *testing.T) {
	cfg := smallConfig(t)
	_, err := runSimulation(context.Background(), cfg, "r", true, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInspectStore_ListsPlanMetadata(t *testing.T) {
	// GIVEN a store written by a run
	cfg := smallConfig(t)
	cfg.Population.Agents = 3
	_, err := runSimulation(context.Background(), cfg, "r", false, &bytes.Buffer{})
	require.NoError(t, err)

	// WHEN inspected for all agents and for one agent
	var all, one bytes.Buffer
	require.NoError(t, inspectStore(context.Background(), cfg.Store.Dir, "", &all))
	require.NoError(t, inspectStore(context.Background(), cfg.Store.Dir, "agent-0000001", &one))

	// THEN every agent's plans appear with scores
	assert.Contains(t, all.String(), "agent-0000000")
	assert.Contains(t, all.String(), "agent-0000002")
	assert.Contains(t, all.String(), "3 agents, 6 plans")
	assert.NotContains(t, one.String(), "agent-0000000")
	assert.Contains(t, one.String(), "1 agents, 2 plans")
}

func TestInspectStore_MissingDir(t *testing.T) {
	err := inspectStore(context.Background(), t.TempDir()+"/absent", "", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestApplyRunFlags_OnlyChangedFlagsOverride(t *testing.T) {
	// GIVEN a config file value and a command whose flags keep their defaults
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().IntVar(&capacity, "capacity", sim.DefaultCacheCapacity, "")
	cmd.Flags().IntVar(&workers, "workers", 4, "")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "")
	cfg := DefaultConfig()
	cfg.Cache.Capacity = 77
	cfg.Simulation.Workers = 9

	// WHEN only --workers is set
	require.NoError(t, cmd.Flags().Set("workers", "2"))
	applyRunFlags(cmd, &cfg)

	// THEN the unset flag's default does not clobber the file value
	assert.Equal(t, 77, cfg.Cache.Capacity)
	assert.Equal(t, 2, cfg.Simulation.Workers)
	assert.Equal(t, "zstd", cfg.Codec.Compression)
}

func TestRunSimulation_ScoreNoise_ReproducibleAcrossRuns(t *testing.T) {
	// GIVEN two fresh stores and the same seed with score noise enabled
	run := func(noise float64) []sim.IterationStats {
		cfg := smallConfig(t)
		cfg.Simulation.ScoreNoise = noise
		summary, err := runSimulation(context.Background(), cfg, "noise", false, &bytes.Buffer{})
		require.NoError(t, err)
		return summary.Iterations
	}

	// WHEN run twice with noise and once without
	first, second, quiet := run(3), run(3), run(0)

	// THEN the noisy runs agree on every iteration's scores regardless of worker scheduling
	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].MeanSelectedScore, second[i].MeanSelectedScore, "iteration %d", i)
		assert.Equal(t, first[i].MedianSelectedScore, second[i].MedianSelectedScore, "iteration %d", i)
	}
	// AND noise changes the scores
	assert.NotEqual(t, quiet[0].MeanSelectedScore, first[0].MeanSelectedScore)
}
