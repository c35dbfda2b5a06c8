package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/plancache/sim"
	_ "github.com/inference-sim/plancache/sim/codec"
	"github.com/inference-sim/plancache/sim/execution"
	"github.com/inference-sim/plancache/sim/population"
	"github.com/inference-sim/plancache/sim/selection"
	_ "github.com/inference-sim/plancache/sim/store"
	"github.com/inference-sim/plancache/sim/trace"
)

var (
	// CLI flags for the run command; they override the config file only when set
	configPath    string  // YAML config file
	logLevel      string  // Log verbosity level
	storeDir      string  // Plan store directory
	capacity      int     // Max simultaneously materialized plans
	iterations    int     // Number of iterations to run
	workers       int     // Parallel execution workers
	agents        int     // Synthetic population size
	plansPerAgent int     // Plans generated per agent
	seed          int64   // Seed for stochastic plan selection and score noise
	scoreNoise    float64 // Std dev of executed score noise
	compression   string  // Plan content compression (none, zstd)
	traceLevel    string  // Decision trace verbosity (none, evictions, all)
	resume        bool    // Continue from an existing store instead of ingesting

	// CLI flags for the inspect command
	inspectDir   string // Plan store directory to read
	inspectAgent string // Restrict output to one agent
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "plancache",
	Short: "Memory-bounded agent plan simulation over a persistent plan store",
}

// runCmd ingests a population (or resumes one) and runs the iteration loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plan simulation",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel(logLevel)

		cfg, err := loadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		applyRunFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("invalid configuration: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runID := uuid.NewString()
		if _, err := runSimulation(ctx, cfg, runID, resume, os.Stdout); err != nil {
			logrus.WithField("run_id", runID).Fatalf("simulation failed: %v", err)
		}
		logrus.WithField("run_id", runID).Info("Simulation complete.")
	},
}

// inspectCmd prints the agents, plans and metadata held by a store
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List agents and plan metadata stored in a plan store",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel(logLevel)
		if err := inspectStore(cmd.Context(), inspectDir, sim.AgentID(inspectAgent), os.Stdout); err != nil {
			logrus.Fatalf("inspect failed: %v", err)
		}
	},
}

func setLogLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", name)
	}
	logrus.SetLevel(level)
}

// applyRunFlags copies explicitly set flags over cfg. Defaults of unset flags
// never overwrite config file values.
func applyRunFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("store-dir") {
		cfg.Store.Dir = storeDir
	}
	if flags.Changed("capacity") {
		cfg.Cache.Capacity = capacity
	}
	if flags.Changed("iterations") {
		cfg.Simulation.Iterations = iterations
	}
	if flags.Changed("workers") {
		cfg.Simulation.Workers = workers
	}
	if flags.Changed("agents") {
		cfg.Population.Agents = agents
	}
	if flags.Changed("plans") {
		cfg.Population.PlansPerAgent = plansPerAgent
	}
	if flags.Changed("seed") {
		cfg.Simulation.Seed = seed
	}
	if flags.Changed("score-noise") {
		cfg.Simulation.ScoreNoise = scoreNoise
	}
	if flags.Changed("compression") {
		cfg.Codec.Compression = compression
	}
	if flags.Changed("trace-level") {
		cfg.Trace.Level = traceLevel
	}
}

func (c Config) syntheticConfig() population.SyntheticConfig {
	return population.SyntheticConfig{
		Agents:        c.Population.Agents,
		PlansPerAgent: c.Population.PlansPerAgent,
		Seed:          c.Population.Seed,
		AreaMeters:    c.Population.AreaMeters,
	}
}

// runSimulation opens the plan cache, builds the population and runs the
// configured iterations, printing the run summary to out. The cache is closed
// before returning, so every plan state reaches the store.
func runSimulation(ctx context.Context, cfg Config, runID string, resume bool, out io.Writer) (summary *sim.RunSummary, err error) {
	log := logrus.WithField("run_id", runID)

	reg := prometheus.NewRegistry()
	var ct *trace.CacheTrace
	if level := trace.TraceLevel(cfg.Trace.Level); level != "" && level != trace.TraceLevelNone {
		ct = trace.NewCacheTrace(trace.TraceConfig{Level: level})
	}
	pc, err := sim.OpenPlanCache(cfg.storeConfig(), cfg.codecConfig(), sim.CacheConfig{Capacity: cfg.Cache.Capacity},
		sim.CacheOptions{Metrics: sim.NewCacheMetrics(reg), Trace: ct})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := pc.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close plan cache: %w", cerr))
		}
	}()

	pop, ingest, err := buildPopulation(ctx, cfg, pc, resume)
	if err != nil {
		return nil, err
	}
	log.Infof("population ready: %d agents, %d plans", ingest.Agents, ingest.Plans)

	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Simulation.Seed))
	selector := selection.New(cfg.Simulation.Selector, cfg.Simulation.Beta, rng.ForSubsystem(sim.SubsystemSelection))
	executor := execution.NewTeleporter(execution.DefaultScoringParams()).WithScoreNoise(cfg.Simulation.ScoreNoise, rng)
	o := sim.NewOrchestrator(pc, pop, selector, executor, cfg.lifecycleConfig())
	if cfg.Simulation.MaxPlans > 0 {
		o.SetPruner(selection.WorstPlanRemover{MaxPlans: cfg.Simulation.MaxPlans})
	}

	runErr := o.Run(ctx, cfg.Simulation.Iterations)

	summary = sim.NewRunSummary(runID, ingest, o, pc)
	summary.Print(out)
	printCounters(out, reg)
	if ct != nil {
		printTraceSummary(out, trace.Summarize(ct))
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

var errStoreNotEmpty = errors.New("plan store already holds agents")

// buildPopulation restores the population from the store when resuming, and
// otherwise ingests a fresh synthetic population into an empty store.
func buildPopulation(ctx context.Context, cfg Config, pc *sim.PlanCache, resume bool) (*sim.Population, sim.IngestStats, error) {
	if resume {
		pop, err := sim.RestorePopulation(ctx, pc)
		if err != nil {
			return nil, sim.IngestStats{}, fmt.Errorf("restore population: %w", err)
		}
		if pop.Len() == 0 {
			return nil, sim.IngestStats{}, fmt.Errorf("resume: store %s holds no agents", cfg.Store.Dir)
		}
		return pop, sim.IngestStats{Agents: pop.Len(), Plans: pop.PlanCount()}, nil
	}
	err := pc.Store().ForEachAgent(ctx, func(sim.AgentID) error { return errStoreNotEmpty })
	if errors.Is(err, errStoreNotEmpty) {
		return nil, sim.IngestStats{}, fmt.Errorf("%w: %s (use --resume or another --store-dir)", err, cfg.Store.Dir)
	}
	if err != nil {
		return nil, sim.IngestStats{}, err
	}
	pop := sim.NewPopulation()
	stats, err := sim.Ingest(ctx, population.NewSyntheticSource(cfg.syntheticConfig()), pc, pop)
	if err != nil {
		return nil, stats, fmt.Errorf("ingest population: %w", err)
	}
	return pop, stats, nil
}

// printCounters writes every counter and gauge gathered from reg.
func printCounters(w io.Writer, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		logrus.Warnf("gather cache metrics: %v", err)
		return
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	fmt.Fprintln(w, "=== Cache Counters ===")
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "%-36s: %.0f\n", f.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Fprintf(w, "%-36s: %.0f\n", f.GetName(), m.GetGauge().GetValue())
			}
		}
	}
}

func printTraceSummary(w io.Writer, ts *trace.TraceSummary) {
	fmt.Fprintln(w, "=== Trace Summary ===")
	fmt.Fprintf(w, "Traced Materializations : %d\n", ts.TotalMaterializations)
	fmt.Fprintf(w, "Traced Evictions        : %d (%d persisted)\n", ts.TotalEvictions, ts.PersistedEvictions)
	fmt.Fprintf(w, "Unique Evicted Agents   : %d\n", ts.UniqueEvictedAgents)
	fmt.Fprintf(w, "Pressure Events         : %d (peak %d over capacity)\n", ts.PressureEvents, ts.PeakOverCapacity)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (defaults apply to omitted fields)")
	runCmd.Flags().StringVar(&storeDir, "store-dir", "plancache-data", "Plan store directory")
	runCmd.Flags().IntVar(&capacity, "capacity", sim.DefaultCacheCapacity, "Max simultaneously materialized plans")
	runCmd.Flags().IntVar(&iterations, "iterations", 10, "Number of iterations")
	runCmd.Flags().IntVar(&workers, "workers", 4, "Parallel execution workers")
	runCmd.Flags().IntVar(&agents, "agents", 1000, "Synthetic population size")
	runCmd.Flags().IntVar(&plansPerAgent, "plans", 1, "Plans generated per agent")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for stochastic plan selection and score noise")
	runCmd.Flags().Float64Var(&scoreNoise, "score-noise", 0, "Std dev of normal noise added to executed scores (0 disables)")
	runCmd.Flags().StringVar(&compression, "compression", "zstd", "Plan content compression (none, zstd)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "none", "Decision trace level (none, evictions, all)")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Continue from the plans already in --store-dir")

	inspectCmd.Flags().StringVar(&inspectDir, "store-dir", "plancache-data", "Plan store directory")
	inspectCmd.Flags().StringVar(&inspectAgent, "agent", "", "Only list this agent")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
}
