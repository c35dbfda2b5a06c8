package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/plancache/sim"
	"github.com/inference-sim/plancache/sim/codec"
	"github.com/inference-sim/plancache/sim/selection"
	"github.com/inference-sim/plancache/sim/trace"
)

// StoreSection configures the persistent plan store.
type StoreSection struct {
	Dir            string        `yaml:"dir"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
	MemTableSize   int64         `yaml:"mem_table_size"`
}

// CacheSection configures the materialization cache.
type CacheSection struct {
	Capacity int `yaml:"capacity"`
}

// CodecSection configures plan content encoding.
type CodecSection struct {
	Compression string `yaml:"compression"`
	Level       int    `yaml:"level"`
}

// SimulationSection configures the iteration loop.
type SimulationSection struct {
	Iterations   int     `yaml:"iterations"`
	Workers      int     `yaml:"workers"`
	Seed         int64   `yaml:"seed"`
	LearningRate float64 `yaml:"learning_rate"`
	Selector     string  `yaml:"selector"`
	Beta         float64 `yaml:"beta"`
	MaxPlans     int     `yaml:"max_plans"`   // 0 disables pruning
	ScoreNoise   float64 `yaml:"score_noise"` // std dev of executed score noise, 0 disables
}

// PopulationSection configures the synthetic population.
type PopulationSection struct {
	Agents        int     `yaml:"agents"`
	PlansPerAgent int     `yaml:"plans_per_agent"`
	Seed          int64   `yaml:"seed"`
	AreaMeters    float64 `yaml:"area_meters"`
}

// TraceSection configures decision tracing.
type TraceSection struct {
	Level string `yaml:"level"`
}

// Config represents the full defaults.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Store      StoreSection      `yaml:"store"`
	Cache      CacheSection      `yaml:"cache"`
	Codec      CodecSection      `yaml:"codec"`
	Simulation SimulationSection `yaml:"simulation"`
	Population PopulationSection `yaml:"population"`
	Trace      TraceSection      `yaml:"trace"`
}

// DefaultConfig returns the values used for anything defaults.yaml omits.
func DefaultConfig() Config {
	sc := sim.DefaultStoreConfig("plancache-data")
	return Config{
		Store: StoreSection{
			Dir:            sc.Dir,
			SyncWrites:     sc.SyncWrites,
			GCInterval:     sc.GCInterval,
			GCDiscardRatio: sc.GCDiscardRatio,
		},
		Cache: CacheSection{Capacity: sim.DefaultCacheCapacity},
		Codec: CodecSection{Compression: codec.CompressionZstd},
		Simulation: SimulationSection{
			Iterations:   10,
			Workers:      4,
			Seed:         42,
			LearningRate: 1.0,
			Selector:     selection.ExpBetaName,
			Beta:         1.0,
			MaxPlans:     5,
			ScoreNoise:   0,
		},
		Population: PopulationSection{
			Agents:        1000,
			PlansPerAgent: 1,
			Seed:          42,
		},
		Trace: TraceSection{Level: string(trace.TraceLevelNone)},
	}
}

// loadConfig parses path over DefaultConfig. Uses strict field checking so
// typos fail instead of silently keeping a default. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.storeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity must be >= 1, got %d", c.Cache.Capacity))
	}
	switch c.Codec.Compression {
	case "", codec.CompressionNone, codec.CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("codec.compression must be %q or %q, got %q",
			codec.CompressionNone, codec.CompressionZstd, c.Codec.Compression))
	}
	if c.Codec.Level < 0 || c.Codec.Level > 22 {
		errs = append(errs, fmt.Errorf("codec.level must be in [0, 22], got %d", c.Codec.Level))
	}
	s := c.Simulation
	if s.Iterations < 0 {
		errs = append(errs, fmt.Errorf("simulation.iterations must be >= 0, got %d", s.Iterations))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("simulation.workers must be >= 1, got %d", s.Workers))
	}
	if s.LearningRate <= 0 || s.LearningRate > 1 {
		errs = append(errs, fmt.Errorf("simulation.learning_rate must be in (0, 1], got %v", s.LearningRate))
	}
	if !selection.IsValidSelector(s.Selector) {
		errs = append(errs, fmt.Errorf("simulation.selector %q unknown; valid: %v", s.Selector, selection.ValidSelectorNames()))
	}
	if s.Beta < 0 {
		errs = append(errs, fmt.Errorf("simulation.beta must be >= 0, got %v", s.Beta))
	}
	if s.MaxPlans < 0 {
		errs = append(errs, fmt.Errorf("simulation.max_plans must be >= 0, got %d", s.MaxPlans))
	}
	if s.ScoreNoise < 0 {
		errs = append(errs, fmt.Errorf("simulation.score_noise must be >= 0, got %v", s.ScoreNoise))
	}
	if err := c.syntheticConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("population: %w", err))
	}
	if !trace.IsValidTraceLevel(c.Trace.Level) {
		errs = append(errs, fmt.Errorf("trace.level %q unknown", c.Trace.Level))
	}
	return errors.Join(errs...)
}

func (c Config) storeConfig() sim.StoreConfig {
	return sim.StoreConfig{
		Dir:            c.Store.Dir,
		SyncWrites:     c.Store.SyncWrites,
		GCInterval:     c.Store.GCInterval,
		GCDiscardRatio: c.Store.GCDiscardRatio,
		MemTableSize:   c.Store.MemTableSize,
	}
}

func (c Config) codecConfig() sim.CodecConfig {
	return sim.CodecConfig{Compression: c.Codec.Compression, Level: c.Codec.Level}
}

func (c Config) lifecycleConfig() sim.LifecycleConfig {
	return sim.LifecycleConfig{Workers: c.Simulation.Workers, LearningRate: c.Simulation.LearningRate}
}
