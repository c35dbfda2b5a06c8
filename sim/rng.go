package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey is the master seed of a run. Two runs with the same key and
// configuration make identical selections and execution draws.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// Named random streams. Each draws from its own seed, so consuming one never
// shifts another.
const (
	// SubsystemPopulation seeds synthetic population generation. It uses the
	// seed it is given unchanged, so population.seed alone fixes the population.
	SubsystemPopulation = "population"

	// SubsystemSelection seeds stochastic plan selection.
	SubsystemSelection = "selection"

	// SubsystemExecution seeds execution score noise.
	SubsystemExecution = "execution"
)

// SubsystemIteration names the stream of subsystem in one iteration.
func SubsystemIteration(subsystem string, iteration int) string {
	return fmt.Sprintf("%s/iteration_%d", subsystem, iteration)
}

// PartitionedRNG hands out one *rand.Rand per named stream, seeded from the
// SimulationKey. ForSubsystem is not safe for concurrent use; SeedFor is.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{key: key, streams: make(map[string]*rand.Rand)}
}

// SeedFor derives the seed of the named stream: the key itself for
// SubsystemPopulation, else key XOR fnv1a64(name).
func (p *PartitionedRNG) SeedFor(name string) int64 {
	if name == SubsystemPopulation {
		return int64(p.key)
	}
	return int64(p.key) ^ fnv1a64(name)
}

// ForSubsystem returns the cached stream for name, creating it on first use.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	rng, ok := p.streams[name]
	if !ok {
		rng = rand.New(rand.NewSource(p.SeedFor(name)))
		p.streams[name] = rng
	}
	return rng
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
