// Package sim provides the plan offload and materialization cache for
// large-population agent simulations.
//
// # Reading Guide
//
// Start with these files to understand the cache:
//   - plan.go: plan content, the PlanView capability interface, and the in-memory Plan
//   - proxy.go: PlanProxy, the always-resident metadata stand-in (unmaterialized ⇄ materialized)
//   - eviction.go: EvictionController, the process-wide bound on materialized proxies
//   - lifecycle.go: Orchestrator, the four-phase iteration state machine
//   - ingest.go: single-pass ingestion that swaps full plans for proxies
//
// # Architecture
//
// The sim package defines interfaces and the cache core; implementations live in
// sub-packages:
//   - sim/codec/: versioned binary plan codec (gob body, optional zstd)
//   - sim/store/: BadgerDB-backed PlanStore
//   - sim/selection/: plan selectors and plan pruning
//   - sim/execution/: teleportation execution engine and scoring
//   - sim/population/: ingestion sources (slice, synthetic)
//   - sim/trace/: cache decision trace recording
//
// Sub-packages register their implementations via init() functions that set
// package-level factory variables (NewCodecFunc, OpenPlanStoreFunc).
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - PlanStore: durable (agent, plan) -> payload + metadata mapping
//   - Codec: plan content <-> bytes
//   - PopulationSource: streams agents with full plans into Ingest
//   - Selector: picks the plan to execute from score/selected metadata only
//   - Executor: consumes materialized content of the selected plan
//   - Pruner: chooses plans to delete when an agent exceeds its plan budget
//
// # Invariants
//
// For every agent at most one proxy is materialized at any observable point,
// and the number of materialized proxies across the population is exactly
// zero at the end of every iteration.
package sim
