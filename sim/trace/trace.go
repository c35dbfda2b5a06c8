package trace

import "sync"

// TraceLevel controls the verbosity of cache decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEvictions captures evictions, capacity pressure and iteration boundaries.
	TraceLevelEvictions TraceLevel = "evictions"
	// TraceLevelAll additionally captures every materialization.
	TraceLevelAll TraceLevel = "all"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelEvictions: true,
	TraceLevelAll:       true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// CacheTrace collects decision records from the materialization cache.
// Safe for concurrent use; a nil *CacheTrace records nothing.
type CacheTrace struct {
	Config TraceConfig

	mu               sync.Mutex
	Materializations []MaterializationRecord
	Evictions        []EvictionRecord
	Pressure         []PressureRecord
	Iterations       []IterationRecord
}

// NewCacheTrace creates a CacheTrace ready for recording.
func NewCacheTrace(config TraceConfig) *CacheTrace {
	return &CacheTrace{
		Config:           config,
		Materializations: make([]MaterializationRecord, 0),
		Evictions:        make([]EvictionRecord, 0),
		Pressure:         make([]PressureRecord, 0),
		Iterations:       make([]IterationRecord, 0),
	}
}

func (ct *CacheTrace) enabled(min TraceLevel) bool {
	if ct == nil {
		return false
	}
	switch ct.Config.Level {
	case TraceLevelAll:
		return true
	case TraceLevelEvictions:
		return min == TraceLevelEvictions
	default:
		return false
	}
}

// RecordMaterialization appends a materialization record (TraceLevelAll only).
func (ct *CacheTrace) RecordMaterialization(record MaterializationRecord) {
	if !ct.enabled(TraceLevelAll) {
		return
	}
	ct.mu.Lock()
	ct.Materializations = append(ct.Materializations, record)
	ct.mu.Unlock()
}

// RecordEviction appends an eviction record.
func (ct *CacheTrace) RecordEviction(record EvictionRecord) {
	if !ct.enabled(TraceLevelEvictions) {
		return
	}
	ct.mu.Lock()
	ct.Evictions = append(ct.Evictions, record)
	ct.mu.Unlock()
}

// RecordPressure appends a capacity pressure record.
func (ct *CacheTrace) RecordPressure(record PressureRecord) {
	if !ct.enabled(TraceLevelEvictions) {
		return
	}
	ct.mu.Lock()
	ct.Pressure = append(ct.Pressure, record)
	ct.mu.Unlock()
}

// RecordIteration appends an iteration boundary record.
func (ct *CacheTrace) RecordIteration(record IterationRecord) {
	if !ct.enabled(TraceLevelEvictions) {
		return
	}
	ct.mu.Lock()
	ct.Iterations = append(ct.Iterations, record)
	ct.mu.Unlock()
}
