package sim

import (
	"fmt"
	"time"
)

// DefaultCacheCapacity is the default bound on simultaneously materialized proxies.
const DefaultCacheCapacity = 10000

// StoreConfig groups persistent store parameters.
type StoreConfig struct {
	Dir            string        // store directory (required unless InMemory)
	InMemory       bool          // no disk persistence; tests only
	SyncWrites     bool          // fsync on every commit (default true)
	GCInterval     time.Duration // value-log GC period (0 = disabled)
	GCDiscardRatio float64       // minimum garbage ratio that triggers a value-log rewrite
	MemTableSize   int64         // bytes; 0 keeps the engine default
}

// DefaultStoreConfig returns durable defaults for dir.
func DefaultStoreConfig(dir string) StoreConfig {
	return StoreConfig{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Validate checks required fields.
func (c StoreConfig) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return fmt.Errorf("store directory is required")
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return fmt.Errorf("gc discard ratio must be in [0, 1], got %v", c.GCDiscardRatio)
	}
	return nil
}

// CacheConfig groups materialization cache parameters.
type CacheConfig struct {
	Capacity int // max simultaneously materialized proxies process-wide (must be >= 1)
}

// CodecConfig groups codec options.
type CodecConfig struct {
	Compression string // "none" or "zstd" (default)
	Level       int    // zstd level 1..22; 0 keeps the library default
}

// LifecycleConfig groups orchestrator parameters.
type LifecycleConfig struct {
	Workers      int     // parallel execution workers (>= 1)
	LearningRate float64 // weight of the experienced score in the blended score, in (0, 1]
}

// DefaultLifecycleConfig returns single-worker defaults with full score replacement.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{Workers: 1, LearningRate: 1.0}
}
