package sim

import "context"

// PlanMeta is the metadata stored alongside every plan payload. It is readable
// without decoding the payload.
type PlanMeta struct {
	Score     float64 // UndefinedScore() when unscored; stores persist a flag instead of NaN
	Iteration int     // iteration the plan was created in
	Selected  bool
}

// PlanStore is the durable mapping (agent id, plan id) -> payload + metadata.
// Implementations must be safe for concurrent use; operations on the same key
// are mutually exclusive, operations on different keys may run in parallel.
type PlanStore interface {
	// NextPlanID allocates a plan id that has never been returned before,
	// including across restarts. Never returns NoPlanID.
	NextPlanID(ctx context.Context) (PlanID, error)

	// Put writes payload and metadata, overwriting any existing entry. Durable on return.
	Put(ctx context.Context, agent AgentID, plan PlanID, payload []byte, meta PlanMeta) error

	// PutMetadata overwrites only the metadata of an existing entry.
	// Returns ErrNotFound when the entry does not exist.
	PutMetadata(ctx context.Context, agent AgentID, plan PlanID, meta PlanMeta) error

	// Get returns the payload or ErrNotFound.
	Get(ctx context.Context, agent AgentID, plan PlanID) ([]byte, error)

	// GetMetadata returns the metadata without reading the payload, or ErrNotFound.
	GetMetadata(ctx context.Context, agent AgentID, plan PlanID) (PlanMeta, error)

	// ListPlanIDs returns the agent's plan ids in insertion order.
	ListPlanIDs(ctx context.Context, agent AgentID) ([]PlanID, error)

	// ForEachAgent calls fn once per agent that has at least one entry.
	ForEachAgent(ctx context.Context, fn func(AgentID) error) error

	// Delete removes the entry or returns ErrNotFound.
	Delete(ctx context.Context, agent AgentID, plan PlanID) error

	// Close flushes and releases the backing files.
	Close() error
}

// OpenPlanStoreFunc opens the registered PlanStore implementation.
// Set by sim/store's init(). Production code imports sim/store directly;
// test code in package sim relies on the blank import in store_import_test.go.
var OpenPlanStoreFunc func(cfg StoreConfig) (PlanStore, error)
