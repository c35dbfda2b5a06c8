package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no store entry exists for a key. Fatal when a
	// live proxy expects the entry.
	ErrNotFound = errors.New("plan entry not found")

	// ErrIOFailure wraps disk/OS-level store failures. Fatal to the in-flight operation.
	ErrIOFailure = errors.New("plan store I/O failure")

	// ErrCodec is returned for corrupt or version-mismatched plan bytes.
	ErrCodec = errors.New("plan codec error")

	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("plan store is closed")

	// ErrInvariantViolation is returned when a materialization invariant does not hold.
	ErrInvariantViolation = errors.New("materialization invariant violated")

	// ErrPhaseOrder is returned when an iteration phase is entered out of order.
	ErrPhaseOrder = errors.New("iteration phase out of order")

	// ErrDuplicateAgent is returned when an agent id is added to a population twice.
	ErrDuplicateAgent = errors.New("duplicate agent id")

	// ErrDuplicatePlanID is returned when a pre-assigned plan id is repeated
	// within an agent or is already stored for it.
	ErrDuplicatePlanID = errors.New("duplicate plan id")

	// ErrNotMaterialized is returned by content mutations on an unmaterialized proxy.
	ErrNotMaterialized = errors.New("plan proxy is not materialized")
)

// PlanError attaches the operation and plan identity to an underlying error.
type PlanError struct {
	Op    string
	Agent AgentID
	Plan  PlanID
	Err   error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s %s/%d: %v", e.Op, e.Agent, e.Plan, e.Err)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}
