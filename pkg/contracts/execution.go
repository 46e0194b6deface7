package contracts

import (
	"context"
	"sync/atomic"
	"time"
)

// ExecutionState is the lifecycle state of an Execution.
type ExecutionState string

const (
	StateAccepted    ExecutionState = "ACCEPTED"
	StateRunning     ExecutionState = "RUNNING"
	StateSuspended   ExecutionState = "SUSPENDED"
	StateCancelling  ExecutionState = "CANCELLING"
	StateCompleted   ExecutionState = "COMPLETED"
	StateFailed      ExecutionState = "FAILED"
	StateCompensated ExecutionState = "COMPENSATED"
)

// IsTerminal reports whether the state is final and immutable.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated:
		return true
	}
	return false
}

// legalTransitions is the saga state machine:
// Accepted -> Running -> (Suspended <-> Running)* -> Completed | Failed,
// Failed -> Compensated, and Cancelling reachable from any live state.
var legalTransitions = map[ExecutionState][]ExecutionState{
	StateAccepted:   {StateRunning, StateCancelling},
	StateRunning:    {StateSuspended, StateCancelling, StateCompleted, StateFailed},
	StateSuspended:  {StateRunning, StateCancelling},
	StateCancelling: {StateCompensated, StateFailed},
	StateFailed:     {StateCompensated},
}

// CanTransition reports whether from -> to is a legal saga transition.
func CanTransition(from, to ExecutionState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is a single run of a Capability against an Intent.
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	Intent      Intent         `json:"intent"`
	Fingerprint string         `json:"fingerprint"`
	TenantID    string         `json:"tenant_id"`
	SessionID   string         `json:"session_id"`
	State       ExecutionState `json:"state"`
	Contract    *BoundaryContract `json:"contract"`
	Result      *ExecutionResult  `json:"result,omitempty"`
	FailureCode string         `json:"failure_code,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StateAccessor is the execution-scoped view into the State Surface that a
// handler receives. Reads are tenant-scoped; writes go through the lifecycle
// manager only, so handlers get no setter here.
type StateAccessor interface {
	Get(ctx context.Context, key string) (any, bool, error)
}

// ExecutionContext is created once per accepted Intent and passed by
// reference through the handler invocation. A handler invocation without an
// attached BoundaryContract is a programming error; the lifecycle manager
// never constructs one without it.
type ExecutionContext struct {
	ExecutionID string
	Intent      Intent
	TenantID    string
	SessionID   string
	Contract    *BoundaryContract
	State       StateAccessor

	cancelled atomic.Bool
}

// Cancelled reports whether cancellation has been requested. Handlers must
// observe this at safe checkpoints; they are never forcibly terminated.
func (ec *ExecutionContext) Cancelled() bool {
	return ec.cancelled.Load()
}

// RequestCancel flags the execution for cooperative cancellation.
func (ec *ExecutionContext) RequestCancel() {
	ec.cancelled.Store(true)
}

// Handler is the Realm handler interface. Realms are solely responsible for
// actual data access; the core never touches a Realm's store directly.
type Handler func(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error)
