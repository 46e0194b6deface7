package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced before an execution exists.
var (
	// ErrCapabilityNotFound means the intent_type is unknown. Client error;
	// no execution is ever created for it.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrExecutionNotFound means no execution exists for the given ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSessionNotFound means no session exists for the given ID.
	ErrSessionNotFound = errors.New("session not found")
)

// PolicyDeniedError means boundary contract evaluation failed closed.
// It carries a policy-explanation code, never raw evaluator internals.
type PolicyDeniedError struct {
	IntentType string
	TenantID   string
	Code       string // e.g. "uncovered_resource_class"
	Resource   string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s (intent_type=%s, resource=%s)", e.Code, e.IntentType, e.Resource)
}

// TenancyViolationError means a cross-tenant state access was attempted.
// Always fatal to the call, never degraded to a warning or a nil read.
type TenancyViolationError struct {
	Caller string // tenant attempting access
	Owner  string // tenant owning the key
	Key    string
}

func (e *TenancyViolationError) Error() string {
	return fmt.Sprintf("tenancy violation: tenant %s attempted access to key %q owned by %s", e.Caller, e.Key, e.Owner)
}

// HandlerFailure wraps a typed failure raised inside a Realm handler.
// Handler errors never cross the lifecycle boundary raw; they are captured
// and translated into a Failed transition.
type HandlerFailure struct {
	ExecutionID string
	IntentType  string
	Code        string
	Cause       error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failure (%s): execution=%s intent_type=%s: %v", e.Code, e.ExecutionID, e.IntentType, e.Cause)
}

func (e *HandlerFailure) Unwrap() error { return e.Cause }

// WalWriteError means the durability layer is unavailable. Execution must
// halt rather than proceed with an unrecorded transition; this is the only
// error class allowed to abort Execute without a terminal WAL state.
type WalWriteError struct {
	ExecutionID string
	Transition  ExecutionState
	Cause       error
}

func (e *WalWriteError) Error() string {
	return fmt.Sprintf("wal write failure: execution=%s transition=%s: %v", e.ExecutionID, e.Transition, e.Cause)
}

func (e *WalWriteError) Unwrap() error { return e.Cause }

// ToolNotAllowedError means an agent named a tool outside its allow-list.
// The call is rejected outright; no Realm execution occurs.
type ToolNotAllowedError struct {
	AgentID  string
	ToolName string
}

func (e *ToolNotAllowedError) Error() string {
	return fmt.Sprintf("tool not allowed: agent=%s tool=%s", e.AgentID, e.ToolName)
}
