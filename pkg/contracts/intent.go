// Package contracts defines the shared data contracts of the Meridian
// execution core: intents, executions, boundary contracts, sessions and
// artifacts. Every other package speaks in these types.
package contracts

import (
	"time"
)

// AnonymousTenant is the placeholder tenant attached to sessions that have
// not yet been upgraded with an authenticated identity.
const AnonymousTenant = "tenant:anonymous"

// Intent is the unit of requested work. It is immutable once submitted;
// re-submitting an identical intent (same fingerprint) after completion
// returns the prior result.
type Intent struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	SolutionID string         `json:"solution_id,omitempty"` // nullable during anonymous phase
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Submitted  time.Time      `json:"submitted"`
}

// Determinism classifies a capability for replay purposes. Replay guarantees
// are only claimed for deterministic capabilities.
type Determinism string

const (
	Deterministic Determinism = "deterministic"
	AgentAssisted Determinism = "agent-assisted"
)

// Event is an observable fact emitted by a handler alongside its artifacts.
type Event struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// HandlerResult is what a Realm handler returns on success.
type HandlerResult struct {
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Events    []Event    `json:"events,omitempty"`
}

// ExecutionResult is returned to the caller of Execute.
type ExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	State       ExecutionState `json:"state"`
	Artifacts   []Artifact     `json:"artifacts,omitempty"`
	Events      []Event        `json:"events,omitempty"`
	Reused      bool           `json:"reused"` // true when served from a prior completed execution
}
