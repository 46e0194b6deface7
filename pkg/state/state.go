// Package state is the State Surface: the only place any other component
// may read or write platform state. It exposes two address spaces —
// ephemeral session state and durable execution state — and enforces tenant
// scoping on every operation. Cross-tenant reads always fail with a
// TenancyViolation, never silently return nothing.
package state

import (
	"context"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// SessionSpace holds short-TTL, per-interaction continuity data. It is never
// the mechanism for retrieving domain content.
type SessionSpace interface {
	Get(ctx context.Context, tenantID, sessionID, key string) (any, bool, error)
	Set(ctx context.Context, tenantID, sessionID, key string, value any) error
	Delete(ctx context.Context, tenantID, sessionID, key string) error

	// Rebind moves ownership of a session to a new tenant. Used exactly
	// once, when an anonymous session is upgraded with an identity.
	Rebind(ctx context.Context, sessionID, fromTenant, toTenant string) error
}

// ExecutionSpace is the durable, per-unit-of-work address space. Realms read
// through capability-scoped accessors, never raw lookups across tenants.
type ExecutionSpace interface {
	Get(ctx context.Context, tenantID, executionID, key string) (any, bool, error)
}

// ExecutionWriter is the write handle for execution state. Only the
// lifecycle manager holds one — this single-writer rule replaces
// transactional locking across the surface.
type ExecutionWriter interface {
	Set(ctx context.Context, tenantID, executionID, key string, value any) error
	Delete(ctx context.Context, tenantID, executionID, key string) error
}

// ScopedReader is the execution-scoped, read-only view handed to handlers
// through the ExecutionContext. It pins tenant and execution, so a handler
// cannot address another tenant's keys even with colliding sub-keys.
type ScopedReader struct {
	space       ExecutionSpace
	tenantID    string
	executionID string
}

// NewScopedReader pins an ExecutionSpace view to one execution.
func NewScopedReader(space ExecutionSpace, tenantID, executionID string) *ScopedReader {
	return &ScopedReader{space: space, tenantID: tenantID, executionID: executionID}
}

// Get implements contracts.StateAccessor.
func (r *ScopedReader) Get(ctx context.Context, key string) (any, bool, error) {
	return r.space.Get(ctx, r.tenantID, r.executionID, key)
}

var _ contracts.StateAccessor = (*ScopedReader)(nil)
