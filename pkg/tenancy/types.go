// Package tenancy provides tenant records, tier classification and the
// isolation checker used to assert cross-tenant boundaries.
package tenancy

import (
	"sync"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// Tier is the service tier of a tenant; boundary policy rules may key on it.
type Tier string

const (
	TierFree      Tier = "free"
	TierStandard  Tier = "standard"
	TierSovereign Tier = "sovereign"
)

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is a Meridian tenant.
type Tenant struct {
	ID          string         `json:"id"`
	Tier        Tier           `json:"tier"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	SuspendedAt *time.Time     `json:"suspended_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsActive returns true if the tenant is active.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Directory is an in-memory tenant lookup. The anonymous placeholder tenant
// is always present at the free tier so unauthenticated sessions can submit
// intents whose contracts do not require identity.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewDirectory creates a directory seeded with the anonymous tenant.
func NewDirectory() *Directory {
	d := &Directory{tenants: make(map[string]*Tenant)}
	d.Put(&Tenant{
		ID:        contracts.AnonymousTenant,
		Tier:      TierFree,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	})
	return d
}

// Put inserts or replaces a tenant record.
func (d *Directory) Put(t *Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
}

// Get returns the tenant record, if known.
func (d *Directory) Get(id string) (*Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	return t, ok
}

// TierOf returns the tier for a tenant, defaulting unknown tenants to free.
func (d *Directory) TierOf(id string) Tier {
	if t, ok := d.Get(id); ok {
		return t.Tier
	}
	return TierFree
}
