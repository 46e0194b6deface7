package tenancy

import (
	"fmt"
	"sync"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/canonical"
)

// IsolationReceipt proves no cross-tenant leakage occurred for an operation.
type IsolationReceipt struct {
	ReceiptID    string    `json:"receipt_id"`
	TenantID     string    `json:"tenant_id"`
	OperationID  string    `json:"operation_id"`
	ChecksPassed int       `json:"checks_passed"`
	ChecksFailed int       `json:"checks_failed"`
	Violations   []string  `json:"violations,omitempty"`
	Isolated     bool      `json:"isolated"`
	ContentHash  string    `json:"content_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsolationChecker is the runtime assertion hook behind tenancy audits. The
// lifecycle manager registers every execution under its owning tenant; audits
// then check accesses against the owner index instead of trusting callers.
type IsolationChecker struct {
	mu        sync.RWMutex
	owners    map[string]string // resource ID -> owning tenant
	conflicts []string
	seq       int64
	clock     func() time.Time
}

// NewIsolationChecker creates a checker with an empty owner index.
func NewIsolationChecker() *IsolationChecker {
	return &IsolationChecker{
		owners: make(map[string]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *IsolationChecker) WithClock(clock func() time.Time) *IsolationChecker {
	c.clock = clock
	return c
}

// RegisterResource pins a resource to its owning tenant. Ownership is
// first-writer-wins; a second claim by a different tenant is recorded as a
// conflict rather than silently re-pinning.
func (c *IsolationChecker) RegisterResource(tenantID, resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, claimed := c.owners[resourceID]
	if claimed && owner != tenantID {
		c.conflicts = append(c.conflicts,
			fmt.Sprintf("resource %s claimed by both %s and %s", resourceID, owner, tenantID))
		return
	}
	c.owners[resourceID] = tenantID
}

// CheckAccess verifies a tenant only touches resources it owns and produces
// a receipt either way. Unregistered resources pass: there is nothing to
// leak from.
func (c *IsolationChecker) CheckAccess(tenantID string, resourceIDs []string) *IsolationReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	receipt := &IsolationReceipt{
		ReceiptID:   fmt.Sprintf("iso-%d", c.seq),
		TenantID:    tenantID,
		OperationID: fmt.Sprintf("op-%d", c.seq),
		Isolated:    true,
		Timestamp:   c.clock(),
	}

	for _, resourceID := range resourceIDs {
		owner, claimed := c.owners[resourceID]
		if !claimed || owner == tenantID {
			receipt.ChecksPassed++
			continue
		}
		receipt.ChecksFailed++
		receipt.Isolated = false
		receipt.Violations = append(receipt.Violations,
			fmt.Sprintf("tenant %s attempted to access resource %s owned by %s", tenantID, resourceID, owner))
	}

	receipt.ContentHash = "sha256:" + canonical.HashBytes([]byte(fmt.Sprintf(
		"%s:%s:%d:%d", receipt.TenantID, receipt.OperationID, receipt.ChecksPassed, receipt.ChecksFailed)))
	return receipt
}

// VerifyIsolation reports whether any resource was ever claimed by more than
// one tenant.
func (c *IsolationChecker) VerifyIsolation() (bool, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	violations := make([]string, len(c.conflicts))
	copy(violations, c.conflicts)
	return len(violations) == 0, violations
}
