package contracts

import "time"

// AccessMode is the permitted direction of access for a resource class.
type AccessMode string

const (
	AccessRead    AccessMode = "read"
	AccessWrite   AccessMode = "write"
	AccessPersist AccessMode = "persist"
)

// ContractOrigin distinguishes "policy said yes" from "policy said nothing,
// so we allowed a default". Downstream audit depends on this distinction.
type ContractOrigin string

const (
	OriginAuthored    ContractOrigin = "authored"
	OriginSynthesized ContractOrigin = "synthesized"
)

// Grant is a single {resource-class, access-mode, scope} permission triple,
// e.g. {"content.files", "write", "tenant:T1"}.
type Grant struct {
	ResourceClass string     `json:"resource_class"`
	Mode          AccessMode `json:"mode"`
	Scope         string     `json:"scope"`
}

// BoundaryContract governs what an execution may touch. It always exists
// before a handler runs; it is never optional.
type BoundaryContract struct {
	ContractID string         `json:"contract_id"`
	TenantID   string         `json:"tenant_id"`
	IntentType string         `json:"intent_type"`
	Origin     ContractOrigin `json:"origin"`
	Grants     []Grant        `json:"grants"`
	RuleIDs    []string       `json:"rule_ids,omitempty"` // authored rules that matched
	IssuedAt   time.Time      `json:"issued_at"`
}

// Allows reports whether the contract grants the given access on a resource
// class. Scope matching is exact or wildcard ("*").
func (c *BoundaryContract) Allows(resourceClass string, mode AccessMode, scope string) bool {
	for _, g := range c.Grants {
		if g.ResourceClass != resourceClass || g.Mode != mode {
			continue
		}
		if g.Scope == "*" || g.Scope == scope {
			return true
		}
	}
	return false
}
