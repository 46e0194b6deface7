package canonical

import (
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// IntentFingerprint computes the idempotency key of an intent: the SHA-256
// digest of the canonical form of {intent_type, tenant, session, parameters}.
// Metadata and submission time are deliberately excluded — two submissions
// that differ only there are the same unit of work.
func IntentFingerprint(in contracts.Intent) (string, error) {
	return Hash(struct {
		IntentType string         `json:"intent_type"`
		TenantID   string         `json:"tenant_id"`
		SessionID  string         `json:"session_id"`
		Parameters map[string]any `json:"parameters"`
	}{
		IntentType: in.IntentType,
		TenantID:   in.TenantID,
		SessionID:  in.SessionID,
		Parameters: in.Parameters,
	})
}
