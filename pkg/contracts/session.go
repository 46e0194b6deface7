package contracts

import "time"

// UpgradeRecord is one entry in a session's append-only upgrade log.
// Identity attachment is recorded, never applied by object replacement.
type UpgradeRecord struct {
	At       time.Time `json:"at"`
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
}

// Session represents continuity of interaction, independent of identity.
// It is created on first contact without authentication and upgraded in
// place when authentication succeeds — the session_id never changes.
type Session struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id,omitempty"`
	TenantID   string          `json:"tenant_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	UpgradeLog []UpgradeRecord `json:"upgrade_log,omitempty"`
}

// Anonymous reports whether the session has not yet been bound to an identity.
func (s *Session) Anonymous() bool {
	return s.UserID == "" || s.TenantID == AnonymousTenant
}
