// Package session manages interaction continuity independent of identity.
// Sessions are created without authentication and upgraded in place when
// authentication succeeds; the session_id never changes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
)

// recordKey is the session-space sub-key holding the session record itself.
const recordKey = "session_record"

// Claims are the JWT claims an identity provider asserts on upgrade.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Manager creates, upgrades and resolves sessions on top of the session
// address space of the State Surface.
type Manager struct {
	space   state.SessionSpace
	keyFunc jwt.Keyfunc
	logger  *slog.Logger
}

// NewManager creates a session manager. keyFunc validates upgrade tokens.
func NewManager(space state.SessionSpace, keyFunc jwt.Keyfunc) *Manager {
	return &Manager{
		space:   space,
		keyFunc: keyFunc,
		logger:  slog.Default().With("component", "session"),
	}
}

// Create opens an anonymous session. Authentication is never a precondition
// for session existence.
func (m *Manager) Create(ctx context.Context, metadata map[string]any) (*contracts.Session, error) {
	s := &contracts.Session{
		SessionID: uuid.NewString(),
		TenantID:  contracts.AnonymousTenant,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := m.space.Set(ctx, s.TenantID, s.SessionID, recordKey, s); err != nil {
		return nil, fmt.Errorf("session create: %w", err)
	}
	m.logger.Info("session created", "session_id", s.SessionID)
	return s, nil
}

// Get resolves a session by ID. The record is stored under the owning
// tenant, so resolution tries the anonymous tenant first and falls back to
// the identity recorded in the upgrade log via the owner index.
func (m *Manager) Get(ctx context.Context, sessionID string) (*contracts.Session, error) {
	s, found, err := m.load(ctx, contracts.AnonymousTenant, sessionID)
	if err == nil && found {
		return s, nil
	}
	if err != nil {
		// An upgraded session is owned by its real tenant; the violation
		// carries the owner so we can retry under it.
		if tv, ok := err.(*contracts.TenancyViolationError); ok {
			s, found, err = m.load(ctx, tv.Owner, sessionID)
			if err != nil {
				return nil, err
			}
			if found {
				return s, nil
			}
		} else {
			return nil, err
		}
	}
	return nil, contracts.ErrSessionNotFound
}

// Upgrade attaches an authenticated identity to an existing session. It is
// idempotent and preserves the session_id; the attachment is appended to
// the session's upgrade log, never applied by replacement.
func (m *Manager) Upgrade(ctx context.Context, sessionID, token string) (*contracts.Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("upgrade token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("upgrade token invalid")
	}
	if claims.TenantID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("upgrade token missing tenant_id or user_id")
	}

	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Idempotent re-upgrade with the same identity is a no-op.
	if s.UserID == claims.UserID && s.TenantID == claims.TenantID {
		return s, nil
	}
	if !s.Anonymous() {
		return nil, fmt.Errorf("session %s already bound to another identity", sessionID)
	}

	previousTenant := s.TenantID
	s.UserID = claims.UserID
	s.TenantID = claims.TenantID
	s.UpgradeLog = append(s.UpgradeLog, contracts.UpgradeRecord{
		At:       time.Now().UTC(),
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
	})

	if err := m.space.Rebind(ctx, sessionID, previousTenant, s.TenantID); err != nil {
		return nil, fmt.Errorf("session rebind: %w", err)
	}
	if err := m.space.Set(ctx, s.TenantID, sessionID, recordKey, s); err != nil {
		return nil, fmt.Errorf("session upgrade: %w", err)
	}

	m.logger.Info("session upgraded",
		"session_id", sessionID,
		"tenant_id", s.TenantID,
		"user_id", s.UserID,
	)
	return s, nil
}

func (m *Manager) load(ctx context.Context, tenantID, sessionID string) (*contracts.Session, bool, error) {
	v, ok, err := m.space.Get(ctx, tenantID, sessionID, recordKey)
	if err != nil || !ok {
		return nil, false, err
	}
	switch rec := v.(type) {
	case *contracts.Session:
		return rec, true, nil
	case contracts.Session:
		return &rec, true, nil
	default:
		// Redis-backed spaces round-trip through JSON.
		return decodeSession(v)
	}
}
