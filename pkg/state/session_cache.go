package state

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// CacheSessionSpace is an in-process TTL session store. Entries expire after
// the configured TTL (bounded, hours at most) and are swept periodically.
type CacheSessionSpace struct {
	cache *gocache.Cache

	mu     sync.RWMutex
	owners map[string]string // sessionID -> tenantID
}

// NewCacheSessionSpace creates a session space with the given TTL.
func NewCacheSessionSpace(ttl time.Duration) *CacheSessionSpace {
	return &CacheSessionSpace{
		cache:  gocache.New(ttl, ttl/2),
		owners: make(map[string]string),
	}
}

func sessionKey(sessionID, key string) string {
	return sessionID + "\x00" + key
}

func (s *CacheSessionSpace) checkOwner(tenantID, sessionID, key string, pin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[sessionID]
	if !ok {
		if pin {
			s.owners[sessionID] = tenantID
		}
		return nil
	}
	if owner != tenantID {
		return &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: sessionID + "/" + key}
	}
	return nil
}

// Get implements SessionSpace.
func (s *CacheSessionSpace) Get(ctx context.Context, tenantID, sessionID, key string) (any, bool, error) {
	if err := s.checkOwner(tenantID, sessionID, key, false); err != nil {
		return nil, false, err
	}
	v, ok := s.cache.Get(sessionKey(sessionID, key))
	return v, ok, nil
}

// Set implements SessionSpace.
func (s *CacheSessionSpace) Set(ctx context.Context, tenantID, sessionID, key string, value any) error {
	if err := s.checkOwner(tenantID, sessionID, key, true); err != nil {
		return err
	}
	s.cache.SetDefault(sessionKey(sessionID, key), value)
	return nil
}

// Delete implements SessionSpace.
func (s *CacheSessionSpace) Delete(ctx context.Context, tenantID, sessionID, key string) error {
	if err := s.checkOwner(tenantID, sessionID, key, false); err != nil {
		return err
	}
	s.cache.Delete(sessionKey(sessionID, key))
	return nil
}

// Rebind implements SessionSpace.
func (s *CacheSessionSpace) Rebind(ctx context.Context, sessionID, fromTenant, toTenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[sessionID]
	if ok && owner != fromTenant {
		return &contracts.TenancyViolationError{Caller: fromTenant, Owner: owner, Key: sessionID}
	}
	s.owners[sessionID] = toTenant
	return nil
}

var _ SessionSpace = (*CacheSessionSpace)(nil)
