package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// RedisSessionSpace backs session state with Redis so continuity survives a
// process restart and is shared across instances. Values are JSON-encoded.
type RedisSessionSpace struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionSpace wraps an existing Redis client.
func NewRedisSessionSpace(client *redis.Client, ttl time.Duration) *RedisSessionSpace {
	return &RedisSessionSpace{client: client, ttl: ttl}
}

func redisSessionKey(sessionID, key string) string {
	return fmt.Sprintf("meridian:session:%s:%s", sessionID, key)
}

func redisOwnerKey(sessionID string) string {
	return "meridian:session_owner:" + sessionID
}

func (s *RedisSessionSpace) checkOwner(ctx context.Context, tenantID, sessionID, key string, pin bool) error {
	owner, err := s.client.Get(ctx, redisOwnerKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		if pin {
			return s.client.Set(ctx, redisOwnerKey(sessionID), tenantID, s.ttl).Err()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("session owner lookup: %w", err)
	}
	if owner != tenantID {
		return &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: sessionID + "/" + key}
	}
	if pin {
		// Refresh the owner TTL alongside the write.
		return s.client.Expire(ctx, redisOwnerKey(sessionID), s.ttl).Err()
	}
	return nil
}

// Get implements SessionSpace.
func (s *RedisSessionSpace) Get(ctx context.Context, tenantID, sessionID, key string) (any, bool, error) {
	if err := s.checkOwner(ctx, tenantID, sessionID, key, false); err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, redisSessionKey(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session get: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("session decode: %w", err)
	}
	return v, true, nil
}

// Set implements SessionSpace.
func (s *RedisSessionSpace) Set(ctx context.Context, tenantID, sessionID, key string, value any) error {
	if err := s.checkOwner(ctx, tenantID, sessionID, key, true); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	return s.client.Set(ctx, redisSessionKey(sessionID, key), raw, s.ttl).Err()
}

// Delete implements SessionSpace.
func (s *RedisSessionSpace) Delete(ctx context.Context, tenantID, sessionID, key string) error {
	if err := s.checkOwner(ctx, tenantID, sessionID, key, false); err != nil {
		return err
	}
	return s.client.Del(ctx, redisSessionKey(sessionID, key)).Err()
}

// Rebind implements SessionSpace.
func (s *RedisSessionSpace) Rebind(ctx context.Context, sessionID, fromTenant, toTenant string) error {
	owner, err := s.client.Get(ctx, redisOwnerKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session owner lookup: %w", err)
	}
	if err == nil && owner != fromTenant {
		return &contracts.TenancyViolationError{Caller: fromTenant, Owner: owner, Key: sessionID}
	}
	return s.client.Set(ctx, redisOwnerKey(sessionID), toTenant, s.ttl).Err()
}

var _ SessionSpace = (*RedisSessionSpace)(nil)
