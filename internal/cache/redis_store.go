// Package cache provides the per-identity local roster cache backed by
// Redis, including best-effort upgrades from two older persisted formats.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eldersign/api/internal/roster"
	"github.com/redis/go-redis/v9"
)

const (
	// baseKey is the namespaced cache key prefix. It doubles as the
	// legacy shared key written before caches were split per identity.
	baseKey = "eldersign_party_record_cache_v2"
	// legacyListKey is the oldest format: a bare JSON array of entries.
	legacyListKey = "eldersign_party_record_v1"
)

// RedisStore implements the local cache adapter on Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Key returns the namespaced cache key for an identity. An empty uid
// maps to the shared anonymous namespace.
func Key(uid string) string {
	if uid == "" {
		uid = "anonymous"
	}
	return baseKey + "_" + uid
}

// Read loads the cached roster for an identity. It tries the namespaced
// key, then the legacy shared key (copying it forward on hit), then the
// oldest bare-list format. Decode failures are swallowed; the second
// result is false when nothing usable was found.
func (s *RedisStore) Read(ctx context.Context, uid string) (roster.Store, bool) {
	if raw, ok := s.get(ctx, Key(uid)); ok {
		if store, ok := roster.Decode(raw); ok {
			return store, true
		}
	}

	if raw, ok := s.get(ctx, baseKey); ok {
		if store, ok := roster.Decode(raw); ok {
			// Copy the shared-format cache into this identity's
			// namespace; failures here don't matter.
			_ = s.client.Set(ctx, Key(uid), raw, 0).Err()
			return store, true
		}
	}

	if raw, ok := s.get(ctx, legacyListKey); ok {
		if store, ok := roster.DecodeLegacyEntryList(raw); ok {
			return store, true
		}
	}

	return roster.Store{}, false
}

// Write stores the roster under the identity's namespaced key.
func (s *RedisStore) Write(ctx context.Context, uid string, store roster.Store) error {
	payload, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("marshal roster cache: %w", err)
	}
	if err := s.client.Set(ctx, Key(uid), payload, 0).Err(); err != nil {
		return fmt.Errorf("write roster cache: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || err != nil {
		return nil, false
	}
	return raw, true
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
