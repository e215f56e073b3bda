// Package store provides storage backends for OrderPilot.
//
// This file implements the Redis flow-state cache that sits in front of the
// SQL backends for fast hydration after an instance restart.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/redis/go-redis/v9"
)

// flowCacheKeyPrefix namespaces flow-state keys in a shared Redis.
const flowCacheKeyPrefix = "orderpilot:flow:"

// DefaultFlowCacheTTL bounds how long a cached flow state outlives its last
// write. Kept shorter than the flow TTL so the SQL store stays the fallback.
const DefaultFlowCacheTTL = 30 * time.Minute

// RedisFlowCache caches serialized flow states keyed by conversation. It is
// an accelerator, not a source of truth: a miss falls through to the Store.
type RedisFlowCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisFlowCache connects to Redis using the provided options and verifies
// the connection with a ping.
func NewRedisFlowCache(ctx context.Context, opts ...Option) (*RedisFlowCache, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisAddr == "" {
		slog.Error("RedisFlowCache address not set")
		return nil, fmt.Errorf("redis address not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisFlowCache ping failed", "error", err, "addr", cfg.RedisAddr)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisFlowCache connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB)

	return &RedisFlowCache{client: client, ttl: DefaultFlowCacheTTL}, nil
}

// SetTTL overrides the per-entry TTL. Zero keeps entries until deleted.
func (c *RedisFlowCache) SetTTL(ttl time.Duration) {
	c.ttl = ttl
}

// PutFlowState caches a serialized flow state under the conversation key.
func (c *RedisFlowCache) PutFlowState(ctx context.Context, state models.FlowState) error {
	payload, err := marshalFlowState(state)
	if err != nil {
		return err
	}
	key := flowCacheKeyPrefix + state.ConversationID
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		slog.Error("RedisFlowCache.PutFlowState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("cache flow state for %s: %w", state.ConversationID, err)
	}
	return nil
}

// GetFlowState returns the cached flow state or nil, nil on a miss.
func (c *RedisFlowCache) GetFlowState(ctx context.Context, conversationID string) (*models.FlowState, error) {
	key := flowCacheKeyPrefix + conversationID
	payload, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisFlowCache.GetFlowState failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("read cached flow state for %s: %w", conversationID, err)
	}
	return unmarshalFlowState(payload)
}

// DeleteFlowState invalidates the cached entry for a conversation.
func (c *RedisFlowCache) DeleteFlowState(ctx context.Context, conversationID string) error {
	key := flowCacheKeyPrefix + conversationID
	if err := c.client.Del(ctx, key).Err(); err != nil {
		slog.Error("RedisFlowCache.DeleteFlowState failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("invalidate cached flow state for %s: %w", conversationID, err)
	}
	return nil
}

// Ping verifies the Redis connection, used by health checks.
func (c *RedisFlowCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *RedisFlowCache) Close() error {
	return c.client.Close()
}
