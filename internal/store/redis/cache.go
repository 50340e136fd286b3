// Package redis implements the recent-chunk cache on Redis.
//
// Each stream keeps a capped list of its most recent chunks under a TTL, so
// clients joining mid-stream can backfill the last minute or so of transcript
// without touching the durable store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsecast/streamscribe/internal/store"
)

const (
	// DefaultMaxChunks caps the per-stream list length.
	DefaultMaxChunks = 24

	// DefaultTTL expires a stream's list after it goes quiet.
	DefaultTTL = 10 * time.Minute
)

// Compile-time interface check.
var _ store.Sink = (*Cache)(nil)

// Cache is a Redis-backed cache of each stream's most recent chunks.
type Cache struct {
	client    *redis.Client
	maxChunks int64
	ttl       time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxChunks caps how many chunks are retained per stream.
func WithMaxChunks(n int64) Option {
	return func(c *Cache) { c.maxChunks = n }
}

// WithTTL sets the idle expiry for a stream's chunk list.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// NewCache creates a Cache and verifies the Redis connection.
func NewCache(ctx context.Context, addr, password string, db int, opts ...Option) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("chunk cache: ping: %w", err)
	}
	c := &Cache{
		client:    client,
		maxChunks: DefaultMaxChunks,
		ttl:       DefaultTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewCacheWithClient wraps an existing client. Tests use this with miniredis.
func NewCacheWithClient(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		maxChunks: DefaultMaxChunks,
		ttl:       DefaultTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func chunkKey(streamID string) string {
	return "streamscribe:chunks:" + streamID
}

// Save implements store.Sink. It appends the chunk to the stream's list,
// trims the list to the configured cap, and refreshes the TTL.
func (c *Cache) Save(ctx context.Context, chunk store.Chunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("chunk cache: marshal chunk: %w", err)
	}

	key := chunkKey(chunk.StreamID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -c.maxChunks, -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chunk cache: append chunk: %w", err)
	}
	return nil
}

// Recent returns up to limit of the stream's most recent chunks in
// chronological order. limit <= 0 returns the whole cached list.
func (c *Cache) Recent(ctx context.Context, streamID string, limit int64) ([]store.Chunk, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := c.client.LRange(ctx, chunkKey(streamID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chunk cache: read chunks: %w", err)
	}

	chunks := make([]store.Chunk, 0, len(raw))
	for _, item := range raw {
		var chunk store.Chunk
		if err := json.Unmarshal([]byte(item), &chunk); err != nil {
			return nil, fmt.Errorf("chunk cache: decode chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Drop removes the stream's cached list.
func (c *Cache) Drop(ctx context.Context, streamID string) error {
	return c.client.Del(ctx, chunkKey(streamID)).Err()
}

// Ping reports whether Redis is reachable. Used by the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
