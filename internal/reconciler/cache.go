package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/hpc-dispatcher/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

// MessageCache holds the original message body of every tracked job, keyed by correlation id
type MessageCache interface {
	Put(ctx context.Context, correlationID string, body []byte) error
	Get(ctx context.Context, correlationID string) ([]byte, bool, error)
	Delete(ctx context.Context, correlationID string) error
	Len(ctx context.Context) (int, error)
}

// MemoryCache is a process-local MessageCache. Its contents are lost on restart.
type MemoryCache struct {
	mu     sync.RWMutex
	bodies map[string][]byte
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{bodies: make(map[string][]byte)}
}

func (c *MemoryCache) Put(_ context.Context, correlationID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies[correlationID] = append([]byte(nil), body...)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, correlationID string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	body, ok := c.bodies[correlationID]
	return body, ok, nil
}

func (c *MemoryCache) Delete(_ context.Context, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bodies, correlationID)
	return nil
}

func (c *MemoryCache) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bodies), nil
}

// RedisCache stores message bodies as fields of one Redis hash so they survive reconciler restarts
type RedisCache struct {
	rdb *goredis.Client
	key string
}

// NewRedisCache creates a cache over the hash at key
func NewRedisCache(client *redis.Client, key string) *RedisCache {
	return &RedisCache{rdb: client.Redis(), key: key}
}

func (c *RedisCache) Put(ctx context.Context, correlationID string, body []byte) error {
	if err := c.rdb.HSet(ctx, c.key, correlationID, body).Err(); err != nil {
		return fmt.Errorf("failed to cache message %s: %w", correlationID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, correlationID string) ([]byte, bool, error) {
	body, err := c.rdb.HGet(ctx, c.key, correlationID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached message %s: %w", correlationID, err)
	}
	return body, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, correlationID string) error {
	if err := c.rdb.HDel(ctx, c.key, correlationID).Err(); err != nil {
		return fmt.Errorf("failed to evict cached message %s: %w", correlationID, err)
	}
	return nil
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.rdb.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cached messages: %w", err)
	}
	return int(n), nil
}
