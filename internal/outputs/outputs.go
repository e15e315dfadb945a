// Package outputs caches completed task outputs under their retrieval
// identifiers. Entries expire after the retention window; expiry is the
// cache's job, not a sweep.
package outputs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TTL is how long a completed output stays retrievable.
const TTL = 15 * time.Minute

// ErrNotFound is returned when no output exists under a retrieval id.
var ErrNotFound = errors.New("output not found")

// Cache stores binary outputs keyed by retrieval identifier.
type Cache interface {
	Put(ctx context.Context, retrieveID string, data []byte) error
	Get(ctx context.Context, retrieveID string) ([]byte, error)
}

// RedisCache is the production Cache backed by Redis with native expiry.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis at addr.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Put stores data under the retrieval id with the retention TTL.
func (r *RedisCache) Put(ctx context.Context, retrieveID string, data []byte) error {
	return r.client.Set(ctx, "output:"+retrieveID, data, TTL).Err()
}

// Get returns the cached output, or ErrNotFound after expiry.
func (r *RedisCache) Get(ctx context.Context, retrieveID string) ([]byte, error) {
	data, err := r.client.Get(ctx, "output:"+retrieveID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryCache is an in-process Cache used in tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data     []byte
	expireAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Put stores data with the retention TTL.
func (m *MemoryCache) Put(_ context.Context, retrieveID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[retrieveID] = memoryEntry{data: data, expireAt: time.Now().Add(TTL)}
	return nil
}

// Get returns the cached output, or ErrNotFound when missing or expired.
func (m *MemoryCache) Get(_ context.Context, retrieveID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[retrieveID]
	if !ok || time.Now().After(e.expireAt) {
		delete(m.entries, retrieveID)
		return nil, ErrNotFound
	}
	return e.data, nil
}
