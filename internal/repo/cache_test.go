package repo

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/fleet-assistant/internal/cache"
)

// recordingCache is an in-memory cache.Provider that remembers the TTL of
// every write.
type recordingCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
}

var _ cache.Provider = (*recordingCache)(nil)

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, cache.ErrCacheMiss
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *recordingCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	_, exists := c.entries[key]
	c.mu.Unlock()
	if exists {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *recordingCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.ttls, key)
	return nil
}

func (c *recordingCache) Close() error { return nil }

// snapshot returns the recorded TTL per key.
func (c *recordingCache) snapshot() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Duration, len(c.ttls))
	for k, v := range c.ttls {
		out[k] = v
	}
	return out
}
