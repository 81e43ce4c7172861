// Package memcache is an in-process cache.Cache used by tests and by local
// runs without redis.
package memcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is safe for concurrent use. Set Err to make every call fail.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	Err error
}

func New() *Cache {
	return &Cache{entries: map[string]entry{}, now: time.Now}
}

func (c *Cache) get(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) set(key string, value []byte, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *Cache) Ping(_ context.Context) error { return c.Err }

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.get(key)
	return v, ok, nil
}

func (c *Cache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return c.Set(ctx, cache.JobStatusKey(jobID), []byte(status), ttl)
}

func (c *Cache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	v, ok, err := c.Get(ctx, cache.JobStatusKey(jobID))
	return string(v), ok, err
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	v, _ := c.get(key)
	n, _ := strconv.ParseInt(string(v), 10, 64)
	n++
	c.set(key, []byte(strconv.FormatInt(n, 10)), expiry)
	return n, nil
}

func (c *Cache) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", false, c.Err
	}
	if _, held := c.get(key); held {
		return "", false, nil
	}
	token := uuid.NewString()
	c.set(key, []byte(token), ttl)
	return token, true, nil
}

func (c *Cache) ReleaseLock(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if v, ok := c.get(key); ok && string(v) == token {
		delete(c.entries, key)
	}
	return nil
}

var _ cache.Cache = (*Cache)(nil)
