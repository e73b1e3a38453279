package processors

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/dproc-io/dproc/pkg/processor"
)

// TTLCache backs the processor cache contract with an in-process
// ristretto cache. One instance is shared by all pipelines; use Scoped
// to namespace keys per pipeline.
type TTLCache struct {
	inner *ristretto.Cache[string, any]
}

// NewTTLCache creates the shared processor cache. Costs are uniform, so
// MaxCost effectively bounds the entry count.
func NewTTLCache() (*TTLCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 1 << 14,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TTLCache{inner: inner}, nil
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	return c.inner.Get(key)
}

// Set stores value under key for at most ttl. A ttl of zero or less
// stores the value without expiry. Writes are flushed before returning
// so a processor sees its own writes.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if ttl > 0 {
		c.inner.SetWithTTL(key, value, 1, ttl)
	} else {
		c.inner.Set(key, value, 1)
	}
	c.inner.Wait()
}

// Close releases the cache's internal goroutines.
func (c *TTLCache) Close() {
	c.inner.Close()
}

// scopedCache prefixes every key so pipelines cannot read each other's
// entries from the shared cache.
type scopedCache struct {
	inner processor.Cache
	scope string
}

// ScopeCache namespaces a cache under scope.
func ScopeCache(inner processor.Cache, scope string) processor.Cache {
	return &scopedCache{inner: inner, scope: scope}
}

func (c *scopedCache) key(key string) string {
	return c.scope + "\x00" + key
}

func (c *scopedCache) Get(key string) (any, bool) {
	return c.inner.Get(c.key(key))
}

func (c *scopedCache) Set(key string, value any, ttl time.Duration) {
	c.inner.Set(c.key(key), value, ttl)
}
