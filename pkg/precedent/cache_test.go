package precedent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryCacheHitAndMiss(t *testing.T) {
	c := newQueryCache(10, time.Minute)

	_, ok := c.get("absent")
	assert.False(t, ok)

	c.put("key", []Ranked{{Similarity: 0.9}})
	got, ok := c.get("key")
	assert.True(t, ok)
	assert.Len(t, got, 1)
}

func TestQueryCacheTTLExpiry(t *testing.T) {
	c := newQueryCache(10, time.Minute)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.put("key", nil)
	_, ok := c.get("key")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = c.get("key")
	assert.False(t, ok)
	assert.Zero(t, c.len())
}

func TestQueryCacheEvictsLRU(t *testing.T) {
	c := newQueryCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("k%d", i), nil)
	}

	// Touch k0 so k1 becomes the eviction candidate.
	_, ok := c.get("k0")
	assert.True(t, ok)

	c.put("k3", nil)
	_, ok = c.get("k1")
	assert.False(t, ok)
	_, ok = c.get("k0")
	assert.True(t, ok)
	assert.Equal(t, 3, c.len())
}

func TestQueryCachePurge(t *testing.T) {
	c := newQueryCache(10, time.Minute)
	c.put("a", nil)
	c.put("b", nil)

	c.purge()
	assert.Zero(t, c.len())
	_, ok := c.get("a")
	assert.False(t, ok)
}

func TestQueryCacheDefaults(t *testing.T) {
	c := newQueryCache(0, 0)
	assert.Equal(t, defaultCacheSize, c.size)
	assert.Equal(t, defaultCacheTTL, c.ttl)
}
