package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseCacheGetPutRoundtrip(t *testing.T) {
	cache := NewResponseCache(10, time.Hour)
	entry := CacheEntry{Status: 200, Body: []byte("hello"), ETag: `"abc"`, StoredAt: time.Now()}
	cache.Put("key", entry)

	got, ok := cache.Get("key")
	require.True(t, ok)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, entry.ETag, got.ETag)
}

func TestResponseCacheExpiresByTTL(t *testing.T) {
	cache := NewResponseCache(10, time.Millisecond)
	cache.Put("key", CacheEntry{Status: 200, StoredAt: time.Now().Add(-time.Second)})

	_, ok := cache.Get("key")
	assert.False(t, ok)
}

func TestResponseCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewResponseCache(1, time.Hour)
	cache.Put("first", CacheEntry{Status: 200, StoredAt: time.Now()})
	cache.Put("second", CacheEntry{Status: 200, StoredAt: time.Now()})

	_, ok := cache.Get("first")
	assert.False(t, ok, "first entry should have been evicted at capacity 1")

	_, ok = cache.Get("second")
	assert.True(t, ok)
}

func TestResponseCacheMissReturnsFalse(t *testing.T) {
	cache := NewResponseCache(10, time.Hour)
	_, ok := cache.Get("absent")
	assert.False(t, ok)
}
