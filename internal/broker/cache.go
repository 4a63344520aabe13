package broker

import (
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEntry is a stored response, keyed by request fingerprint. Only
// successful GET responses that carry an ETag are ever cached.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	ETag     string
	StoredAt time.Time
}

// ResponseCache is a bounded LRU mapping a request fingerprint to a
// CacheEntry, with a time-to-live applied on read. Reads and writes are
// serialized behind the same lock.
type ResponseCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, CacheEntry]
	ttl time.Duration
}

// NewResponseCache creates a cache of the given capacity (clamped to at
// least 1) and TTL.
func NewResponseCache(capacity int, ttl time.Duration) *ResponseCache {
	if capacity < 1 {
		capacity = 1
	}
	c, err := lru.New[string, CacheEntry](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded above.
		panic(err)
	}
	return &ResponseCache{lru: c, ttl: ttl}
}

// Get returns the entry for key only if it is still within TTL.
func (c *ResponseCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	if time.Since(entry.StoredAt) >= c.ttl {
		return CacheEntry{}, false
	}
	return entry, true
}

// Put inserts key->entry, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *ResponseCache) Put(key string, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry)
}
