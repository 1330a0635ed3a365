package categorize

import (
	"context"
	"sync"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/hash/sha256"
)

// Cache stores LLM categorizations keyed by content hash.
type Cache interface {
	Get(ctx context.Context, key string) (crawler.CategorizationResult, bool, error)
	Set(ctx context.Context, key string, res crawler.CategorizationResult) error
}

// CacheKey is the content hash used for both cache lookups and storage.
func CacheKey(title, content string) string {
	return sha256.Sum([]byte(title + "\n" + content))
}

// MemoryCache is an unbounded in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]crawler.CategorizationResult
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]crawler.CategorizationResult)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (crawler.CategorizationResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, res crawler.CategorizationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = res
	return nil
}

// Len reports the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
