package permission

import (
	"container/list"
	"sync"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	constructID string
	policy      *models.ConstructPolicy
	insertedAt  time.Time
	element     *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// PolicyCache is an in-memory LRU cache with TTL for construct policies.
// Thread-safe implementation using sync.Mutex.
type PolicyCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry // Key: construct ID
	lruList *list.List             // Doubly linked list for LRU tracking
	maxSize int                    // Maximum number of entries
	ttl     time.Duration          // Time-to-live for entries
	hits    uint64                 // Cache hit counter
	misses  uint64                 // Cache miss counter
}

// NewPolicyCache creates a new PolicyCache with specified max size and TTL
func NewPolicyCache(maxSize int, ttl time.Duration) *PolicyCache {
	return &PolicyCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a construct's policy from cache.
// Returns nil if not found or expired.
func (c *PolicyCache) Get(constructID string) *models.ConstructPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[constructID]

	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(constructID)
		}
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++

	return entry.policy
}

// Set stores a construct's policy in cache
func (c *PolicyCache) Set(constructID string, policy *models.ConstructPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[constructID]; exists {
		entry.policy = policy
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		constructID: constructID,
		policy:      policy,
		insertedAt:  time.Now(),
	}

	entry.element = c.lruList.PushFront(constructID)
	c.entries[constructID] = entry
}

// Invalidate removes a specific construct's cache entry
func (c *PolicyCache) Invalidate(constructID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(constructID)
}

// Clear removes all entries from the cache
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// Stats returns cache statistics
func (c *PolicyCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// calculateHitRate calculates the cache hit rate (must be called with lock held)
func (c *PolicyCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *PolicyCache) removeEntry(constructID string) {
	if entry, exists := c.entries[constructID]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, constructID)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *PolicyCache) evictLRU() {
	if c.lruList.Len() == 0 {
		return
	}

	backElement := c.lruList.Back()
	if backElement != nil {
		constructID := backElement.Value.(string)
		c.lruList.Remove(backElement)
		delete(c.entries, constructID)
	}
}
