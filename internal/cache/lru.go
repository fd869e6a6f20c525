// Package cache implements the two-layer response cache: an in-process
// LRU bounded by entries and bytes (L1) over the durable store (L2), with
// resource-aware TTLs and debounced background refresh.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// LRUCache is a thread-safe LRU keyed by string, bounded by both total
// byte size and entry count. Lookups promote entries; either bound breach
// evicts from the cold end.
type LRUCache struct {
	mu          sync.Mutex
	maxBytes    int64
	maxEntries  int
	currentSize int64
	items       map[string]*lruItem
	evictList   *list.List

	stats types.CacheStats
	now   func() time.Time
}

type lruItem struct {
	key          string
	value        []byte
	createdAt    time.Time
	expiresAt    time.Time
	accessCount  int64
	lastAccessed time.Time
	sizeBytes    int64
	element      *list.Element
}

// NewLRUCache creates an L1 cache. Zero limits fall back to 16MB / 4096
// entries.
func NewLRUCache(maxBytes int64, maxEntries int) *LRUCache {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &LRUCache{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		items:      make(map[string]*lruItem),
		evictList:  list.New(),
		stats:      types.CacheStats{Capacity: maxBytes},
		now:        time.Now,
	}
}

// Get returns the cached value, promoting the entry on hit. Expired
// entries are removed and reported as misses.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return nil, false
	}

	if c.now().After(item.expiresAt) {
		c.removeItem(item)
		c.stats.Misses++
		return nil, false
	}

	item.lastAccessed = c.now()
	item.accessCount++
	c.evictList.MoveToFront(item.element)

	c.stats.Hits++
	c.updateHitRate()

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true
}

// Set stores a value with the given TTL, evicting cold entries when either
// the byte or entry bound is breached.
func (c *LRUCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	size := int64(len(value))

	if item, exists := c.items[key]; exists {
		c.currentSize += size - item.sizeBytes
		item.value = append(item.value[:0], value...)
		item.sizeBytes = size
		item.createdAt = now
		item.expiresAt = now.Add(ttl)
		item.lastAccessed = now
		item.accessCount++
		c.evictList.MoveToFront(item.element)
		c.evictIfNeeded()
		return
	}

	item := &lruItem{
		key:          key,
		value:        append([]byte(nil), value...),
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		accessCount:  1,
		lastAccessed: now,
		sizeBytes:    size,
	}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item
	c.currentSize += size

	c.evictIfNeeded()
}

// Delete removes one entry, reporting whether it existed.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeItem(item)
	return true
}

// DeleteMatching removes entries whose keys satisfy the predicate,
// returning the count.
func (c *LRUCache) DeleteMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []*lruItem
	for key, item := range c.items {
		if match(key) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		c.removeItem(item)
	}
	return len(doomed)
}

// PurgeExpired removes all expired entries, returning the count.
func (c *LRUCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var doomed []*lruItem
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		c.removeItem(item)
	}
	return len(doomed)
}

// Clear drops all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruItem)
	c.evictList.Init()
	c.currentSize = 0
}

// Stats returns a snapshot of the cache counters.
func (c *LRUCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Size = c.currentSize
	stats.Capacity = c.maxBytes
	if c.maxBytes > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.maxBytes)
	}
	return stats
}

func (c *LRUCache) removeItem(item *lruItem) {
	c.evictList.Remove(item.element)
	delete(c.items, item.key)
	c.currentSize -= item.sizeBytes
	c.stats.Evictions++
}

func (c *LRUCache) evictIfNeeded() {
	for (c.currentSize > c.maxBytes || len(c.items) > c.maxEntries) && c.evictList.Len() > 0 {
		oldest := c.evictList.Back()
		if oldest == nil {
			return
		}
		c.removeItem(oldest.Value.(*lruItem))
	}
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
