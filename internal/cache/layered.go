package cache

import (
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/store"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// RefreshFunc re-fetches the value for a cache key. Returning an error
// leaves the stale entry in place.
type RefreshFunc func(key string) ([]byte, error)

// Config tunes the layered cache.
type Config struct {
	L1MaxBytes      int64         `yaml:"l1_max_bytes"`
	L1MaxEntries    int           `yaml:"l1_max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`
	RefreshBatch    int           `yaml:"refresh_batch"`
}

// DefaultConfig returns the default cache tuning.
func DefaultConfig() Config {
	return Config{
		L1MaxBytes:      16 * 1024 * 1024,
		L1MaxEntries:    4096,
		CleanupInterval: 5 * time.Minute,
		RefreshDebounce: time.Second,
		RefreshBatch:    8,
	}
}

// Layered is the two-layer cache: an in-process LRU (L1) in front of the
// durable store (L2). L2 is authoritative; an L1 miss falls through, an L2
// hit is written back into L1, and writes go through both layers so L2
// stays a superset of L1 modulo TTL skew.
type Layered struct {
	l1     *LRUCache
	l2     *store.Store
	config Config
	logger *zap.Logger

	refreshFn RefreshFunc

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	statsMu  sync.Mutex
	l2Hits   uint64
	l2Misses uint64
}

// NewLayered creates the two-layer cache. refreshFn may be nil, disabling
// background refresh.
func NewLayered(cfg Config, l2 *store.Store, refreshFn RefreshFunc, logger *zap.Logger) *Layered {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = time.Second
	}
	if cfg.RefreshBatch <= 0 {
		cfg.RefreshBatch = 8
	}

	c := &Layered{
		l1:        NewLRUCache(cfg.L1MaxBytes, cfg.L1MaxEntries),
		l2:        l2,
		config:    cfg,
		logger:    logger.Named("cache"),
		refreshFn: refreshFn,
		pending:   make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupLoop()

	return c
}

// Get returns the cached value for key, or nil when absent in both layers.
// A miss optionally enqueues the key for debounced background refresh.
func (c *Layered) Get(key string) []byte {
	if value, ok := c.l1.Get(key); ok {
		return value
	}

	row, ok, err := c.l2.Get(store.BucketCache, key)
	if err != nil {
		c.logger.Warn("l2 read failed", zap.String("key", key), zap.Error(err))
	}
	if !ok {
		c.statsMu.Lock()
		c.l2Misses++
		c.statsMu.Unlock()
		c.enqueueRefresh(key)
		return nil
	}

	c.statsMu.Lock()
	c.l2Hits++
	c.statsMu.Unlock()

	// Backfill L1 with the remaining lifetime so both layers expire
	// together.
	ttl := TTLFor(key)
	if row.ExpiresAt != nil {
		if remaining := time.Until(*row.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		c.l1.Set(key, row.Value, ttl)
	}
	return row.Value
}

// Set writes through both layers. A zero ttl uses the resource-specific
// TTL derived from the key.
func (c *Layered) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = TTLFor(key)
	}
	expires := time.Now().Add(ttl)

	if err := c.l2.Upsert(store.BucketCache, key, value, &expires); err != nil {
		c.logger.Warn("l2 write failed", zap.String("key", key), zap.Error(err))
	}
	c.l1.Set(key, value, ttl)
}

// Delete removes the key from both layers, reporting whether either layer
// held it.
func (c *Layered) Delete(key string) bool {
	l1Had := c.l1.Delete(key)
	l2Had, err := c.l2.Delete(store.BucketCache, key)
	if err != nil {
		c.logger.Warn("l2 delete failed", zap.String("key", key), zap.Error(err))
	}
	return l1Had || l2Had
}

// DeletePattern removes all keys matching a glob pattern from both layers
// and returns the L2 count (authoritative).
func (c *Layered) DeletePattern(pattern string) int {
	c.l1.DeleteMatching(func(key string) bool {
		ok, _ := path.Match(pattern, key)
		return ok
	})
	n, err := c.l2.DeletePattern(store.BucketCache, pattern)
	if err != nil {
		c.logger.Warn("l2 pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
	}
	return n
}

// Refresh synchronously re-fetches one key using fn (or the configured
// refresh function when fn is nil) and stores the result.
func (c *Layered) Refresh(key string, fn RefreshFunc) error {
	if fn == nil {
		fn = c.refreshFn
	}
	if fn == nil {
		return nil
	}
	value, err := fn(key)
	if err != nil {
		return err
	}
	c.Set(key, value, 0)
	return nil
}

// Cleanup purges expired entries from both layers, returning per-layer
// counts.
func (c *Layered) Cleanup() (l1Evicted, l2Evicted int) {
	l1Evicted = c.l1.PurgeExpired()
	n, err := c.l2.DeleteExpiredBefore(store.BucketCache, time.Now())
	if err != nil {
		c.logger.Warn("l2 cleanup failed", zap.Error(err))
	}
	return l1Evicted, n
}

// Stats returns combined counters: L1 stats plus L2 hit/miss tracking.
func (c *Layered) Stats() (l1 types.CacheStats, l2Hits, l2Misses uint64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.l1.Stats(), c.l2Hits, c.l2Misses
}

// Close stops the background sweeps and flushes nothing: L2 writes are
// synchronous.
func (c *Layered) Close() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// enqueueRefresh adds a missed key to the debounced refresh batch.
func (c *Layered) enqueueRefresh(key string) {
	if c.refreshFn == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopCh:
		return
	default:
	}

	c.pending[key] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.config.RefreshDebounce, c.flushRefresh)
	}
}

// flushRefresh drains up to RefreshBatch pending keys and refreshes them.
func (c *Layered) flushRefresh() {
	c.mu.Lock()
	batch := make([]string, 0, c.config.RefreshBatch)
	for key := range c.pending {
		if len(batch) >= c.config.RefreshBatch {
			break
		}
		batch = append(batch, key)
		delete(c.pending, key)
	}
	if len(c.pending) > 0 {
		c.timer = time.AfterFunc(c.config.RefreshDebounce, c.flushRefresh)
	} else {
		c.timer = nil
	}
	c.mu.Unlock()

	for _, key := range batch {
		if err := c.Refresh(key, nil); err != nil {
			c.logger.Debug("background refresh failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (c *Layered) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			l1N, l2N := c.Cleanup()
			if l1N > 0 || l2N > 0 {
				c.logger.Debug("cache sweep", zap.Int("l1_evicted", l1N), zap.Int("l2_evicted", l2N))
			}
		}
	}
}
