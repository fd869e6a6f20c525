package cache

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUSetGet(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("k1", []byte("v1"), time.Minute)
	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	_, ok = c.Get("absent")
	assert.False(t, ok)
}

func TestLRUGetReturnsCopy(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("k1", []byte("orig"), time.Minute)
	got, ok := c.Get("k1")
	require.True(t, ok)
	got[0] = 'X'

	again, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("orig"), again, "callers must not mutate cached bytes")
}

func TestLRUEntryCountEviction(t *testing.T) {
	c := NewLRUCache(1<<20, 3)

	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)
	c.Set("c", []byte("3"), time.Minute)
	c.Set("d", []byte("4"), time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted at the count bound")
	_, ok = c.Get("d")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Stats().Entries)
}

func TestLRUByteSizeEviction(t *testing.T) {
	c := NewLRUCache(10, 100)

	c.Set("a", []byte("aaaa"), time.Minute) // 4 bytes
	c.Set("b", []byte("bbbb"), time.Minute) // 8 bytes total
	c.Set("c", []byte("cccc"), time.Minute) // would be 12: evict "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Stats().Size, int64(10))
}

func TestLRUPromoteOnHit(t *testing.T) {
	c := NewLRUCache(1<<20, 2)

	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes the cold entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", []byte("3"), time.Minute)

	_, ok = c.Get("a")
	assert.True(t, ok, "promoted entry survives")
	_, ok = c.Get("b")
	assert.False(t, ok, "cold entry evicted")
}

func TestLRUExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewLRUCache(1024, 16)
	c.now = func() time.Time { return current }

	c.Set("k1", []byte("v"), time.Minute)

	current = current.Add(30 * time.Second)
	_, ok := c.Get("k1")
	assert.True(t, ok)

	current = current.Add(31 * time.Second)
	_, ok = c.Get("k1")
	assert.False(t, ok, "expired entry reads as a miss")
	assert.Equal(t, 0, c.Stats().Entries, "expired entry removed on read")
}

func TestLRUNonPositiveTTLIgnored(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("k1", []byte("v"), 0)
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestLRUOverwriteAdjustsSize(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("k1", []byte("aaaaaaaa"), time.Minute)
	c.Set("k1", []byte("bb"), time.Minute)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Size)
}

func TestLRUDeleteMatching(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("tenant:a:/issues", []byte("1"), time.Minute)
	c.Set("tenant:a:/wikis", []byte("2"), time.Minute)
	c.Set("tenant:b:/issues", []byte("3"), time.Minute)

	n := c.DeleteMatching(func(key string) bool {
		return strings.HasPrefix(key, "tenant:a:")
	})
	assert.Equal(t, 2, n)

	_, ok := c.Get("tenant:b:/issues")
	assert.True(t, ok)
}

func TestLRUPurgeExpired(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewLRUCache(1024, 16)
	c.now = func() time.Time { return current }

	c.Set("short", []byte("1"), time.Second)
	c.Set("long", []byte("2"), time.Hour)

	current = current.Add(time.Minute)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestLRUStats(t *testing.T) {
	c := NewLRUCache(1024, 16)

	c.Set("k1", []byte("v"), time.Minute)
	c.Get("miss")
	c.Get("k1")
	c.Get("k1")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
}

func TestLRUClear(t *testing.T) {
	c := NewLRUCache(1024, 16)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}
	c.Clear()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Size)
}
