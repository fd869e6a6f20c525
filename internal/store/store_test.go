package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketCache, "k1", []byte("v1"), nil))

	row, ok, err := s.Get(BucketCache, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), row.Value)
	assert.Nil(t, row.ExpiresAt)
	assert.False(t, row.UpdatedAt.IsZero())
}

func TestUpsertReplaces(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketCache, "k1", []byte("old"), nil))
	require.NoError(t, s.Upsert(BucketCache, "k1", []byte("new"), nil))

	row, ok, err := s.Get(BucketCache, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), row.Value)

	n, err := s.Count(BucketCache)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	row, ok, err := s.Get(BucketCache, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, row)
}

func TestBucketsAreIsolated(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketCache, "shared-key", []byte("cache"), nil))
	require.NoError(t, s.Upsert(BucketWatermarks, "shared-key", []byte("watermark"), nil))

	row, ok, err := s.Get(BucketWatermarks, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("watermark"), row.Value)
}

func TestExpiredRecordIsAbsent(t *testing.T) {
	s := testStore(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, s.Upsert(BucketCache, "stale", []byte("v"), &past))

	_, ok, err := s.Get(BucketCache, "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired record must read as absent")

	// Lazy removal: the row is gone, not just hidden.
	n, err := s.Count(BucketCache)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFutureExpiryStillLive(t *testing.T) {
	s := testStore(t)

	future := time.Now().Add(time.Hour)
	require.NoError(t, s.Upsert(BucketCache, "fresh", []byte("v"), &future))

	row, ok, err := s.Get(BucketCache, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, row.ExpiresAt)
	assert.WithinDuration(t, future, *row.ExpiresAt, time.Second)
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketCache, "k1", []byte("v"), nil))

	existed, err := s.Delete(BucketCache, "k1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(BucketCache, "k1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDeletePatternGlob(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketCache, "tenant:a:/issues", []byte("1"), nil))
	require.NoError(t, s.Upsert(BucketCache, "tenant:a:/wikis", []byte("2"), nil))
	require.NoError(t, s.Upsert(BucketCache, "tenant:b:/issues", []byte("3"), nil))

	n, err := s.DeletePattern(BucketCache, "tenant:a:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := s.Get(BucketCache, "tenant:b:/issues")
	require.NoError(t, err)
	assert.True(t, ok, "other tenants untouched")
}

func TestDeletePatternEscapesLikeMetacharacters(t *testing.T) {
	s := testStore(t)

	// Keys containing SQL LIKE wildcards must be matched literally.
	require.NoError(t, s.Upsert(BucketCache, "a%b:one", []byte("1"), nil))
	require.NoError(t, s.Upsert(BucketCache, "aXb:one", []byte("2"), nil))

	n, err := s.DeletePattern(BucketCache, "a%b:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.Get(BucketCache, "aXb:one")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteExpiredBefore(t *testing.T) {
	s := testStore(t)

	old := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(time.Hour)
	require.NoError(t, s.Upsert(BucketSyncLogs, "old", []byte("1"), &old))
	require.NoError(t, s.Upsert(BucketSyncLogs, "newer", []byte("2"), &newer))
	require.NoError(t, s.Upsert(BucketSyncLogs, "forever", []byte("3"), nil))

	n, err := s.DeleteExpiredBefore(BucketSyncLogs, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.Count(BucketSyncLogs)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClearTenant(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Upsert(BucketRateWindows, "t1:GET /issues", []byte("1"), nil))
	require.NoError(t, s.Upsert(BucketRateWindows, "t1:GET /wikis", []byte("2"), nil))
	require.NoError(t, s.Upsert(BucketRateWindows, "t2:GET /issues", []byte("3"), nil))

	n, err := s.ClearTenant(BucketRateWindows, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.Count(BucketRateWindows)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQueryOrderedLimit(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(BucketSyncLogs, fmt.Sprintf("log-%d", i), []byte("x"), nil))
	}

	rows, err := s.QueryOrdered(BucketSyncLogs, 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	all, err := s.QueryOrdered(BucketSyncLogs, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "non-positive limit falls back to the default")
}

func TestCount(t *testing.T) {
	s := testStore(t)

	n, err := s.Count(BucketCache)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Upsert(BucketCache, "k1", []byte("v"), nil))
	require.NoError(t, s.Upsert(BucketCache, "k2", []byte("v"), nil))

	n, err = s.Count(BucketCache)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
