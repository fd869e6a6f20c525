package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumihiro3/project-lens-sync/internal/config"
	"github.com/sumihiro3/project-lens-sync/internal/connection"
	"github.com/sumihiro3/project-lens-sync/internal/scoring"
	"github.com/sumihiro3/project-lens-sync/internal/syncer"
	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

func TestCacheKeyRoundTrip(t *testing.T) {
	key := cacheKey("t1", "/issues", map[string]string{"projectId": "1", "sort": "updated"})
	tenantID, endpoint, params, ok := parseCacheKey(key)
	require.True(t, ok)
	assert.Equal(t, "t1", tenantID)
	assert.Equal(t, "/issues", endpoint)
	assert.Equal(t, map[string]string{"projectId": "1", "sort": "updated"}, params)
}

func TestCacheKeyExcludesDifferentialCursor(t *testing.T) {
	with := cacheKey("t1", "/issues", map[string]string{"sort": "updated", "updatedSince": "2024-01-01T00:00:00Z"})
	without := cacheKey("t1", "/issues", map[string]string{"sort": "updated"})
	assert.Equal(t, without, with, "incremental refreshes must update the same entry")

	bare := cacheKey("t1", "/issues", map[string]string{"updatedSince": "2024-01-01T00:00:00Z"})
	assert.Equal(t, cacheKey("t1", "/issues", nil), bare)
}

func TestCacheKeyDeterministicParamOrder(t *testing.T) {
	a := cacheKey("t1", "/issues", map[string]string{"a": "1", "b": "2", "c": "3"})
	b := cacheKey("t1", "/issues", map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)
}

func TestParseCacheKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "nonsense", "tenant:", "tenant:t1", "tenant:t1:"} {
		_, _, _, ok := parseCacheKey(key)
		assert.False(t, ok, "key %q", key)
	}
}

func TestIssuesFrom(t *testing.T) {
	items := []interface{}{map[string]interface{}{"id": float64(1)}}
	reports := []*syncer.StageReport{
		{Stage: "immediate", Results: map[string]interface{}{"issues": items}},
		{Stage: "background", Results: map[string]interface{}{}},
	}
	assert.Equal(t, items, issuesFrom(reports))

	assert.Nil(t, issuesFrom([]*syncer.StageReport{
		{Stage: "background", Results: map[string]interface{}{"issues": items}},
	}), "only the immediate stage carries the work-item list")
	assert.Nil(t, issuesFrom(nil))
}

func TestResolveSelfInstallsScorer(t *testing.T) {
	e := &Engine{
		scorers:  make(map[string]*scoring.Scorer),
		notified: make(map[string]map[string]bool),
	}

	assert.Equal(t, 0, e.Score("t1", map[string]interface{}{
		"assignee": map[string]interface{}{"id": float64(42)},
	}), "no resolved user means score zero")

	e.resolveSelf("t1", map[string]interface{}{"id": float64(42), "name": "tanaka"})
	assert.Equal(t, 50, e.Score("t1", map[string]interface{}{
		"assignee": map[string]interface{}{"id": float64(42)},
	}))

	// Malformed self responses never install a scorer.
	e.resolveSelf("t2", "not an object")
	e.resolveSelf("t3", map[string]interface{}{"id": "not a number"})
	assert.Equal(t, 0, e.Score("t2", nil))
	assert.Equal(t, 0, e.Score("t3", nil))
}

func TestAnnounceHighScoresDeduplicates(t *testing.T) {
	e := &Engine{
		scorers:  make(map[string]*scoring.Scorer),
		notified: make(map[string]map[string]bool),
		events:   make(chan Event, 16),
	}

	items := []interface{}{
		map[string]interface{}{"issueKey": "PRJ-1", "relevanceScore": 150},
		map[string]interface{}{"issueKey": "PRJ-2", "relevanceScore": 30},
		map[string]interface{}{"relevanceScore": 200}, // no key: skipped
	}

	e.announceHighScores("t1", items)
	e.announceHighScores("t1", items) // second sync, same items

	var got []Event
	for {
		select {
		case ev := <-e.events:
			got = append(got, ev)
			continue
		default:
		}
		break
	}
	require.Len(t, got, 1, "each item is announced once")
	assert.Equal(t, EventHighScoreItem, got[0].Type)
	assert.Equal(t, 150, got[0].Score)
}

// fakeService serves the subset of the remote API the sync plan touches.
func fakeService(t *testing.T, issueHits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "600")
		w.Header().Set("X-RateLimit-Remaining", "595")
		w.Header().Set("X-RateLimit-Reset", "60")
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/v2/users/myself":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 42, "name": "tanaka"})
		case "/api/v2/issues":
			if issueHits != nil {
				issueHits.Add(1)
			}
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"id": 1, "issueKey": "PRJ-1", "updated": "2024-05-01T00:00:00Z",
					"dueDate":  "2020-01-01",
					"assignee": map[string]interface{}{"id": 42},
				},
				{
					"id": 2, "issueKey": "PRJ-2", "updated": "2024-05-02T00:00:00Z",
				},
			})
		case "/api/v2/projects":
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{{"id": 10, "projectKey": "PRJ"}})
		default:
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{})
		}
	}))
}

func testEngine(t *testing.T) (*Engine, *httptest.Server, *atomic.Int64) {
	t.Helper()

	var issueHits atomic.Int64
	srv := fakeService(t, &issueHits)
	t.Cleanup(srv.Close)

	cfg := config.NewDefault()
	cfg.Global.DataDir = t.TempDir()
	cfg.Global.StoreFile = "sync.db"
	cfg.Queue.Tick = 5 * time.Millisecond
	cfg.Metrics.Enabled = true

	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	require.NoError(t, e.AddTenant(context.Background(), connection.TenantConfig{
		TenantID:   "t1",
		Host:       srv.URL,
		Credential: "api-key",
	}))
	return e, srv, &issueHits
}

func TestFetchCachesSecondRead(t *testing.T) {
	e, _, issueHits := testEngine(t)
	ctx := context.Background()

	first, err := e.Fetch(ctx, "t1", "issues", map[string]string{"sort": "updated"})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), issueHits.Load())

	second, err := e.Fetch(ctx, "t1", "issues", map[string]string{"sort": "updated"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), issueHits.Load(), "second read is served from cache")
}

func TestFetchUnknownTenantFails(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Fetch(context.Background(), "ghost", "issues", nil)
	assert.Error(t, err)
}

func TestSyncEndToEnd(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	reports, err := e.Sync(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, 4, reports[0].Succeeded, "immediate stage fully fetched")

	// First sync: both work items are new.
	var syncEv *Event
	var highEv *Event
	timeout := time.After(5 * time.Second)
	for syncEv == nil || highEv == nil {
		select {
		case ev := <-e.Events():
			switch ev.Type {
			case EventSyncCompleted:
				syncEv = &ev
			case EventHighScoreItem:
				highEv = &ev
			}
		case <-timeout:
			t.Fatal("expected sync and high-score events")
		}
	}

	require.NotNil(t, syncEv.Sync)
	assert.Equal(t, 2, syncEv.Sync.Created)
	assert.Equal(t, 0, syncEv.Sync.Deleted)

	// The overdue item assigned to the resolved user crosses the
	// notification threshold; the unassigned one does not.
	assert.Equal(t, "t1", highEv.TenantID)
	item := highEv.Item
	assert.Equal(t, "PRJ-1", item["issueKey"])
	assert.GreaterOrEqual(t, highEv.Score, scoring.NotifyThreshold)
}

func TestSyncInactiveTenantFails(t *testing.T) {
	e, _, _ := testEngine(t)

	_, err := e.Sync(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestSecondSyncIsIncremental(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Sync(ctx, "t1")
	require.NoError(t, err)
	drainEvents(e)

	_, err = e.Sync(ctx, "t1")
	require.NoError(t, err)

	ev := awaitEvent(t, e, EventSyncCompleted)
	require.NotNil(t, ev.Sync)
	assert.Equal(t, 0, ev.Sync.Created, "identical upstream data creates nothing")
	assert.Equal(t, 2, ev.Sync.Unchanged)
}

func TestRemoveTenantCascades(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Sync(ctx, "t1")
	require.NoError(t, err)

	require.True(t, e.RemoveTenant("t1"))
	assert.False(t, e.RemoveTenant("t1"))

	_, err = e.Fetch(ctx, "t1", "issues", nil)
	assert.Error(t, err, "a removed tenant cannot fetch")
}

func TestPerformanceStats(t *testing.T) {
	e, _, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.Fetch(ctx, "t1", "issues", nil)
	require.NoError(t, err)

	stats := e.PerformanceStats()
	require.Len(t, stats.Pools, 1)
	assert.Equal(t, int64(1), stats.Pools[0].Requests)
	assert.Equal(t, int64(1), stats.Queue.Completed)
	assert.Contains(t, stats.Windows, "t1")
}

func TestAuthFailureRaisesAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "600")
		w.Header().Set("X-RateLimit-Remaining", "595")
		w.Header().Set("X-RateLimit-Reset", "60")
		if r.URL.Path == "/api/v2/users/myself" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 1, "name": "x"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	cfg := config.NewDefault()
	cfg.Global.DataDir = t.TempDir()
	cfg.Queue.Tick = 5 * time.Millisecond

	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.AddTenant(context.Background(), connection.TenantConfig{
		TenantID: "t1", Host: srv.URL, Credential: "api-key",
	}))

	_, err = e.Fetch(context.Background(), "t1", "issues", nil)
	require.Error(t, err)

	alerts := e.RecentAlerts(10)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "t1", alerts[0].TenantID)
	assert.Equal(t, syncerrors.ErrCodeAuthExpired, alerts[0].Code)
}

func TestHealthStatus(t *testing.T) {
	e, _, _ := testEngine(t)

	results := e.HealthStatus(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, types.HealthHealthy, results[0].State)
}

func drainEvents(e *Engine) {
	for {
		select {
		case <-e.Events():
		default:
			return
		}
	}
}

func awaitEvent(t *testing.T, e *Engine, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}
