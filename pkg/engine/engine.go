// Package engine wires the sync components into the caller-facing API:
// tenant registration, cached fetches, staged sync, health and performance
// reporting, and the periodic sync scheduler.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/alerting"
	"github.com/sumihiro3/project-lens-sync/internal/cache"
	"github.com/sumihiro3/project-lens-sync/internal/config"
	"github.com/sumihiro3/project-lens-sync/internal/connection"
	"github.com/sumihiro3/project-lens-sync/internal/metrics"
	"github.com/sumihiro3/project-lens-sync/internal/queue"
	"github.com/sumihiro3/project-lens-sync/internal/ratelimit"
	"github.com/sumihiro3/project-lens-sync/internal/scoring"
	"github.com/sumihiro3/project-lens-sync/internal/store"
	"github.com/sumihiro3/project-lens-sync/internal/syncer"
	"github.com/sumihiro3/project-lens-sync/internal/vault"
	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/retry"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// drainTimeout bounds how long Close waits for in-flight tasks.
const drainTimeout = 15 * time.Second

// eventBuffer sizes the engine event channel.
const eventBuffer = 128

// Engine is the top-level sync engine facade.
type Engine struct {
	cfg    *config.Configuration
	logger *zap.Logger

	vault        *vault.Vault
	store        *store.Store
	cache        *cache.Layered
	optimizer    *ratelimit.Optimizer
	manager      *connection.Manager
	queue        *queue.Queue
	incremental  *syncer.Incremental
	orchestrator *syncer.Orchestrator
	tracker      *retry.Tracker
	policy       *retry.Policy
	collector    *metrics.Collector
	alerter      *alerting.Alerter

	mu       sync.Mutex
	scorers  map[string]*scoring.Scorer
	notified map[string]map[string]bool // tenant → item key → already announced

	events chan Event

	schedCancel context.CancelFunc
	closed      sync.Once
}

// PerformanceStats aggregates the engine's runtime statistics.
type PerformanceStats struct {
	Pools              []types.PoolStats                  `json:"pools"`
	Queue              queue.Stats                        `json:"queue"`
	CacheL1            types.CacheStats                   `json:"cache_l1"`
	CacheL2Hits        uint64                             `json:"cache_l2_hits"`
	CacheL2Misses      uint64                             `json:"cache_l2_misses"`
	Windows            map[string][]types.RateLimitWindow `json:"windows"`
	PersistentFailures []retry.PersistentFailure          `json:"persistent_failures,omitempty"`
}

// New builds the engine from configuration. A nil cfg uses defaults; a nil
// logger is built from the configured log level.
func New(cfg *config.Configuration, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		var err error
		logger, err = cfg.BuildLogger()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.Global.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	v, err := vault.Open(cfg.Global.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	collector, err := metrics.NewCollector(cfg.Metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	monitor := ratelimit.NewMonitor(cfg.RateLimit, logger)
	optimizer := ratelimit.NewOptimizer(monitor, cfg.Optimizer, logger)
	manager := connection.NewManager(cfg.Connection, v, optimizer, logger)
	tracker := retry.NewTracker(cfg.Retry.PersistentThreshold)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.Named("engine"),
		vault:     v,
		store:     st,
		optimizer: optimizer,
		manager:   manager,
		tracker:   tracker,
		policy:    retry.NewPolicy(tracker, logger),
		collector: collector,
		alerter:   alerting.New(cfg.Alerting, logger),
		scorers:   make(map[string]*scoring.Scorer),
		notified:  make(map[string]map[string]bool),
		events:    make(chan Event, eventBuffer),
	}

	e.cache = cache.NewLayered(cfg.Cache, st, e.refreshKey, logger)
	e.queue = queue.New(cfg.Queue, e.executeTask, e.watermarkFor, optimizer, logger)
	e.incremental = syncer.NewIncremental(st, logger)
	e.orchestrator = syncer.NewOrchestrator(e.queue, optimizer, e.incremental, st, e, nil, logger)

	return e, nil
}

// Events exposes the engine's notification channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// AddTenant registers a tenant. The plaintext credential is encrypted
// before the call returns and never retained.
func (e *Engine) AddTenant(ctx context.Context, cfg connection.TenantConfig) error {
	if err := e.manager.Register(ctx, cfg); err != nil {
		return err
	}
	e.collector.UpdateActiveTenants(len(e.manager.Tenants()))
	return nil
}

// RemoveTenant deregisters a tenant and cascades: queued tasks, cached
// entries, watermarks, and failure counters for the tenant are dropped.
func (e *Engine) RemoveTenant(tenantID string) bool {
	if !e.manager.Deregister(tenantID) {
		return false
	}
	e.queue.ClearForTenant(tenantID)
	e.cache.DeletePattern(fmt.Sprintf("tenant:%s:*", tenantID))
	e.incremental.ClearTenant(tenantID)
	e.tracker.ClearTenant(tenantID)
	for _, bucket := range []string{store.BucketSyncLogs, store.BucketRateWindows} {
		if _, err := e.store.ClearTenant(bucket, tenantID); err != nil {
			e.logger.Warn("tenant cleanup failed",
				zap.String("tenant", tenantID), zap.String("bucket", bucket), zap.Error(err))
		}
	}

	e.mu.Lock()
	delete(e.scorers, tenantID)
	delete(e.notified, tenantID)
	e.mu.Unlock()

	e.collector.UpdateActiveTenants(len(e.manager.Tenants()))
	return true
}

// Fetch returns a resource for a tenant, served from the cache when fresh
// and fetched through the HIGH lane otherwise.
func (e *Engine) Fetch(ctx context.Context, tenantID, resourceType string, params map[string]string) (interface{}, error) {
	endpoint := resourceType
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	key := cacheKey(tenantID, endpoint, params)
	if data := e.cache.Get(key); data != nil {
		e.collector.RecordCacheHit("layered")
		var v interface{}
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		// fall through to a fresh fetch on a corrupt entry
		e.cache.Delete(key)
	}
	e.collector.RecordCacheMiss("layered")

	done, _ := e.queue.EnqueueWait(&types.QueuedTask{
		TenantID: tenantID,
		Endpoint: endpoint,
		Params:   params,
		Priority: types.PriorityHigh,
	})

	select {
	case ev := <-done:
		if ev.Type == queue.EventFailed {
			return nil, ev.Err
		}
		return ev.Value, nil
	case <-ctx.Done():
		return nil, syncerrors.Classify(ctx.Err(), syncerrors.Context{TenantID: tenantID, Endpoint: endpoint})
	}
}

// Sync runs the full staged fetch for one tenant, computes the incremental
// delta for work items, commits the watermark, and emits events.
func (e *Engine) Sync(ctx context.Context, tenantID string) ([]*syncer.StageReport, error) {
	if !e.manager.IsActive(tenantID) {
		return nil, syncerrors.New(syncerrors.ErrCodeValidationFailed,
			fmt.Sprintf("tenant %s is not registered or inactive", tenantID))
	}

	reports := e.orchestrator.SyncAll(ctx, tenantID)
	summary := &SyncSummary{Stages: reports}

	if items := issuesFrom(reports); items != nil {
		records := make([]syncer.Record, 0, len(items))
		for _, raw := range items {
			if rec, ok := raw.(map[string]interface{}); ok {
				records = append(records, rec)
			}
		}
		diff := e.incremental.Diff(tenantID, "issues", records, syncer.DiffOptions{KeyField: "id", UpdatedField: "updated"})
		if err := diff.Commit(); err != nil {
			e.logger.Warn("watermark commit failed", zap.String("tenant", tenantID), zap.Error(err))
		} else {
			summary.Created = len(diff.Created)
			summary.Updated = len(diff.Updated)
			summary.Deleted = len(diff.Deleted)
			summary.Unchanged = diff.Unchanged
		}
		e.announceHighScores(tenantID, items)
	}

	e.persistRateWindows(tenantID)
	e.updateGauges(tenantID)
	e.publish(Event{Type: EventSyncCompleted, TenantID: tenantID, Time: time.Now(), Sync: summary})
	return reports, nil
}

// HealthStatus runs the health sub-checks for every registered tenant.
func (e *Engine) HealthStatus(ctx context.Context) []types.HealthCheckResult {
	return e.manager.HealthCheck(ctx, "")
}

// PerformanceStats snapshots the engine's runtime statistics.
func (e *Engine) PerformanceStats() PerformanceStats {
	l1, l2Hits, l2Misses := e.cache.Stats()
	windows := make(map[string][]types.RateLimitWindow)
	for _, conn := range e.manager.Tenants() {
		windows[conn.TenantID] = e.optimizer.Windows(conn.TenantID)
	}
	return PerformanceStats{
		Pools:              e.manager.PoolStats(),
		Queue:              e.queue.Stats(),
		CacheL1:            l1,
		CacheL2Hits:        l2Hits,
		CacheL2Misses:      l2Misses,
		Windows:            windows,
		PersistentFailures: e.tracker.Snapshot(),
	}
}

// RecentAlerts returns the most recent operator alerts, newest first.
func (e *Engine) RecentAlerts(limit int) []alerting.Alert {
	return e.alerter.Recent(limit)
}

// Score implements the orchestrator's Scorer using the tenant's resolved
// self user. Items for tenants without a resolved user score zero.
func (e *Engine) Score(tenantID string, item map[string]interface{}) int {
	e.mu.Lock()
	scorer := e.scorers[tenantID]
	e.mu.Unlock()
	if scorer == nil {
		return 0
	}
	return scorer.Score(item)
}

// Close shuts the engine down: scheduler and timers stop first, in-flight
// tasks drain (bounded), then pools, cache, and store are released.
func (e *Engine) Close() {
	e.closed.Do(func() {
		e.StopScheduler()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = e.collector.Stop(shutdownCtx)

		e.queue.Close(drainTimeout)
		e.alerter.Close()
		e.cache.Close()
		e.manager.Close()
		if err := e.store.Close(); err != nil {
			e.logger.Warn("store close failed", zap.Error(err))
		}
		close(e.events)
		e.logger.Info("engine stopped")
	})
}

// executeTask is the queue's executor: it runs one API call through the
// connection manager, maintains failure tracking and metrics, caches the
// body, and resolves the tenant's self user when it passes by.
func (e *Engine) executeTask(ctx context.Context, task *types.QueuedTask) (interface{}, error) {
	if pf := e.persistentFailure(task.TenantID, task.Endpoint); pf != nil {
		classified := syncerrors.New(syncerrors.ErrorCode(pf.ErrorType),
			fmt.Sprintf("suppressed after %d consecutive failures", pf.Consecutive)).
			WithContext(syncerrors.Context{TenantID: task.TenantID, Endpoint: task.Endpoint, TaskID: task.ID})
		classified.Retryable = false
		e.collector.RecordError(task.TenantID, pf.ErrorType)
		return nil, classified
	}

	start := time.Now()
	resp, err := e.manager.Execute(ctx, task.TenantID, http.MethodGet, task.Endpoint, task.Params)
	duration := time.Since(start)

	if err != nil {
		classified := syncerrors.Classify(err, syncerrors.Context{
			TenantID: task.TenantID, Endpoint: task.Endpoint, TaskID: task.ID,
		})
		e.tracker.RecordFailure(task.TenantID, classified.Code, task.Endpoint)
		e.collector.RecordRequest(task.TenantID, task.Endpoint, duration, false)
		e.collector.RecordError(task.TenantID, string(classified.Code))
		if classified.Retryable {
			e.collector.RecordRetry(task.TenantID, string(classified.Code))
		}
		e.alerter.RecordFailure(task.TenantID, classified)
		if e.tracker.IsPersistent(task.TenantID, classified.Code, task.Endpoint) {
			e.alerter.RecordPersistent(task.TenantID, task.Endpoint, classified.Code,
				e.tracker.Consecutive(task.TenantID, classified.Code, task.Endpoint))
		}
		return nil, classified
	}

	for _, code := range syncerrors.All() {
		e.tracker.RecordSuccess(task.TenantID, code, task.Endpoint)
	}
	e.collector.RecordRequest(task.TenantID, task.Endpoint, duration, true)
	e.alerter.RecordSuccess(task.TenantID)

	var value interface{}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &value); err != nil {
			return nil, syncerrors.New(syncerrors.ErrCodeSerializationFailed, "response body is not valid JSON").
				WithContext(syncerrors.Context{TenantID: task.TenantID, Endpoint: task.Endpoint}).
				WithCause(err)
		}
		e.cache.Set(cacheKey(task.TenantID, task.Endpoint, task.Params), resp.Body, 0)
	}

	if task.Endpoint == "/users/myself" {
		e.resolveSelf(task.TenantID, value)
	}
	return value, nil
}

// refreshKey is the cache's background refresh hook: it re-fetches the
// resource a cache key names, with retry, and returns the raw body.
func (e *Engine) refreshKey(key string) ([]byte, error) {
	tenantID, endpoint, params, ok := parseCacheKey(key)
	if !ok || !e.manager.IsActive(tenantID) {
		return nil, fmt.Errorf("unrefreshable cache key %q", key)
	}

	var body []byte
	errCtx := syncerrors.Context{TenantID: tenantID, Endpoint: endpoint}
	err := e.policy.Do(context.Background(), syncerrors.ErrCodeNetwork, errCtx, func(ctx context.Context) error {
		resp, err := e.manager.Execute(ctx, tenantID, http.MethodGet, endpoint, params)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// watermarkFor feeds the queue's differential-fetch injection.
func (e *Engine) watermarkFor(tenantID, endpoint string) *time.Time {
	return e.incremental.Watermark(tenantID, strings.TrimPrefix(endpoint, "/"))
}

// persistentFailure scans the tracker for any suppressed combination on
// this tenant and endpoint.
func (e *Engine) persistentFailure(tenantID, endpoint string) *retry.PersistentFailure {
	for _, pf := range e.tracker.Snapshot() {
		if pf.TenantID == tenantID && pf.Endpoint == endpoint {
			return &pf
		}
	}
	return nil
}

// resolveSelf extracts the tenant's own user from a /users/myself response
// and installs the relevance scorer for it.
func (e *Engine) resolveSelf(tenantID string, value interface{}) {
	user, ok := value.(map[string]interface{})
	if !ok {
		return
	}
	id, ok := user["id"].(float64)
	if !ok {
		return
	}
	name, _ := user["name"].(string)

	e.mu.Lock()
	e.scorers[tenantID] = scoring.New(int64(id), name)
	e.mu.Unlock()
}

// announceHighScores emits one event per item newly crossing the relevance
// threshold.
func (e *Engine) announceHighScores(tenantID string, items []interface{}) {
	e.mu.Lock()
	seen := e.notified[tenantID]
	if seen == nil {
		seen = make(map[string]bool)
		e.notified[tenantID] = seen
	}
	e.mu.Unlock()

	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		score, ok := item["relevanceScore"].(int)
		if !ok || score < scoring.NotifyThreshold {
			continue
		}
		itemKey, _ := item["issueKey"].(string)
		if itemKey == "" {
			continue
		}

		e.mu.Lock()
		already := seen[itemKey]
		seen[itemKey] = true
		e.mu.Unlock()
		if already {
			continue
		}

		e.publish(Event{
			Type:     EventHighScoreItem,
			TenantID: tenantID,
			Time:     time.Now(),
			Item:     item,
			Score:    score,
		})
	}
}

// persistRateWindows stores the tenant's live rate-limit windows so status
// survives restarts.
func (e *Engine) persistRateWindows(tenantID string) {
	windows := e.optimizer.Windows(tenantID)
	if len(windows) == 0 {
		return
	}
	payload, err := json.Marshal(windows)
	if err != nil {
		return
	}
	key := fmt.Sprintf("tenant:%s", tenantID)
	if err := e.store.Upsert(store.BucketRateWindows, key, payload, nil); err != nil {
		e.logger.Warn("rate window persist failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

// updateGauges refreshes the queue-depth and utilization gauges.
func (e *Engine) updateGauges(tenantID string) {
	stats := e.queue.Stats()
	e.collector.UpdateQueueDepth("high", stats.QueuedHigh)
	e.collector.UpdateQueueDepth("medium", stats.QueuedMedium)
	e.collector.UpdateQueueDepth("low", stats.QueuedLow)
	e.collector.UpdateUtilization(tenantID, e.optimizer.Utilization(tenantID))
}

// publish emits an event without blocking engine progress.
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// issuesFrom pulls the immediate stage's work-item list out of the stage
// reports.
func issuesFrom(reports []*syncer.StageReport) []interface{} {
	for _, r := range reports {
		if r.Stage != ratelimit.StageImmediate.String() {
			continue
		}
		if items, ok := r.Results["issues"].([]interface{}); ok {
			return items
		}
	}
	return nil
}

// cacheKey builds the canonical cache key for a fetch. The differential
// cursor parameter is excluded so incremental refreshes update the same
// entry.
func cacheKey(tenantID, endpoint string, params map[string]string) string {
	key := fmt.Sprintf("tenant:%s:%s", tenantID, strings.TrimPrefix(endpoint, "/"))
	if len(params) == 0 {
		return key
	}
	names := make([]string, 0, len(params))
	for name := range params {
		if name == "updatedSince" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return key
	}
	sort.Strings(names)
	q := url.Values{}
	for _, name := range names {
		q.Set(name, params[name])
	}
	return key + "?" + q.Encode()
}

// parseCacheKey inverts cacheKey.
func parseCacheKey(key string) (tenantID, endpoint string, params map[string]string, ok bool) {
	if !strings.HasPrefix(key, "tenant:") {
		return "", "", nil, false
	}
	rest := strings.TrimPrefix(key, "tenant:")

	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}

	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", nil, false
	}
	tenantID = rest[:i]
	endpoint = "/" + rest[i+1:]

	if query != "" {
		values, err := url.ParseQuery(query)
		if err == nil {
			params = make(map[string]string, len(values))
			for name := range values {
				params[name] = values.Get(name)
			}
		}
	}
	return tenantID, endpoint, params, true
}
