// Package ratelimit tracks per-tenant rate-limit windows parsed from live
// response headers and turns them into delay and concurrency
// recommendations.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// Standard rate-limit header fields sent by the remote service.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Config tunes the monitor's recommendations.
type Config struct {
	WarningThreshold float64       `yaml:"warning_threshold"` // utilization fraction above which throttling starts
	SafetyMargin     float64       `yaml:"safety_margin"`     // fraction of computed concurrency held back
	MinConcurrency   int           `yaml:"min_concurrency"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxNearLimitWait time.Duration `yaml:"max_near_limit_wait"`
	Staleness        time.Duration `yaml:"staleness"` // windows older than this are unknown
}

// DefaultConfig returns the default monitor tuning.
func DefaultConfig() Config {
	return Config{
		WarningThreshold: 0.8,
		SafetyMargin:     0.2,
		MinConcurrency:   1,
		MaxConcurrency:   5,
		MaxNearLimitWait: 5 * time.Second,
		Staleness:        10 * time.Minute,
	}
}

// Monitor owns the rate-limit window map. Windows are sharded per tenant so
// concurrent recorders never contend on a single global lock.
type Monitor struct {
	mu      sync.RWMutex
	config  Config
	tenants map[string]*tenantWindows
	logger  *zap.Logger
	now     func() time.Time
}

// tenantWindows serializes all window state for one tenant.
type tenantWindows struct {
	mu      sync.Mutex
	windows map[string]*types.RateLimitWindow
	samples []utilizationSample
}

type utilizationSample struct {
	at          time.Time
	utilization float64
}

// trendSampleCount bounds how many utilization samples feed trend analysis.
const trendSampleCount = 10

// NewMonitor creates a rate monitor.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold >= 1 {
		cfg.WarningThreshold = 0.8
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = 0.2
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}
	if cfg.MaxNearLimitWait <= 0 {
		cfg.MaxNearLimitWait = 5 * time.Second
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 10 * time.Minute
	}
	return &Monitor{
		config:  cfg,
		tenants: make(map[string]*tenantWindows),
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
	}
}

func windowKey(endpoint, method string) string {
	return strings.ToUpper(method) + " " + endpoint
}

func (m *Monitor) tenant(tenantID string) *tenantWindows {
	m.mu.RLock()
	tw, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok {
		return tw
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tw, ok = m.tenants[tenantID]; ok {
		return tw
	}
	tw = &tenantWindows{windows: make(map[string]*types.RateLimitWindow)}
	m.tenants[tenantID] = tw
	return tw
}

// RecordResponse parses the rate-limit headers from one response and
// supersedes the active window for (tenant, endpoint, method). Missing or
// non-numeric header values are logged and ignored rather than failing the
// request that carried them.
func (m *Monitor) RecordResponse(tenantID, endpoint, method string, headers http.Header) {
	limitRaw := headers.Get(HeaderLimit)
	remainingRaw := headers.Get(HeaderRemaining)
	resetRaw := headers.Get(HeaderReset)

	if limitRaw == "" || remainingRaw == "" || resetRaw == "" {
		return // service did not report rate state on this response
	}

	total, err := strconv.ParseInt(limitRaw, 10, 64)
	if err != nil {
		m.logger.Warn("non-numeric rate-limit total", zap.String("tenant", tenantID), zap.String("value", limitRaw))
		return
	}
	remaining, err := strconv.ParseInt(remainingRaw, 10, 64)
	if err != nil {
		m.logger.Warn("non-numeric rate-limit remaining", zap.String("tenant", tenantID), zap.String("value", remainingRaw))
		return
	}
	resetAt, ok := parseReset(resetRaw, m.now())
	if !ok {
		m.logger.Warn("unparseable rate-limit reset", zap.String("tenant", tenantID), zap.String("value", resetRaw))
		return
	}
	if total <= 0 || remaining < 0 {
		m.logger.Warn("rate-limit header out of range",
			zap.String("tenant", tenantID), zap.Int64("total", total), zap.Int64("remaining", remaining))
		return
	}
	if remaining > total {
		remaining = total
	}

	now := m.now()
	win := &types.RateLimitWindow{
		TenantID:      tenantID,
		Endpoint:      endpoint,
		Method:        strings.ToUpper(method),
		Remaining:     remaining,
		Total:         total,
		WindowStart:   now,
		ResetAt:       resetAt,
		LastUpdatedAt: now,
	}

	tw := m.tenant(tenantID)
	tw.mu.Lock()
	tw.windows[windowKey(endpoint, method)] = win
	tw.samples = append(tw.samples, utilizationSample{at: now, utilization: win.UtilizationPercent() / 100})
	if len(tw.samples) > trendSampleCount {
		tw.samples = tw.samples[len(tw.samples)-trendSampleCount:]
	}
	tw.mu.Unlock()
}

// Status returns the active window for (tenant, endpoint, method), or nil
// when none exists or the cached entry has gone stale.
func (m *Monitor) Status(tenantID, endpoint, method string) *types.RateLimitWindow {
	tw := m.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return m.freshWindowLocked(tw, endpoint, method)
}

// freshWindowLocked returns the window if still usable, pruning it when
// expired. Expiry is staleness or resetAt, whichever comes first.
func (m *Monitor) freshWindowLocked(tw *tenantWindows, endpoint, method string) *types.RateLimitWindow {
	key := windowKey(endpoint, method)
	win, ok := tw.windows[key]
	if !ok {
		// fall back to the tenant-wide window recorded without an endpoint
		if win, ok = tw.windows[windowKey("", method)]; !ok {
			return nil
		}
		key = windowKey("", method)
	}

	now := m.now()
	if now.Sub(win.LastUpdatedAt) > m.config.Staleness || now.After(win.ResetAt) {
		delete(tw.windows, key)
		return nil
	}
	cp := *win
	return &cp
}

// RecommendedDelay computes the predictive pre-request delay:
// zero below the warning threshold, a spread-out pace near it, and the full
// time to reset once the window is exhausted.
func (m *Monitor) RecommendedDelay(tenantID, endpoint, method string) time.Duration {
	win := m.Status(tenantID, endpoint, method)
	if win == nil {
		return 0 // unknown state, do not block
	}

	now := m.now()
	if win.Remaining == 0 {
		return win.TimeToReset(now)
	}

	utilization := win.UtilizationPercent() / 100
	if utilization < m.config.WarningThreshold {
		return 0
	}

	spread := win.TimeToReset(now) / time.Duration(win.Remaining)
	if spread > m.config.MaxNearLimitWait {
		return m.config.MaxNearLimitWait
	}
	return spread
}

// OptimalConcurrency derives a parallelism bound from the remaining budget
// per minute, shrunk by the safety margin and clamped to the configured
// range. Crossing the warning threshold cuts the result by a further 70%.
func (m *Monitor) OptimalConcurrency(tenantID, endpoint, method string) int {
	win := m.Status(tenantID, endpoint, method)
	if win == nil {
		return m.config.MinConcurrency // conservative default for unknown state
	}

	now := m.now()
	ttr := win.TimeToReset(now)
	if ttr <= 0 {
		ttr = time.Minute
	}

	remainingPerMinute := float64(win.Remaining) / ttr.Minutes()
	concurrency := remainingPerMinute / 60.0 * (1 - m.config.SafetyMargin)

	if win.UtilizationPercent()/100 >= m.config.WarningThreshold {
		concurrency *= 0.3
	}

	n := int(concurrency)
	if n < m.config.MinConcurrency {
		n = m.config.MinConcurrency
	}
	if n > m.config.MaxConcurrency {
		n = m.config.MaxConcurrency
	}
	return n
}

// Utilization returns the current utilization fraction for the tenant's
// most recently updated window, or 0 when unknown.
func (m *Monitor) Utilization(tenantID string) float64 {
	tw := m.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	var latest *types.RateLimitWindow
	now := m.now()
	for key, win := range tw.windows {
		if now.Sub(win.LastUpdatedAt) > m.config.Staleness || now.After(win.ResetAt) {
			delete(tw.windows, key)
			continue
		}
		if latest == nil || win.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = win
		}
	}
	if latest == nil {
		return 0
	}
	return latest.UtilizationPercent() / 100
}

// Windows returns copies of all live windows for a tenant, used by health
// checks and the engine's performance stats.
func (m *Monitor) Windows(tenantID string) []types.RateLimitWindow {
	tw := m.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	now := m.now()
	out := make([]types.RateLimitWindow, 0, len(tw.windows))
	for key, win := range tw.windows {
		if now.Sub(win.LastUpdatedAt) > m.config.Staleness || now.After(win.ResetAt) {
			delete(tw.windows, key)
			continue
		}
		out = append(out, *win)
	}
	return out
}

// DropTenant clears all window state for a tenant on deregistration.
func (m *Monitor) DropTenant(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
}

// samplesFor returns a copy of a tenant's recent utilization samples.
func (m *Monitor) samplesFor(tenantID string) []utilizationSample {
	tw := m.tenant(tenantID)
	tw.mu.Lock()
	defer tw.mu.Unlock()
	out := make([]utilizationSample, len(tw.samples))
	copy(out, tw.samples)
	return out
}

// parseReset accepts either epoch seconds (what the service sends) or an
// RFC3339 timestamp.
func parseReset(raw string, now time.Time) (time.Time, bool) {
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Some services send seconds-until-reset instead of an absolute
		// epoch; treat small values as relative.
		if epoch < 1e9 {
			return now.Add(time.Duration(epoch) * time.Second), true
		}
		return time.Unix(epoch, 0), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
