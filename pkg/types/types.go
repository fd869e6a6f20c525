// Package types defines the shared data model for the sync engine: tenant
// connections, rate-limit windows, queued tasks, cache entries, and sync
// watermarks.
package types

import (
	"time"
)

// Priority identifies one of the three queue lanes.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the lane name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// NormalizePriority maps legacy numeric priorities onto the closed enum.
// 0/1 map to HIGH, 2 to MEDIUM, 3 and above to LOW. Values outside that
// range fall back to MEDIUM; callers should log a warning when ok is false.
func NormalizePriority(n int) (p Priority, ok bool) {
	switch {
	case n == 0 || n == 1:
		return PriorityHigh, true
	case n == 2:
		return PriorityMedium, true
	case n >= 3:
		return PriorityLow, true
	default:
		return PriorityMedium, false
	}
}

// TenantConnection describes one registered remote tenant ("space").
// Owned exclusively by the connection manager.
type TenantConnection struct {
	TenantID            string     `json:"tenant_id"`
	DisplayName         string     `json:"display_name"`
	EncryptedCredential []byte     `json:"-"`
	HostOverride        string     `json:"host_override,omitempty"`
	Priority            Priority   `json:"priority"`
	IsActive            bool       `json:"is_active"`
	ConnectionCount     int64      `json:"connection_count"`
	ErrorCount          int64      `json:"error_count"`
	LastConnectedAt     *time.Time `json:"last_connected_at,omitempty"`
}

// RateLimitWindow is the parsed state of one (tenant, endpoint, method)
// rate-limit window, superseded on every response.
type RateLimitWindow struct {
	TenantID      string    `json:"tenant_id"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Method        string    `json:"method"`
	Remaining     int64     `json:"remaining"`
	Total         int64     `json:"total"`
	WindowStart   time.Time `json:"window_start"`
	ResetAt       time.Time `json:"reset_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// UtilizationPercent reports how much of the window has been consumed.
func (w *RateLimitWindow) UtilizationPercent() float64 {
	if w.Total <= 0 {
		return 0
	}
	return float64(w.Total-w.Remaining) / float64(w.Total) * 100
}

// TimeToReset returns the duration until the window resets, never negative.
func (w *RateLimitWindow) TimeToReset(now time.Time) time.Duration {
	d := w.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TaskState tracks a queued task through its lifecycle. A task never
// transitions from Completed or Failed back to Queued.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// QueuedTask is one typed fetch task owned by the request queue.
type QueuedTask struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Endpoint     string            `json:"endpoint"`
	Params       map[string]string `json:"params,omitempty"`
	Priority     Priority          `json:"priority"`
	State        TaskState         `json:"state"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	ChangedSince *time.Time        `json:"changed_since,omitempty"`
}

// CacheStats tracks hit/miss/eviction counters for one cache layer.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// SyncWatermark marks the end of the last committed sync for one
// (tenant, resource scope) pair.
type SyncWatermark struct {
	TenantID      string    `json:"tenant_id"`
	ResourceScope string    `json:"resource_scope"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
}

// HealthState is the outcome of a tenant health sweep.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthCheckResult is one tenant's result from a health sweep.
type HealthCheckResult struct {
	TenantID     string      `json:"tenant_id"`
	State        HealthState `json:"state"`
	Connectivity bool        `json:"connectivity"`
	Auth         bool        `json:"auth"`
	RateLimit    bool        `json:"rate_limit"`
	CheckedAt    time.Time   `json:"checked_at"`
	Detail       string      `json:"detail,omitempty"`
}

// PoolStats is the rolling per-tenant transport pool statistics record.
type PoolStats struct {
	TenantID        string        `json:"tenant_id"`
	Requests        int64         `json:"requests"`
	Failures        int64         `json:"failures"`
	ErrorRate       float64       `json:"error_rate"`
	AvgLatency      time.Duration `json:"avg_latency"`
	Throughput      float64       `json:"throughput"`
	PeakConcurrency int           `json:"peak_concurrency"`
	Utilization     float64       `json:"utilization"`
}

// ISO8601 is the timestamp layout used across the persistent store boundary.
const ISO8601 = time.RFC3339

// FormatTime renders a timestamp for the store boundary.
func FormatTime(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// ParseTime parses a store-boundary timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(ISO8601, s)
}
