package retry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sumihiro3/project-lens-sync/pkg/errors"
)

// Tracker counts consecutive failures per (tenant, error type, endpoint).
// Once a combination exceeds the threshold it is marked persistent and the
// policy suppresses further retries until a success resets the counter.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	counters  map[string]*failureRecord
}

type failureRecord struct {
	Consecutive int       `json:"consecutive"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// PersistentFailure is one suppressed combination, reported by Snapshot.
type PersistentFailure struct {
	TenantID    string    `json:"tenant_id"`
	ErrorType   string    `json:"error_type"`
	Endpoint    string    `json:"endpoint"`
	Consecutive int       `json:"consecutive"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// DefaultPersistentThreshold is the consecutive-failure count past which a
// combination is considered persistent.
const DefaultPersistentThreshold = 5

// NewTracker creates a tracker. threshold <= 0 uses the default of 5.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultPersistentThreshold
	}
	return &Tracker{
		threshold: threshold,
		counters:  make(map[string]*failureRecord),
	}
}

func trackerKey(tenantID string, code errors.ErrorCode, endpoint string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, code, endpoint)
}

// RecordFailure bumps the consecutive-failure counter for the combination.
func (t *Tracker) RecordFailure(tenantID string, code errors.ErrorCode, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey(tenantID, code, endpoint)
	rec, ok := t.counters[key]
	if !ok {
		rec = &failureRecord{FirstSeen: time.Now()}
		t.counters[key] = rec
	}
	rec.Consecutive++
	rec.LastSeen = time.Now()
}

// RecordSuccess resets the counter for the combination.
func (t *Tracker) RecordSuccess(tenantID string, code errors.ErrorCode, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, trackerKey(tenantID, code, endpoint))
}

// IsPersistent reports whether the combination has exceeded the threshold.
func (t *Tracker) IsPersistent(tenantID string, code errors.ErrorCode, endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.counters[trackerKey(tenantID, code, endpoint)]
	return ok && rec.Consecutive > t.threshold
}

// Consecutive returns the current consecutive-failure count.
func (t *Tracker) Consecutive(tenantID string, code errors.ErrorCode, endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.counters[trackerKey(tenantID, code, endpoint)]; ok {
		return rec.Consecutive
	}
	return 0
}

// Reset clears the counter for one combination.
func (t *Tracker) Reset(tenantID string, code errors.ErrorCode, endpoint string) {
	t.RecordSuccess(tenantID, code, endpoint)
}

// ClearTenant drops all counters for a tenant, used on deregistration.
func (t *Tracker) ClearTenant(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	prefix := tenantID + "|"
	for key := range t.counters {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(t.counters, key)
			removed++
		}
	}
	return removed
}

// Snapshot lists all combinations currently past the threshold.
func (t *Tracker) Snapshot() []PersistentFailure {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PersistentFailure
	for key, rec := range t.counters {
		if rec.Consecutive <= t.threshold {
			continue
		}
		tenant, code, endpoint := splitKey(key)
		out = append(out, PersistentFailure{
			TenantID:    tenant,
			ErrorType:   code,
			Endpoint:    endpoint,
			Consecutive: rec.Consecutive,
			FirstSeen:   rec.FirstSeen,
			LastSeen:    rec.LastSeen,
		})
	}
	return out
}

func splitKey(key string) (tenant, code, endpoint string) {
	first := -1
	second := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			if first < 0 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first < 0 || second < 0 {
		return key, "", ""
	}
	return key[:first], key[first+1 : second], key[second+1:]
}
