// Package syncer drives the three-stage fetch sequence per tenant and
// computes incremental sync deltas against the last committed watermark.
package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/store"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// Record is one fetched resource record, decoded from the service's JSON.
type Record map[string]interface{}

// DiffOptions names the fields the diff keys on.
type DiffOptions struct {
	KeyField     string // unique id field, e.g. "id"
	UpdatedField string // last-modified timestamp field, e.g. "updated"
}

// DiffResult buckets one differential fetch. The watermark advances only
// when the caller acknowledges the result with Commit.
type DiffResult struct {
	TenantID      string        `json:"tenant_id"`
	ResourceScope string        `json:"resource_scope"`
	Created       []Record      `json:"created"`
	Updated       []Record      `json:"updated"`
	Deleted       []string      `json:"deleted"` // keys no longer present upstream
	Unchanged     int           `json:"unchanged"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`

	nextWatermark time.Time
	nextIndex     map[string]string
	mgr           *Incremental
}

// Incremental computes per-(tenant, resource scope) deltas by comparing
// fetched records against the persisted key index from the previous run.
type Incremental struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewIncremental creates the incremental sync manager over the persistent
// store.
func NewIncremental(st *store.Store, logger *zap.Logger) *Incremental {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Incremental{
		store:  st,
		logger: logger.Named("incremental"),
		now:    time.Now,
	}
}

func watermarkKey(tenantID, scope string) string {
	return fmt.Sprintf("tenant:%s:%s", tenantID, scope)
}

func indexKey(tenantID, scope string) string {
	return fmt.Sprintf("tenant:%s:%s:index", tenantID, scope)
}

// Watermark returns the last committed watermark for a scope, or nil when
// no sync has committed yet.
func (m *Incremental) Watermark(tenantID, scope string) *time.Time {
	row, ok, err := m.store.Get(store.BucketWatermarks, watermarkKey(tenantID, scope))
	if err != nil {
		m.logger.Warn("watermark read failed",
			zap.String("tenant", tenantID), zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var wm types.SyncWatermark
	if err := json.Unmarshal(row.Value, &wm); err != nil {
		m.logger.Warn("watermark decode failed", zap.String("tenant", tenantID), zap.Error(err))
		return nil
	}
	return &wm.LastSyncedAt
}

// Diff compares fetched records against the previous run's index and
// buckets them into created/updated/deleted/unchanged. Records missing the
// key field are skipped with a warning; a missing or unparseable updated
// field treats the record as updated.
func (m *Incremental) Diff(tenantID, scope string, fetched []Record, opts DiffOptions) *DiffResult {
	started := m.now()
	if opts.KeyField == "" {
		opts.KeyField = "id"
	}
	if opts.UpdatedField == "" {
		opts.UpdatedField = "updated"
	}

	prev := m.loadIndex(tenantID, scope)

	result := &DiffResult{
		TenantID:      tenantID,
		ResourceScope: scope,
		StartedAt:     started,
		nextIndex:     make(map[string]string, len(fetched)),
		mgr:           m,
	}

	seen := make(map[string]struct{}, len(fetched))
	var maxUpdated time.Time
	for _, rec := range fetched {
		key := fieldString(rec, opts.KeyField)
		if key == "" {
			m.logger.Warn("record missing key field, skipped",
				zap.String("tenant", tenantID), zap.String("field", opts.KeyField))
			continue
		}
		seen[key] = struct{}{}

		updatedRaw := fieldString(rec, opts.UpdatedField)
		if t, err := types.ParseTime(updatedRaw); err == nil && t.After(maxUpdated) {
			maxUpdated = t
		}
		result.nextIndex[key] = updatedRaw

		prevUpdated, existed := prev[key]
		switch {
		case !existed:
			result.Created = append(result.Created, rec)
		case prevUpdated != updatedRaw:
			result.Updated = append(result.Updated, rec)
		default:
			result.Unchanged++
		}
	}

	for key := range prev {
		if _, ok := seen[key]; !ok {
			result.Deleted = append(result.Deleted, key)
		}
	}

	if maxUpdated.IsZero() {
		maxUpdated = started
	}
	result.nextWatermark = maxUpdated
	result.Duration = m.now().Sub(started)

	m.logger.Debug("diff computed",
		zap.String("tenant", tenantID),
		zap.String("scope", scope),
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("deleted", len(result.Deleted)),
		zap.Int("unchanged", result.Unchanged),
		zap.Duration("took", result.Duration))
	return result
}

// Commit acknowledges the diff: the watermark and key index advance
// atomically from the caller's perspective. Without Commit the next Diff
// reuses the previous baseline.
func (r *DiffResult) Commit() error {
	wm := types.SyncWatermark{
		TenantID:      r.TenantID,
		ResourceScope: r.ResourceScope,
		LastSyncedAt:  r.nextWatermark,
	}
	wmBytes, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}
	idxBytes, err := json.Marshal(r.nextIndex)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	st := r.mgr.store
	if err := st.Upsert(store.BucketWatermarks, watermarkKey(r.TenantID, r.ResourceScope), wmBytes, nil); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	if err := st.Upsert(store.BucketWatermarks, indexKey(r.TenantID, r.ResourceScope), idxBytes, nil); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// ClearTenant drops all watermarks and indexes for a tenant.
func (m *Incremental) ClearTenant(tenantID string) {
	if _, err := m.store.DeletePattern(store.BucketWatermarks, fmt.Sprintf("tenant:%s:*", tenantID)); err != nil {
		m.logger.Warn("watermark clear failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

func (m *Incremental) loadIndex(tenantID, scope string) map[string]string {
	row, ok, err := m.store.Get(store.BucketWatermarks, indexKey(tenantID, scope))
	if err != nil || !ok {
		return map[string]string{}
	}
	idx := make(map[string]string)
	if err := json.Unmarshal(row.Value, &idx); err != nil {
		m.logger.Warn("index decode failed", zap.String("tenant", tenantID), zap.Error(err))
		return map[string]string{}
	}
	return idx
}

// fieldString renders a record field as a comparable string. Numeric ids
// arrive as json.Number-less float64s; render them without an exponent.
func fieldString(rec Record, field string) string {
	v, ok := rec[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
