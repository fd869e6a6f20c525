package engine

import (
	"time"

	"github.com/sumihiro3/project-lens-sync/internal/syncer"
)

// EventType tags engine events.
type EventType string

const (
	// EventSyncCompleted fires after a full staged sync for one tenant.
	EventSyncCompleted EventType = "sync_completed"
	// EventHighScoreItem fires the first time a work item crosses the
	// relevance threshold.
	EventHighScoreItem EventType = "high_score_item"
)

// SyncSummary condenses one sync run for event consumers.
type SyncSummary struct {
	Stages    []*syncer.StageReport `json:"stages"`
	Created   int                   `json:"created"`
	Updated   int                   `json:"updated"`
	Deleted   int                   `json:"deleted"`
	Unchanged int                   `json:"unchanged"`
}

// Event is one engine notification, published on a typed channel.
type Event struct {
	Type     EventType              `json:"type"`
	TenantID string                 `json:"tenant_id"`
	Time     time.Time              `json:"time"`
	Sync     *SyncSummary           `json:"sync,omitempty"`
	Item     map[string]interface{} `json:"item,omitempty"`
	Score    int                    `json:"score,omitempty"`
}
