package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/queue"
	"github.com/sumihiro3/project-lens-sync/internal/ratelimit"
	"github.com/sumihiro3/project-lens-sync/internal/store"
	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// Utilization thresholds above which lower stages are skipped.
const (
	backgroundSkipUtilization = 0.70
	idleSkipUtilization       = 0.50
	syncLogRetention          = 7 * 24 * time.Hour
)

// Scorer tags fetched work items with a relevance score.
type Scorer interface {
	Score(tenantID string, item map[string]interface{}) int
}

// PlanTask is one fetch task inside a stage. DependsOn names other task
// ids in the same stage.
type PlanTask struct {
	ID        string
	Endpoint  string
	Params    map[string]string
	DependsOn []string
}

// Plan maps each stage to its task set.
type Plan map[ratelimit.Stage][]PlanTask

// DefaultPlan returns the built-in three-stage fetch plan: the immediate
// stage covers tenant metadata and active work, the background stage the
// broader refresh, the idle stage historical data.
func DefaultPlan() Plan {
	return Plan{
		ratelimit.StageImmediate: {
			{ID: "space", Endpoint: "/space"},
			{ID: "myself", Endpoint: "/users/myself"},
			{ID: "projects", Endpoint: "/projects"},
			{ID: "issues", Endpoint: "/issues", Params: map[string]string{"sort": "updated"}, DependsOn: []string{"projects"}},
		},
		ratelimit.StageBackground: {
			{ID: "notifications", Endpoint: "/notifications"},
			{ID: "wikis", Endpoint: "/wikis"},
			{ID: "statuses", Endpoint: "/statuses"},
			{ID: "priorities", Endpoint: "/priorities"},
		},
		ratelimit.StageIdle: {
			{ID: "closed-issues", Endpoint: "/issues", Params: map[string]string{"statusId": "4", "sort": "updated"}},
			{ID: "activities", Endpoint: "/space/activities"},
		},
	}
}

// StageReport records the outcome of one stage run.
type StageReport struct {
	TenantID    string                 `json:"tenant_id"`
	Stage       string                 `json:"stage"`
	Skipped     bool                   `json:"skipped"`
	SkipReason  string                 `json:"skip_reason,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Total       int                    `json:"total"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Errors      []string               `json:"errors,omitempty"`
	Results     map[string]interface{} `json:"-"`
}

// Orchestrator drives the per-tenant staged fetch state machine. Stages
// are mutually exclusive per tenant: a stage that is already running, or
// preempted by a higher one, is skipped rather than queued.
type Orchestrator struct {
	queue       *queue.Queue
	optimizer   *ratelimit.Optimizer
	incremental *Incremental
	store       *store.Store
	scorer      Scorer
	plan        Plan
	logger      *zap.Logger

	mu      sync.Mutex
	running map[string]map[ratelimit.Stage]bool
}

// NewOrchestrator wires the orchestrator. scorer may be nil, disabling
// relevance tagging; plan may be nil for the default plan.
func NewOrchestrator(q *queue.Queue, optimizer *ratelimit.Optimizer, inc *Incremental, st *store.Store, scorer Scorer, plan Plan, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if plan == nil {
		plan = DefaultPlan()
	}
	return &Orchestrator{
		queue:       q,
		optimizer:   optimizer,
		incremental: inc,
		store:       st,
		scorer:      scorer,
		plan:        plan,
		logger:      logger.Named("orchestrator"),
		running:     make(map[string]map[ratelimit.Stage]bool),
	}
}

// SyncAll runs the three stages in order for one tenant, honoring each
// stage's skip rules, and returns the per-stage reports.
func (o *Orchestrator) SyncAll(ctx context.Context, tenantID string) []*StageReport {
	reports := make([]*StageReport, 0, 3)
	for _, stage := range []ratelimit.Stage{ratelimit.StageImmediate, ratelimit.StageBackground, ratelimit.StageIdle} {
		reports = append(reports, o.RunStage(ctx, tenantID, stage))
		if ctx.Err() != nil {
			break
		}
	}
	return reports
}

// RunStage executes one stage for one tenant. The immediate stage always
// runs to completion; background and idle stages are skipped when a higher
// stage is running or live utilization is above their threshold.
func (o *Orchestrator) RunStage(ctx context.Context, tenantID string, stage ratelimit.Stage) *StageReport {
	report := &StageReport{
		TenantID:  tenantID,
		Stage:     stage.String(),
		StartedAt: time.Now(),
		Results:   make(map[string]interface{}),
	}

	if reason := o.tryStart(tenantID, stage); reason != "" {
		report.Skipped = true
		report.SkipReason = reason
		report.CompletedAt = time.Now()
		o.logger.Debug("stage skipped",
			zap.String("tenant", tenantID),
			zap.String("stage", stage.String()),
			zap.String("reason", reason))
		return report
	}
	defer o.finish(tenantID, stage)

	tasks := o.plan[stage]
	report.Total = len(tasks)

	ordered, unresolvable := topoSort(tasks)
	for _, t := range unresolvable {
		classified := syncerrors.New(syncerrors.ErrCodeConfiguration,
			fmt.Sprintf("task %s has a cyclic or unknown dependency", t.ID)).
			WithContext(syncerrors.Context{TenantID: tenantID, Endpoint: t.Endpoint})
		report.Failed++
		report.Errors = append(report.Errors, classified.Error())
		o.logger.Error("fetch task unschedulable",
			zap.String("tenant", tenantID),
			zap.String("task", t.ID),
			zap.Error(classified))
	}

	if stage == ratelimit.StageIdle {
		o.runSequential(ctx, tenantID, ordered, report)
	} else {
		o.runConcurrent(ctx, tenantID, stage, ordered, report)
	}

	report.CompletedAt = time.Now()
	o.writeSyncLog(report)
	o.logger.Info("stage finished",
		zap.String("tenant", tenantID),
		zap.String("stage", stage.String()),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.CompletedAt.Sub(report.StartedAt)))
	return report
}

// tryStart applies the skip rules and claims the stage slot, returning a
// non-empty reason when the stage must not run.
func (o *Orchestrator) tryStart(tenantID string, stage ratelimit.Stage) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := o.running[tenantID]
	if active == nil {
		active = make(map[ratelimit.Stage]bool)
		o.running[tenantID] = active
	}
	if active[stage] {
		return "stage already running"
	}

	util := 0.0
	if o.optimizer != nil {
		util = o.optimizer.Utilization(tenantID)
	}
	switch stage {
	case ratelimit.StageBackground:
		if active[ratelimit.StageImmediate] {
			return "immediate stage running"
		}
		if util > backgroundSkipUtilization {
			return fmt.Sprintf("utilization %.0f%% above background threshold", util*100)
		}
	case ratelimit.StageIdle:
		if active[ratelimit.StageImmediate] || active[ratelimit.StageBackground] {
			return "higher stage running"
		}
		if util > idleSkipUtilization {
			return fmt.Sprintf("utilization %.0f%% above idle threshold", util*100)
		}
	}

	active[stage] = true
	return ""
}

func (o *Orchestrator) finish(tenantID string, stage ratelimit.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active := o.running[tenantID]; active != nil {
		delete(active, stage)
		if len(active) == 0 {
			delete(o.running, tenantID)
		}
	}
}

// laneFor maps a stage to its queue lane.
func laneFor(stage ratelimit.Stage) types.Priority {
	switch stage {
	case ratelimit.StageImmediate:
		return types.PriorityHigh
	case ratelimit.StageBackground:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

// runConcurrent enqueues all tasks in dependency order and waits for their
// terminal events. Intra-stage ordering is delegated to the queue through
// task dependencies.
func (o *Orchestrator) runConcurrent(ctx context.Context, tenantID string, stage ratelimit.Stage, tasks []PlanTask, report *StageReport) {
	lane := laneFor(stage)
	queueIDs := make(map[string]string, len(tasks)) // plan id → queue task id

	type pending struct {
		task PlanTask
		done <-chan queue.Event
	}
	waits := make([]pending, 0, len(tasks))
	for _, t := range tasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if qid, ok := queueIDs[dep]; ok {
				deps = append(deps, qid)
			}
		}
		done, qid := o.queue.EnqueueWait(&types.QueuedTask{
			TenantID:     tenantID,
			Endpoint:     t.Endpoint,
			Params:       cloneParams(t.Params),
			Priority:     lane,
			Dependencies: deps,
		})
		queueIDs[t.ID] = qid
		waits = append(waits, pending{task: t, done: done})
	}

	for _, w := range waits {
		o.await(ctx, w.task, w.done, report)
	}
}

// runSequential runs the idle stage: one task in flight at a time.
func (o *Orchestrator) runSequential(ctx context.Context, tenantID string, tasks []PlanTask, report *StageReport) {
	for _, t := range tasks {
		if ctx.Err() != nil {
			report.Failed++
			report.Errors = append(report.Errors, ctx.Err().Error())
			continue
		}
		done, _ := o.queue.EnqueueWait(&types.QueuedTask{
			TenantID: tenantID,
			Endpoint: t.Endpoint,
			Params:   cloneParams(t.Params),
			Priority: types.PriorityLow,
		})
		o.await(ctx, t, done, report)
	}
}

// await consumes one task's terminal event into the report.
func (o *Orchestrator) await(ctx context.Context, t PlanTask, done <-chan queue.Event, report *StageReport) {
	select {
	case ev := <-done:
		if ev.Type == queue.EventCompleted {
			report.Succeeded++
			report.Results[t.ID] = o.tagResult(report.TenantID, t, ev.Value)
		} else {
			report.Failed++
			if ev.Err != nil {
				report.Errors = append(report.Errors, ev.Err.Error())
			}
		}
	case <-ctx.Done():
		report.Failed++
		report.Errors = append(report.Errors, ctx.Err().Error())
	}
}

// tagResult applies relevance scores to work-item lists.
func (o *Orchestrator) tagResult(tenantID string, t PlanTask, value interface{}) interface{} {
	if o.scorer == nil || t.Endpoint != "/issues" {
		return value
	}
	items, ok := value.([]interface{})
	if !ok {
		return value
	}
	for _, raw := range items {
		if item, ok := raw.(map[string]interface{}); ok {
			item["relevanceScore"] = o.scorer.Score(tenantID, item)
		}
	}
	return items
}

// writeSyncLog persists one stage run to the sync log bucket.
func (o *Orchestrator) writeSyncLog(report *StageReport) {
	if o.store == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		o.logger.Warn("sync log encode failed", zap.Error(err))
		return
	}
	key := fmt.Sprintf("tenant:%s:%d", report.TenantID, report.StartedAt.UnixMilli())
	expires := time.Now().Add(syncLogRetention)
	if err := o.store.Upsert(store.BucketSyncLogs, key, payload, &expires); err != nil {
		o.logger.Warn("sync log write failed", zap.Error(err))
	}
}

// SyncLogs returns the most recent stage runs, newest first.
func (o *Orchestrator) SyncLogs(limit int) ([]StageReport, error) {
	rows, err := o.store.QueryOrdered(store.BucketSyncLogs, limit)
	if err != nil {
		return nil, err
	}
	out := make([]StageReport, 0, len(rows))
	for _, row := range rows {
		var r StageReport
		if err := json.Unmarshal(row.Value, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// topoSort orders tasks so dependencies precede dependents. Tasks caught
// in a cycle or naming an unknown dependency are returned separately so
// the caller can fail them explicitly.
func topoSort(tasks []PlanTask) (ordered, unresolvable []PlanTask) {
	byID := make(map[string]PlanTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	unknown := make(map[string]bool)
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				unknown[t.ID] = true
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	ready := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.ID] == 0 && !unknown[t.ID] {
			ready = append(ready, t.ID)
		}
	}

	resolved := make(map[string]bool, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		resolved[id] = true
		ordered = append(ordered, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 && !unknown[next] {
				ready = append(ready, next)
			}
		}
	}

	for _, t := range tasks {
		if !resolved[t.ID] {
			unresolvable = append(unresolvable, t)
		}
	}
	return ordered, unresolvable
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
