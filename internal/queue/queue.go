// Package queue implements the three-lane priority request queue:
// strict HIGH→MEDIUM→LOW scheduling on a fixed tick, per-lane concurrency
// bounds, differential-fetch watermark injection, classified retries with
// exponential backoff, and age-based cleanup.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/ratelimit"
	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// Executor performs the actual API call for a task. Implemented by the
// engine on top of the connection manager; the queue never talks to the
// network itself.
type Executor func(ctx context.Context, task *types.QueuedTask) (interface{}, error)

// WatermarkFunc returns the last committed sync watermark for a
// (tenant, endpoint) pair, or nil when none exists.
type WatermarkFunc func(tenantID, endpoint string) *time.Time

// EventType tags queue lifecycle events.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
)

// Event is one queue lifecycle notification, published on a typed channel
// rather than listener callbacks.
type Event struct {
	Type  EventType
	Task  types.QueuedTask
	Err   *syncerrors.ClassifiedError
	Value interface{}
}

// Config tunes the queue.
type Config struct {
	Tick            time.Duration `yaml:"tick"`
	HighConcurrency int           `yaml:"high_concurrency"`
	MedConcurrency  int           `yaml:"medium_concurrency"`
	LowConcurrency  int           `yaml:"low_concurrency"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxTaskAge      time.Duration `yaml:"max_task_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// DefaultConfig returns the default queue tuning.
func DefaultConfig() Config {
	return Config{
		Tick:            100 * time.Millisecond,
		HighConcurrency: 5,
		MedConcurrency:  3,
		LowConcurrency:  1,
		MaxRetries:      3,
		MaxTaskAge:      24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		EventBuffer:     256,
	}
}

// retryBackoff computes the reschedule delay for a failed task:
// min(1000 * 2^retryCount, 30000) milliseconds.
func retryBackoff(retryCount int) time.Duration {
	ms := 1000 * (1 << retryCount)
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// item wraps a queued task with its completion channel.
type item struct {
	task *types.QueuedTask
	done chan Event // nil unless the producer waits on the result
}

// Stats is a snapshot of queue state.
type Stats struct {
	QueuedHigh   int   `json:"queued_high"`
	QueuedMedium int   `json:"queued_medium"`
	QueuedLow    int   `json:"queued_low"`
	Running      int   `json:"running"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	Evicted      int64 `json:"evicted"`
}

// Queue is the three-lane priority request queue.
type Queue struct {
	mu        sync.Mutex
	lanes     [3][]*item
	running   [3]int
	completed map[string]time.Time // finished task ids, for dependency checks
	failed    map[string]time.Time

	config    Config
	executor  Executor
	watermark WatermarkFunc
	optimizer *ratelimit.Optimizer
	logger    *zap.Logger

	events chan Event

	idSeq          atomic.Int64
	completedTotal atomic.Int64
	failedTotal    atomic.Int64
	retriedTotal   atomic.Int64
	evictedTotal   atomic.Int64

	// differential endpoints support a "changed since" filter
	differential map[string]bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	drained chan struct{}
}

// New creates and starts a queue. executor is required.
func New(cfg Config, executor Executor, watermark WatermarkFunc, optimizer *ratelimit.Optimizer, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.HighConcurrency <= 0 {
		cfg.HighConcurrency = 5
	}
	if cfg.MedConcurrency <= 0 {
		cfg.MedConcurrency = 3
	}
	if cfg.LowConcurrency <= 0 {
		cfg.LowConcurrency = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxTaskAge <= 0 {
		cfg.MaxTaskAge = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	q := &Queue{
		config:       cfg,
		executor:     executor,
		watermark:    watermark,
		optimizer:    optimizer,
		logger:       logger.Named("queue"),
		completed:    make(map[string]time.Time),
		failed:       make(map[string]time.Time),
		events:       make(chan Event, cfg.EventBuffer),
		differential: defaultDifferentialEndpoints(),
		stopCh:       make(chan struct{}),
		drained:      make(chan struct{}),
	}

	q.wg.Add(2)
	go q.processLoop()
	go q.cleanupLoop()

	return q
}

// defaultDifferentialEndpoints lists endpoints that accept an updatedSince
// filter.
func defaultDifferentialEndpoints() map[string]bool {
	return map[string]bool{
		"/issues":        true,
		"/wikis":         true,
		"/notifications": true,
	}
}

// SetDifferential marks an endpoint as supporting differential fetch.
func (q *Queue) SetDifferential(endpoint string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.differential[endpoint] = ok
}

// Events exposes the queue's lifecycle event channel.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Enqueue adds a task to its lane and returns the task id. Tasks with an
// unset MaxRetries inherit the configured default.
func (q *Queue) Enqueue(task *types.QueuedTask) string {
	_, id := q.enqueue(task, false)
	return id
}

// EnqueueWait adds a task and returns a channel that receives exactly one
// terminal event (completed or failed) for it.
func (q *Queue) EnqueueWait(task *types.QueuedTask) (<-chan Event, string) {
	return q.enqueue(task, true)
}

func (q *Queue) enqueue(task *types.QueuedTask, wait bool) (chan Event, string) {
	if task.ID == "" {
		task.ID = fmt.Sprintf("task-%d-%d", time.Now().UnixMilli(), q.idSeq.Add(1))
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = q.config.MaxRetries
	}
	task.State = types.TaskQueued

	it := &item{task: task}
	if wait {
		it.done = make(chan Event, 1)
	}

	q.mu.Lock()
	q.lanes[task.Priority] = append(q.lanes[task.Priority], it)
	q.mu.Unlock()

	q.logger.Debug("task enqueued",
		zap.String("task", task.ID),
		zap.String("tenant", task.TenantID),
		zap.String("endpoint", task.Endpoint),
		zap.String("priority", task.Priority.String()))
	return it.done, task.ID
}

// EnqueueHigh is a convenience wrapper for the HIGH lane.
func (q *Queue) EnqueueHigh(tenantID, endpoint string, params map[string]string) string {
	return q.Enqueue(&types.QueuedTask{TenantID: tenantID, Endpoint: endpoint, Params: params, Priority: types.PriorityHigh})
}

// EnqueueMedium is a convenience wrapper for the MEDIUM lane.
func (q *Queue) EnqueueMedium(tenantID, endpoint string, params map[string]string) string {
	return q.Enqueue(&types.QueuedTask{TenantID: tenantID, Endpoint: endpoint, Params: params, Priority: types.PriorityMedium})
}

// EnqueueLow is a convenience wrapper for the LOW lane.
func (q *Queue) EnqueueLow(tenantID, endpoint string, params map[string]string) string {
	return q.Enqueue(&types.QueuedTask{TenantID: tenantID, Endpoint: endpoint, Params: params, Priority: types.PriorityLow})
}

// EnqueueNumeric accepts a legacy numeric priority, normalizing it at this
// single ingress boundary. Unmappable values fall back to MEDIUM with a
// warning.
func (q *Queue) EnqueueNumeric(tenantID, endpoint string, params map[string]string, numericPriority int) string {
	priority, ok := types.NormalizePriority(numericPriority)
	if !ok {
		q.logger.Warn("unparseable numeric priority, defaulting to MEDIUM",
			zap.Int("priority", numericPriority),
			zap.String("endpoint", endpoint))
	}
	return q.Enqueue(&types.QueuedTask{TenantID: tenantID, Endpoint: endpoint, Params: params, Priority: priority})
}

// Remove deletes a queued task before it starts. In-flight tasks run to
// completion.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for lane := range q.lanes {
		for i, it := range q.lanes[lane] {
			if it.task.ID == taskID {
				q.lanes[lane] = append(q.lanes[lane][:i], q.lanes[lane][i+1:]...)
				return true
			}
		}
	}
	return false
}

// ClearForTenant removes all queued tasks for a tenant, returning the
// count.
func (q *Queue) ClearForTenant(tenantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for lane := range q.lanes {
		kept := q.lanes[lane][:0]
		for _, it := range q.lanes[lane] {
			if it.task.TenantID == tenantID {
				removed++
				continue
			}
			kept = append(kept, it)
		}
		q.lanes[lane] = kept
	}
	return removed
}

// Stats snapshots the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		QueuedHigh:   len(q.lanes[types.PriorityHigh]),
		QueuedMedium: len(q.lanes[types.PriorityMedium]),
		QueuedLow:    len(q.lanes[types.PriorityLow]),
		Running:      q.running[0] + q.running[1] + q.running[2],
		Completed:    q.completedTotal.Load(),
		Failed:       q.failedTotal.Load(),
		Retried:      q.retriedTotal.Load(),
		Evicted:      q.evictedTotal.Load(),
	}
}

// Close stops the scheduling tick and waits (bounded) for in-flight tasks
// to drain.
func (q *Queue) Close(drainTimeout time.Duration) {
	q.stopped.Do(func() { close(q.stopCh) })

	if drainTimeout <= 0 {
		drainTimeout = 15 * time.Second
	}
	deadline := time.After(drainTimeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		q.mu.Lock()
		running := q.running[0] + q.running[1] + q.running[2]
		q.mu.Unlock()
		if running == 0 {
			break
		}
		select {
		case <-deadline:
			q.logger.Warn("drain timeout with tasks still in flight", zap.Int("running", running))
			return
		case <-tick.C:
		}
	}
	q.wg.Wait()
}

// processLoop is the fixed scheduling tick: lanes are visited strictly
// HIGH→MEDIUM→LOW so HIGH work preempts lower lanes on every tick without
// cancelling in-flight work.
func (q *Queue) processLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.dispatchLane(types.PriorityHigh, q.config.HighConcurrency)
			q.dispatchLane(types.PriorityMedium, q.config.MedConcurrency)
			q.dispatchLane(types.PriorityLow, q.config.LowConcurrency)
		}
	}
}

// stageFor maps a lane onto the optimizer's stage tiers.
func stageFor(p types.Priority) ratelimit.Stage {
	switch p {
	case types.PriorityHigh:
		return ratelimit.StageImmediate
	case types.PriorityMedium:
		return ratelimit.StageBackground
	default:
		return ratelimit.StageIdle
	}
}

// dispatchLane starts as many ready tasks from one lane as its concurrency
// bound and the optimizer allow, preserving enqueue order.
func (q *Queue) dispatchLane(priority types.Priority, laneMax int) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	lane := int(priority)
	kept := q.lanes[lane][:0]
	for i, it := range q.lanes[lane] {
		if q.running[lane] >= laneMax {
			kept = append(kept, q.lanes[lane][i:]...)
			break
		}

		task := it.task
		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			kept = append(kept, it)
			continue
		}

		ready, failedDep := q.dependenciesReadyLocked(task)
		if failedDep != "" {
			// A dependency terminally failed: fail this task too rather
			// than running it out of order.
			q.failTaskLocked(it, syncerrors.New(syncerrors.ErrCodeConfiguration,
				fmt.Sprintf("dependency %s failed", failedDep)).WithContext(syncerrors.Context{
				TenantID: task.TenantID, Endpoint: task.Endpoint, TaskID: task.ID,
			}))
			continue
		}
		if !ready {
			kept = append(kept, it)
			continue
		}

		if q.optimizer != nil {
			allowed := q.optimizer.OptimalConcurrencyForStage(stageFor(priority), task.TenantID, task.Endpoint, "GET")
			if allowed <= 0 || q.running[lane] >= allowed {
				// emergency stop, or the throttled allocation is already
				// in flight: leave queued
				kept = append(kept, it)
				continue
			}
			if q.optimizer.Acquire(1) == 0 {
				// global budget exhausted
				kept = append(kept, it)
				continue
			}
		}

		q.running[lane]++
		q.wg.Add(1)
		go q.execute(it, priority)
	}
	q.lanes[lane] = kept
}

// dependenciesReadyLocked reports whether all of a task's dependencies
// completed, and names the first terminally failed one if any.
func (q *Queue) dependenciesReadyLocked(task *types.QueuedTask) (ready bool, failedDep string) {
	for _, dep := range task.Dependencies {
		if _, ok := q.failed[dep]; ok {
			return false, dep
		}
		if _, ok := q.completed[dep]; !ok {
			return false, ""
		}
	}
	return true, ""
}

// execute runs one task to completion or rescheduling.
func (q *Queue) execute(it *item, priority types.Priority) {
	defer q.wg.Done()
	defer func() {
		if q.optimizer != nil {
			q.optimizer.Release(1)
		}
	}()

	task := it.task
	task.State = types.TaskRunning
	now := time.Now()
	task.ExecutedAt = &now

	// Inject the differential filter just before execution so retries see
	// a current watermark.
	q.mu.Lock()
	diff := q.differential[task.Endpoint]
	q.mu.Unlock()
	if diff && q.watermark != nil && task.ChangedSince == nil {
		if wm := q.watermark(task.TenantID, task.Endpoint); wm != nil {
			task.ChangedSince = wm
			// copy before injecting; the caller's map stays untouched
			params := make(map[string]string, len(task.Params)+1)
			for k, v := range task.Params {
				params[k] = v
			}
			params["updatedSince"] = wm.UTC().Format(time.RFC3339)
			task.Params = params
		}
	}

	value, err := q.executor(context.Background(), task)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[priority]--

	if err == nil {
		done := time.Now()
		task.State = types.TaskCompleted
		task.CompletedAt = &done
		q.completed[task.ID] = done
		q.completedTotal.Add(1)
		q.publishLocked(it, Event{Type: EventCompleted, Task: *task, Value: value})
		return
	}

	classified := syncerrors.Classify(err, syncerrors.Context{
		TenantID:     task.TenantID,
		Endpoint:     task.Endpoint,
		TaskID:       task.ID,
		RetryAttempt: task.RetryCount,
	})
	task.Error = classified.Message

	if classified.Retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := retryBackoff(task.RetryCount)
		at := time.Now().Add(delay)
		task.ScheduledAt = &at
		task.State = types.TaskQueued
		q.lanes[priority] = append(q.lanes[priority], it)
		q.retriedTotal.Add(1)
		q.logger.Debug("task rescheduled",
			zap.String("task", task.ID),
			zap.Int("retry", task.RetryCount),
			zap.Duration("delay", delay))
		q.publishEvent(Event{Type: EventRetried, Task: *task, Err: classified})
		return
	}

	q.failTaskLocked(it, classified)
}

// failTaskLocked marks a task terminally failed. A failed task is never
// re-enqueued.
func (q *Queue) failTaskLocked(it *item, classified *syncerrors.ClassifiedError) {
	task := it.task
	done := time.Now()
	task.State = types.TaskFailed
	task.CompletedAt = &done
	task.Error = classified.Message
	q.failed[task.ID] = done
	q.failedTotal.Add(1)
	q.logger.Warn("task failed",
		zap.String("task", task.ID),
		zap.String("tenant", task.TenantID),
		zap.String("endpoint", task.Endpoint),
		zap.String("error_type", string(classified.Code)))
	q.publishLocked(it, Event{Type: EventFailed, Task: *task, Err: classified})
}

// publishLocked delivers a terminal event to the per-task waiter (if any)
// and the shared event channel.
func (q *Queue) publishLocked(it *item, ev Event) {
	if it.done != nil {
		it.done <- ev
		close(it.done)
	}
	q.publishEvent(ev)
}

// publishEvent publishes without blocking the scheduler; slow consumers
// lose events rather than stalling dispatch.
func (q *Queue) publishEvent(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

// cleanupLoop evicts tasks older than the maximum age regardless of state.
func (q *Queue) cleanupLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-q.config.MaxTaskAge)
			q.mu.Lock()
			evicted := 0
			for lane := range q.lanes {
				kept := q.lanes[lane][:0]
				for _, it := range q.lanes[lane] {
					if it.task.CreatedAt.Before(cutoff) {
						evicted++
						continue
					}
					kept = append(kept, it)
				}
				q.lanes[lane] = kept
			}
			for id, at := range q.completed {
				if at.Before(cutoff) {
					delete(q.completed, id)
				}
			}
			for id, at := range q.failed {
				if at.Before(cutoff) {
					delete(q.failed, id)
				}
			}
			q.mu.Unlock()
			if evicted > 0 {
				q.evictedTotal.Add(int64(evicted))
				q.logger.Info("evicted stale tasks", zap.Int("count", evicted))
			}
		}
	}
}
