package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartScheduler launches the periodic full-sync loop: after the
// configured initial delay, every registered active tenant is synced on
// each interval tick. A non-positive interval uses the configured one.
// The loop stops when ctx is cancelled or the engine closes.
func (e *Engine) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.Scheduler.Interval
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.schedCancel != nil {
		e.mu.Unlock()
		cancel()
		return // already running
	}
	e.schedCancel = cancel
	e.mu.Unlock()

	go e.scheduleLoop(ctx, interval)
	e.logger.Info("scheduler started",
		zap.Duration("interval", interval),
		zap.Duration("initial_delay", e.cfg.Scheduler.InitialDelay))
}

// StopScheduler stops the periodic sync loop if it is running.
func (e *Engine) StopScheduler() {
	e.mu.Lock()
	cancel := e.schedCancel
	e.schedCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) scheduleLoop(ctx context.Context, interval time.Duration) {
	if delay := e.cfg.Scheduler.InitialDelay; delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	e.syncAllTenants(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncAllTenants(ctx)
		}
	}
}

// syncAllTenants runs one scheduled pass over every active tenant.
func (e *Engine) syncAllTenants(ctx context.Context) {
	for _, conn := range e.manager.Tenants() {
		if ctx.Err() != nil {
			return
		}
		if !conn.IsActive {
			continue
		}
		if _, err := e.Sync(ctx, conn.TenantID); err != nil {
			e.logger.Warn("scheduled sync failed",
				zap.String("tenant", conn.TenantID),
				zap.Error(err))
		}
	}
}
