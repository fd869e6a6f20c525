package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sumihiro3/project-lens-sync/internal/transport"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// tenantPool owns one tenant's keep-alive transport handle and its rolling
// statistics. Slot acquisition is FIFO: waiters queue on the semaphore in
// arrival order.
type tenantPool struct {
	tenantID  string
	transport *transport.Client
	sem       *semaphore.Weighted
	maxSlots  int

	mu           sync.Mutex
	requests     int64
	failures     int64
	totalLatency time.Duration
	inFlight     int
	peak         int
	windowStart  time.Time
}

func newTenantPool(tenantID string, client *transport.Client, maxSlots int) *tenantPool {
	if maxSlots <= 0 {
		maxSlots = 4
	}
	return &tenantPool{
		tenantID:    tenantID,
		transport:   client,
		sem:         semaphore.NewWeighted(int64(maxSlots)),
		maxSlots:    maxSlots,
		windowStart: time.Now(),
	}
}

// acquire blocks until a socket slot is free or the context ends.
func (p *tenantPool) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()
	return nil
}

func (p *tenantPool) release() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	p.sem.Release(1)
}

// record folds one call's outcome into the rolling statistics.
func (p *tenantPool) record(latency time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests++
	p.totalLatency += latency
	if !ok {
		p.failures++
	}
}

// stats snapshots the rolling statistics.
func (p *tenantPool) stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := types.PoolStats{
		TenantID:        p.tenantID,
		Requests:        p.requests,
		Failures:        p.failures,
		PeakConcurrency: p.peak,
		Utilization:     float64(p.inFlight) / float64(p.maxSlots),
	}
	if p.requests > 0 {
		out.ErrorRate = float64(p.failures) / float64(p.requests)
		out.AvgLatency = p.totalLatency / time.Duration(p.requests)
	}
	if elapsed := time.Since(p.windowStart).Seconds(); elapsed > 0 {
		out.Throughput = float64(p.requests) / elapsed
	}
	return out
}

// close releases pooled sockets.
func (p *tenantPool) close() {
	p.transport.CloseIdleConnections()
}
