package connection

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// HealthCheck runs the three sub-checks (connectivity, auth, rate limit)
// for one tenant, or for all tenants when tenantID is empty. A tenant is
// unhealthy when two or more sub-checks fail, degraded when one fails.
func (m *Manager) HealthCheck(ctx context.Context, tenantID string) []types.HealthCheckResult {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tenants))
	if tenantID != "" {
		if _, ok := m.tenants[tenantID]; ok {
			ids = append(ids, tenantID)
		}
	} else {
		for id := range m.tenants {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	results := make([]types.HealthCheckResult, 0, len(ids))
	for _, id := range ids {
		result := m.checkTenant(ctx, id)
		results = append(results, result)

		m.mu.Lock()
		m.sweepResults[id] = result
		m.mu.Unlock()
	}
	return results
}

// LastSweep returns the most recent sweep result per tenant.
func (m *Manager) LastSweep() map[string]types.HealthCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.HealthCheckResult, len(m.sweepResults))
	for id, r := range m.sweepResults {
		out[id] = r
	}
	return out
}

// checkTenant performs the sub-checks against the tenant's self endpoint.
func (m *Manager) checkTenant(ctx context.Context, tenantID string) types.HealthCheckResult {
	result := types.HealthCheckResult{
		TenantID:  tenantID,
		CheckedAt: time.Now(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := m.Execute(checkCtx, tenantID, http.MethodGet, "/users/myself", nil)
	if err == nil {
		result.Connectivity = true
		result.Auth = true
	} else {
		classified := syncerrors.Classify(err, syncerrors.Context{TenantID: tenantID})
		result.Detail = classified.Message
		switch classified.Category {
		case syncerrors.CategoryAuth:
			// the request reached the service, only the credential failed
			result.Connectivity = true
		case syncerrors.CategoryQuota:
			result.Connectivity = true
			result.Auth = true
		}
	}

	// Rate-limit sub-check: healthy unless the live window is exhausted.
	result.RateLimit = true
	if m.optimizer != nil {
		if resp != nil {
			m.optimizer.RecordResponse(tenantID, "/users/myself", http.MethodGet, resp.Headers)
		}
		if m.optimizer.Utilization(tenantID) >= 1.0 {
			result.RateLimit = false
		}
	}

	failures := 0
	for _, ok := range []bool{result.Connectivity, result.Auth, result.RateLimit} {
		if !ok {
			failures++
		}
	}
	switch {
	case failures >= 2:
		result.State = types.HealthUnhealthy
	case failures == 1:
		result.State = types.HealthDegraded
	default:
		result.State = types.HealthHealthy
	}
	return result
}

// sweepLoop performs the full health sweep every five minutes.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			results := m.HealthCheck(context.Background(), "")
			for _, r := range results {
				if r.State != types.HealthHealthy {
					m.logger.Warn("health sweep",
						zap.String("tenant", r.TenantID),
						zap.String("state", string(r.State)),
						zap.String("detail", r.Detail))
				}
			}
		}
	}
}
