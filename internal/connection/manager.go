// Package connection owns tenant registrations: encrypted credentials,
// per-tenant pooled transports, rate-aware parallel dispatch, and the
// periodic health sweep.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/internal/ratelimit"
	"github.com/sumihiro3/project-lens-sync/internal/transport"
	"github.com/sumihiro3/project-lens-sync/internal/vault"
	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// DefaultMaxTenants is the hard cap on concurrently registered tenants.
const DefaultMaxTenants = 10

// healthSweepInterval is how often the background sweep runs.
const healthSweepInterval = 5 * time.Minute

// interBatchPause separates concurrency-bounded dispatch batches so a
// burst never lands as one spike on the remote service.
const interBatchPause = 100 * time.Millisecond

// TenantConfig is the registration input for one tenant.
type TenantConfig struct {
	TenantID     string         `yaml:"tenant_id"`
	DisplayName  string         `yaml:"display_name"`
	Host         string         `yaml:"host"` // e.g. example.backlog.com
	Credential   string         `yaml:"credential"`
	HostOverride string         `yaml:"host_override,omitempty"`
	Priority     types.Priority `yaml:"priority"`
	PoolSize     int            `yaml:"pool_size"`
}

// Config tunes the manager.
type Config struct {
	MaxTenants     int              `yaml:"max_tenants"`
	PoolSize       int              `yaml:"pool_size"`
	ProbeOnAdd     bool             `yaml:"probe_on_add"`
	Transport      transport.Config `yaml:"transport"`
	RequestTimeout time.Duration    `yaml:"request_timeout"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxTenants:     DefaultMaxTenants,
		PoolSize:       4,
		ProbeOnAdd:     true,
		Transport:      transport.DefaultConfig(),
		RequestTimeout: transport.DefaultTimeout,
	}
}

// Request is one unit of work for RunParallel.
type Request struct {
	TenantID string
	Fn       func(ctx context.Context) (interface{}, error)
}

// Result pairs a RunParallel request with its outcome.
type Result struct {
	TenantID string
	Value    interface{}
	Err      error
}

// tenantEntry is the manager's record for one registered tenant.
type tenantEntry struct {
	conn *types.TenantConnection
	pool *tenantPool
	host string
}

// Manager owns all tenant connections.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	tenants map[string]*tenantEntry

	vault     *vault.Vault
	optimizer *ratelimit.Optimizer
	logger    *zap.Logger

	sweepResults map[string]types.HealthCheckResult

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a connection manager. The vault is required: without
// it no credential can be stored and registration must fail.
func NewManager(cfg Config, v *vault.Vault, optimizer *ratelimit.Optimizer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTenants <= 0 {
		cfg.MaxTenants = DefaultMaxTenants
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = transport.DefaultTimeout
	}

	m := &Manager{
		config:       cfg,
		tenants:      make(map[string]*tenantEntry),
		vault:        v,
		optimizer:    optimizer,
		logger:       logger.Named("connection"),
		sweepResults: make(map[string]types.HealthCheckResult),
		stopCh:       make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// Register adds a tenant. It fails (returning an error and rolling back)
// on capacity exceeded, duplicate id, vault unavailability, or a failed
// connectivity probe. The plaintext credential is encrypted immediately
// and never retained.
func (m *Manager) Register(ctx context.Context, cfg TenantConfig) error {
	if cfg.TenantID == "" || cfg.Host == "" || cfg.Credential == "" {
		return syncerrors.New(syncerrors.ErrCodeConfiguration, "tenant registration requires id, host, and credential")
	}

	if m.vault == nil {
		return syncerrors.New(syncerrors.ErrCodeConfiguration, "credential vault unavailable")
	}
	encrypted, err := m.vault.Encrypt(cfg.Credential)
	if err != nil {
		return syncerrors.New(syncerrors.ErrCodeConfiguration, "credential vault unavailable").WithCause(err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = m.config.PoolSize
	}

	m.mu.Lock()
	if len(m.tenants) >= m.config.MaxTenants {
		m.mu.Unlock()
		return syncerrors.New(syncerrors.ErrCodeResourceExhausted,
			fmt.Sprintf("tenant capacity exceeded (max %d)", m.config.MaxTenants))
	}
	if _, exists := m.tenants[cfg.TenantID]; exists {
		m.mu.Unlock()
		return syncerrors.New(syncerrors.ErrCodeValidationFailed,
			fmt.Sprintf("tenant %s already registered", cfg.TenantID))
	}

	entry := &tenantEntry{
		conn: &types.TenantConnection{
			TenantID:            cfg.TenantID,
			DisplayName:         cfg.DisplayName,
			EncryptedCredential: encrypted,
			HostOverride:        cfg.HostOverride,
			Priority:            cfg.Priority,
			IsActive:            true,
		},
		pool: newTenantPool(cfg.TenantID, transport.New(m.config.Transport, m.logger), poolSize),
		host: cfg.Host,
	}
	m.tenants[cfg.TenantID] = entry
	m.mu.Unlock()

	if m.config.ProbeOnAdd {
		credential, err := m.vault.Decrypt(encrypted)
		if err == nil {
			err = entry.pool.transport.Probe(ctx, m.baseURL(entry), credential)
		}
		if err != nil {
			// Probe failed: roll the registration back atomically.
			m.mu.Lock()
			delete(m.tenants, cfg.TenantID)
			m.mu.Unlock()
			entry.pool.close()
			m.logger.Warn("registration probe failed, rolled back",
				zap.String("tenant", cfg.TenantID), zap.Error(err))
			return syncerrors.Classify(err, syncerrors.Context{TenantID: cfg.TenantID, Endpoint: "/users/myself"})
		}
		now := time.Now()
		m.mu.Lock()
		entry.conn.LastConnectedAt = &now
		entry.conn.ConnectionCount++
		m.mu.Unlock()
	}

	m.logger.Info("tenant registered",
		zap.String("tenant", cfg.TenantID),
		zap.String("host", cfg.Host))
	return nil
}

// Deregister removes a tenant and cascades pool cleanup, reporting whether
// the tenant existed.
func (m *Manager) Deregister(tenantID string) bool {
	m.mu.Lock()
	entry, exists := m.tenants[tenantID]
	if exists {
		delete(m.tenants, tenantID)
		delete(m.sweepResults, tenantID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	entry.pool.close()
	if m.optimizer != nil {
		m.optimizer.DropTenant(tenantID)
	}
	m.logger.Info("tenant deregistered", zap.String("tenant", tenantID))
	return true
}

// Tenants lists copies of all tenant connection records.
func (m *Manager) Tenants() []types.TenantConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.TenantConnection, 0, len(m.tenants))
	for _, entry := range m.tenants {
		out = append(out, *entry.conn)
	}
	return out
}

// IsActive reports whether a tenant is registered and active.
func (m *Manager) IsActive(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tenants[tenantID]
	return ok && entry.conn.IsActive
}

// baseURL builds the tenant's API root, honoring the host override. Hosts
// without an explicit scheme get https.
func (m *Manager) baseURL(entry *tenantEntry) string {
	host := entry.host
	if entry.conn.HostOverride != "" {
		host = entry.conn.HostOverride
	}
	if strings.Contains(host, "://") {
		return host + "/api/v2"
	}
	return "https://" + host + "/api/v2"
}

// Execute performs one API call for a tenant: waits for a pool slot,
// applies the monitor's pre-request delay, sends with the credential
// decrypted only for the duration of the call, records rate-limit headers
// and pool statistics, and returns a classified error on failure.
func (m *Manager) Execute(ctx context.Context, tenantID, method, endpoint string, params map[string]string) (*transport.Response, error) {
	errCtx := syncerrors.Context{TenantID: tenantID, Endpoint: endpoint, Method: method}

	m.mu.RLock()
	entry, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok || !entry.conn.IsActive {
		return nil, syncerrors.New(syncerrors.ErrCodeValidationFailed,
			fmt.Sprintf("tenant %s is not registered or inactive", tenantID)).WithContext(errCtx)
	}

	if m.optimizer != nil {
		if delay := m.optimizer.RecommendedDelay(tenantID, endpoint, method); delay > 0 {
			m.logger.Debug("pre-request delay",
				zap.String("tenant", tenantID),
				zap.String("endpoint", endpoint),
				zap.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, syncerrors.Classify(ctx.Err(), errCtx)
			case <-t.C:
			}
		}
	}

	if err := entry.pool.acquire(ctx); err != nil {
		return nil, syncerrors.Classify(err, errCtx)
	}
	defer entry.pool.release()

	credential, err := m.vault.Decrypt(entry.conn.EncryptedCredential)
	if err != nil {
		return nil, syncerrors.New(syncerrors.ErrCodeConfiguration, "credential decryption failed").WithContext(errCtx).WithCause(err)
	}

	u := m.baseURL(entry) + endpoint
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	headers := map[string]string{"Authorization": "Bearer " + credential}

	start := time.Now()
	resp, err := entry.pool.transport.Send(ctx, method, u, headers, nil, m.config.RequestTimeout)
	latency := time.Since(start)

	m.mu.Lock()
	entry.conn.ConnectionCount++
	if err != nil || (resp != nil && resp.Status >= 400) {
		entry.conn.ErrorCount++
	} else {
		now := time.Now()
		entry.conn.LastConnectedAt = &now
	}
	m.mu.Unlock()

	if err != nil {
		entry.pool.record(latency, false)
		return nil, syncerrors.Classify(err, errCtx)
	}

	if m.optimizer != nil {
		m.optimizer.RecordResponse(tenantID, endpoint, method, resp.Headers)
	}

	if resp.Status >= 400 {
		entry.pool.record(latency, false)
		errCtx.HTTPStatus = resp.Status
		return resp, syncerrors.Classify(fmt.Errorf("request failed with status %d", resp.Status), errCtx)
	}

	entry.pool.record(latency, true)
	return resp, nil
}

// RunParallel executes requests grouped by tenant in concurrency-bounded
// batches. Per-tenant concurrency comes from the optimizer unless
// maxConcurrency overrides it. Results preserve input order.
func (m *Manager) RunParallel(ctx context.Context, requests []Request, maxConcurrency int) []Result {
	results := make([]Result, len(requests))

	byTenant := make(map[string][]int)
	for i, req := range requests {
		byTenant[req.TenantID] = append(byTenant[req.TenantID], i)
	}

	var wg sync.WaitGroup
	for tenantID, indices := range byTenant {
		concurrency := maxConcurrency
		if concurrency <= 0 && m.optimizer != nil {
			concurrency = m.optimizer.OptimalConcurrency(tenantID, "", http.MethodGet)
		}
		if concurrency <= 0 {
			concurrency = 1
		}

		wg.Add(1)
		go func(tenantID string, indices []int, concurrency int) {
			defer wg.Done()
			m.runTenantBatches(ctx, tenantID, indices, concurrency, requests, results)
		}(tenantID, indices, concurrency)
	}
	wg.Wait()

	return results
}

// runTenantBatches executes one tenant's requests in batches of at most
// the given concurrency, pausing briefly between batches.
func (m *Manager) runTenantBatches(ctx context.Context, tenantID string, indices []int, concurrency int, requests []Request, results []Result) {
	for start := 0; start < len(indices); start += concurrency {
		end := start + concurrency
		if end > len(indices) {
			end = len(indices)
		}

		var wg sync.WaitGroup
		for _, idx := range indices[start:end] {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				value, err := requests[idx].Fn(ctx)
				results[idx] = Result{TenantID: tenantID, Value: value, Err: err}
			}(idx)
		}
		wg.Wait()

		if end < len(indices) {
			select {
			case <-ctx.Done():
				err := syncerrors.Classify(ctx.Err(), syncerrors.Context{TenantID: tenantID})
				for _, idx := range indices[end:] {
					results[idx] = Result{TenantID: tenantID, Err: err}
				}
				return
			case <-time.After(interBatchPause):
			}
		}
	}
}

// PoolStats returns rolling statistics for every tenant pool.
func (m *Manager) PoolStats() []types.PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.PoolStats, 0, len(m.tenants))
	for _, entry := range m.tenants {
		out = append(out, entry.pool.stats())
	}
	return out
}

// Close stops the sweep loop and releases all pools. Safe to call twice.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.tenants {
		entry.pool.close()
		delete(m.tenants, id)
	}
}
