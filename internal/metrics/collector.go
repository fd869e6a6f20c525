// Package metrics implements Prometheus metrics collection for the sync
// engine: request counters and latencies, retry and error counters, cache
// hit rates, queue depths, and per-tenant rate-limit utilization.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default metrics configuration. The HTTP
// endpoint stays off unless Start is called.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "projectlens",
	}
}

// RequestMetrics tracks rolled-up metrics for one endpoint.
type RequestMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastRequest   time.Time     `json:"last_request"`
}

// Collector implements metrics collection over a private registry.
type Collector struct {
	mu       sync.RWMutex
	config   Config
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retryCounter    *prometheus.CounterVec
	errorCounter    *prometheus.CounterVec
	cacheCounter    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	utilization     *prometheus.GaugeVec
	activeTenants   prometheus.Gauge

	requests  map[string]*RequestMetrics
	lastReset time.Time

	server *http.Server
}

// NewCollector creates a metrics collector. A disabled collector is a
// no-op on every record call.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "projectlens"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{
		config:    config,
		requests:  make(map[string]*RequestMetrics),
		lastReset: time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry exposes the underlying registry so callers can mount the
// handler themselves.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint on the configured port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest records one API request outcome.
func (c *Collector) RecordRequest(tenantID, endpoint string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, exists := c.requests[endpoint]
	if !exists {
		m = &RequestMetrics{}
		c.requests[endpoint] = m
	}
	m.Count++
	m.TotalDuration += duration
	if !success {
		m.Errors++
	}
	m.LastRequest = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.requestCounter.With(prometheus.Labels{
		"tenant":   tenantID,
		"endpoint": endpoint,
		"status":   status,
	}).Inc()
	c.requestDuration.With(prometheus.Labels{
		"endpoint": endpoint,
	}).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry(tenantID, errorType string) {
	if !c.config.Enabled {
		return
	}
	c.retryCounter.With(prometheus.Labels{
		"tenant": tenantID,
		"type":   errorType,
	}).Inc()
}

// RecordError records one classified error.
func (c *Collector) RecordError(tenantID, errorType string) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"tenant": tenantID,
		"type":   errorType,
	}).Inc()
}

// RecordCacheHit records a cache hit at one layer.
func (c *Collector) RecordCacheHit(layer string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "hit", "layer": layer}).Inc()
}

// RecordCacheMiss records a cache miss at one layer.
func (c *Collector) RecordCacheMiss(layer string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "miss", "layer": layer}).Inc()
}

// UpdateQueueDepth updates the queued-task gauge for one lane.
func (c *Collector) UpdateQueueDepth(lane string, depth int) {
	if !c.config.Enabled {
		return
	}
	c.queueDepth.With(prometheus.Labels{"lane": lane}).Set(float64(depth))
}

// UpdateUtilization updates a tenant's rate-limit utilization gauge.
func (c *Collector) UpdateUtilization(tenantID string, utilization float64) {
	if !c.config.Enabled {
		return
	}
	c.utilization.With(prometheus.Labels{"tenant": tenantID}).Set(utilization)
}

// UpdateActiveTenants updates the registered-tenant gauge.
func (c *Collector) UpdateActiveTenants(count int) {
	if !c.config.Enabled {
		return
	}
	c.activeTenants.Set(float64(count))
}

// Requests returns a copy of the rolled-up per-endpoint metrics.
func (c *Collector) Requests() map[string]RequestMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RequestMetrics, len(c.requests))
	for k, v := range c.requests {
		out[k] = *v
	}
	return out
}

// Reset clears the rolled-up metrics. Prometheus counters are cumulative
// and are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = make(map[string]*RequestMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"tenant", "endpoint", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"endpoint"},
	)

	c.retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"tenant", "type"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		},
		[]string{"tenant", "type"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of cache requests",
		},
		[]string{"type", "layer"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Name:      "queue_depth",
			Help:      "Number of queued tasks per lane",
		},
		[]string{"lane"},
	)

	c.utilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Name:      "rate_limit_utilization",
			Help:      "Rate-limit window utilization per tenant",
		},
		[]string{"tenant"},
	)

	c.activeTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Name:      "active_tenants",
			Help:      "Number of registered tenants",
		},
	)
}

func (c *Collector) registerMetrics() error {
	for _, m := range []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.retryCounter,
		c.errorCounter,
		c.cacheCounter,
		c.queueDepth,
		c.utilization,
		c.activeTenants,
	} {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}
