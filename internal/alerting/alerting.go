// Package alerting raises operator alerts for serious sync failures:
// high-severity classified errors, persistent per-endpoint failures, and
// error-rate or critical-error spikes over a rolling window. Every alert
// is logged; a webhook channel can be configured for external delivery.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
)

// Reason tags why an alert fired.
type Reason string

const (
	ReasonSeverity   Reason = "severity"
	ReasonPersistent Reason = "persistent_failure"
	ReasonErrorRate  Reason = "error_rate"
	ReasonCritical   Reason = "critical_count"
)

// Config tunes the alerter.
type Config struct {
	Enabled                bool          `yaml:"enabled"`
	WebhookURL             string        `yaml:"webhook_url"`
	WebhookTimeout         time.Duration `yaml:"webhook_timeout"`
	Cooldown               time.Duration `yaml:"cooldown"`
	Window                 time.Duration `yaml:"window"`
	ErrorRateThreshold     float64       `yaml:"error_rate_threshold"`
	CriticalCountThreshold int           `yaml:"critical_count_threshold"`
	MinSamples             int           `yaml:"min_samples"`
	RecentLimit            int           `yaml:"recent_limit"`
}

// DefaultConfig returns the default alerting tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		WebhookTimeout:         10 * time.Second,
		Cooldown:               5 * time.Minute,
		Window:                 5 * time.Minute,
		ErrorRateThreshold:     0.5,
		CriticalCountThreshold: 3,
		MinSamples:             10,
		RecentLimit:            100,
	}
}

// Alert is one raised operator alert.
type Alert struct {
	TenantID  string               `json:"tenant_id"`
	Code      syncerrors.ErrorCode `json:"code"`
	Severity  string               `json:"severity"`
	Reason    Reason               `json:"reason"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// Channel delivers alerts to an external system.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
}

// WebhookChannel POSTs alerts as JSON to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. timeout <= 0 uses 10s.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

// Send delivers one alert. Non-2xx responses are failures.
func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// sample is one request outcome in the rolling window.
type sample struct {
	at       time.Time
	failed   bool
	critical bool
}

// Alerter watches classified failures and raises cooldown-deduplicated
// alerts. Safe for concurrent use.
type Alerter struct {
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	delivery sync.WaitGroup

	mu       sync.Mutex
	channels []Channel
	lastSent map[string]time.Time
	samples  []sample
	recent   []Alert
}

// New creates an alerter. A webhook channel is registered when the config
// carries a URL.
func New(cfg Config, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}

	a := &Alerter{
		config:   cfg,
		logger:   logger.Named("alerting"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	if cfg.WebhookURL != "" {
		a.channels = append(a.channels, NewWebhookChannel(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	return a
}

// AddChannel registers an additional delivery channel.
func (a *Alerter) AddChannel(ch Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = append(a.channels, ch)
}

// RecordSuccess feeds the rolling error-rate window.
func (a *Alerter) RecordSuccess(tenantID string) {
	if !a.config.Enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observeLocked(sample{at: a.now()})
}

// RecordFailure feeds the window and raises alerts for high severity,
// error-rate breaches, and critical-count breaches.
func (a *Alerter) RecordFailure(tenantID string, cerr *syncerrors.ClassifiedError) {
	if !a.config.Enabled || cerr == nil {
		return
	}
	now := a.now()

	a.mu.Lock()
	a.observeLocked(sample{at: now, failed: true, critical: cerr.Severity == syncerrors.SeverityCritical})

	var raised []Alert
	if cerr.Severity >= syncerrors.SeverityHigh {
		if al, ok := a.raiseLocked(tenantID, cerr.Code, cerr.Severity, ReasonSeverity, cerr.Message); ok {
			raised = append(raised, al)
		}
	}

	failed, critical, total := a.windowCountsLocked()
	if total >= a.config.MinSamples && a.config.ErrorRateThreshold > 0 &&
		float64(failed)/float64(total) >= a.config.ErrorRateThreshold {
		msg := fmt.Sprintf("%d of the last %d requests failed", failed, total)
		if al, ok := a.raiseLocked(tenantID, cerr.Code, cerr.Severity, ReasonErrorRate, msg); ok {
			raised = append(raised, al)
		}
	}
	if a.config.CriticalCountThreshold > 0 && critical >= a.config.CriticalCountThreshold {
		msg := fmt.Sprintf("%d critical errors within %s", critical, a.config.Window)
		if al, ok := a.raiseLocked(tenantID, cerr.Code, cerr.Severity, ReasonCritical, msg); ok {
			raised = append(raised, al)
		}
	}
	a.mu.Unlock()

	for _, al := range raised {
		a.deliver(al)
	}
}

// RecordPersistent raises an alert when an endpoint's consecutive-failure
// threshold is crossed.
func (a *Alerter) RecordPersistent(tenantID, endpoint string, code syncerrors.ErrorCode, consecutive int) {
	if !a.config.Enabled {
		return
	}
	msg := fmt.Sprintf("%s failing persistently on %s (%d consecutive)", code, endpoint, consecutive)

	a.mu.Lock()
	al, ok := a.raiseLocked(tenantID, code, syncerrors.SeverityOf(code), ReasonPersistent, msg)
	a.mu.Unlock()
	if ok {
		a.deliver(al)
	}
}

// Recent returns up to limit alerts, newest first.
func (a *Alerter) Recent(limit int) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(a.recent) - 1; i >= len(a.recent)-n; i-- {
		out = append(out, a.recent[i])
	}
	return out
}

// Close waits for in-flight channel deliveries.
func (a *Alerter) Close() {
	a.delivery.Wait()
}

// observeLocked appends a window sample and prunes expired ones.
func (a *Alerter) observeLocked(s sample) {
	cutoff := a.now().Add(-a.config.Window)
	kept := a.samples[:0]
	for _, old := range a.samples {
		if old.at.After(cutoff) {
			kept = append(kept, old)
		}
	}
	a.samples = append(kept, s)
}

func (a *Alerter) windowCountsLocked() (failed, critical, total int) {
	for _, s := range a.samples {
		total++
		if s.failed {
			failed++
		}
		if s.critical {
			critical++
		}
	}
	return failed, critical, total
}

// raiseLocked records an alert unless the same (tenant, code, reason)
// fired within the cooldown.
func (a *Alerter) raiseLocked(tenantID string, code syncerrors.ErrorCode, severity syncerrors.Severity, reason Reason, message string) (Alert, bool) {
	now := a.now()
	key := tenantID + "|" + string(code) + "|" + string(reason)
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.config.Cooldown {
		return Alert{}, false
	}
	a.lastSent[key] = now

	al := Alert{
		TenantID:  tenantID,
		Code:      code,
		Severity:  severity.String(),
		Reason:    reason,
		Message:   message,
		Timestamp: now,
	}
	a.recent = append(a.recent, al)
	if len(a.recent) > a.config.RecentLimit {
		a.recent = a.recent[len(a.recent)-a.config.RecentLimit:]
	}
	return al, true
}

// deliver logs the alert and fans it out to the channels without blocking
// the caller.
func (a *Alerter) deliver(al Alert) {
	fields := []zap.Field{
		zap.String("tenant", al.TenantID),
		zap.String("code", string(al.Code)),
		zap.String("reason", string(al.Reason)),
		zap.String("message", al.Message),
	}
	if al.Severity == syncerrors.SeverityCritical.String() {
		a.logger.Error("alert raised", fields...)
	} else {
		a.logger.Warn("alert raised", fields...)
	}

	a.mu.Lock()
	channels := make([]Channel, len(a.channels))
	copy(channels, a.channels)
	a.mu.Unlock()

	for _, ch := range channels {
		a.delivery.Add(1)
		go func(ch Channel) {
			defer a.delivery.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.config.WebhookTimeout)
			defer cancel()
			if err := ch.Send(ctx, al); err != nil {
				a.logger.Warn("alert delivery failed", zap.Error(err))
			}
		}(ch)
	}
}
