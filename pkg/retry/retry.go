// Package retry implements the retry policy for classified errors:
// per-error-type backoff strategies, jitter, and persistent-failure
// suppression.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/pkg/errors"
)

// Strategy defines the retry behavior for one error type.
type Strategy struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     time.Duration `yaml:"jitter" json:"jitter"`
}

// DefaultStrategies returns the per-error-type retry strategies. DNS and
// auth failures get zero retries: repeating them cannot succeed until the
// operator intervenes.
func DefaultStrategies() map[errors.ErrorCode]Strategy {
	standard := Strategy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0, Jitter: 500 * time.Millisecond}
	patient := Strategy{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute, Multiplier: 2.0, Jitter: time.Second}
	none := Strategy{MaxRetries: 0}

	return map[errors.ErrorCode]Strategy{
		errors.ErrCodeNetwork:             standard,
		errors.ErrCodeConnectionTimeout:   standard,
		errors.ErrCodeConnectionRefused:   standard,
		errors.ErrCodeDNSResolution:       none,
		errors.ErrCodeTLSHandshake:        none,
		errors.ErrCodeMalformedResponse:   {MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Jitter: 250 * time.Millisecond},
		errors.ErrCodeVersionMismatch:     none,
		errors.ErrCodeAuthExpired:         none,
		errors.ErrCodeAuthForbidden:       none,
		errors.ErrCodeRateLimitExceeded:   patient,
		errors.ErrCodeQuotaExceeded:       none,
		errors.ErrCodeValidationFailed:    none,
		errors.ErrCodeSerializationFailed: {MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0},
		errors.ErrCodeConfiguration:       none,
		errors.ErrCodeResourceExhausted:   patient,
		errors.ErrCodeUpstreamService:     patient,
		errors.ErrCodeInternal:            standard,
		errors.ErrCodeUnknown:             {MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0},
	}
}

// Policy drives retries for classified errors. Construct one per engine and
// inject it; there is no package-level default instance.
type Policy struct {
	strategies map[errors.ErrorCode]Strategy
	tracker    *Tracker
	logger     *zap.Logger
	rng        *rand.Rand

	// sleep is swapped out by tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a retry policy with the given persistent-failure
// tracker. A nil tracker disables persistence suppression.
func NewPolicy(tracker *Tracker, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		strategies: DefaultStrategies(),
		tracker:    tracker,
		logger:     logger.Named("retry"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
}

// SetStrategy overrides the strategy for one error code.
func (p *Policy) SetStrategy(code errors.ErrorCode, s Strategy) {
	p.strategies[code] = s
}

// StrategyFor returns the effective strategy for an error code.
func (p *Policy) StrategyFor(code errors.ErrorCode) Strategy {
	if s, ok := p.strategies[code]; ok {
		return s
	}
	return p.strategies[errors.ErrCodeUnknown]
}

// Delay computes the backoff before the given attempt (0-based):
// min(base*multiplier^attempt + uniform(0, jitter), maxDelay).
func (p *Policy) Delay(s Strategy, attempt int) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	mult := s.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(s.BaseDelay) * math.Pow(mult, float64(attempt))
	if s.Jitter > 0 {
		d += p.rng.Float64() * float64(s.Jitter)
	}
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	return time.Duration(d)
}

// Do executes op, retrying per the strategy for errType. The final error is
// the classified error of the last attempt. A persistent (tenant, type,
// endpoint) combination is not retried at all until a success resets it.
func (p *Policy) Do(ctx context.Context, errType errors.ErrorCode, errCtx errors.Context, op func(ctx context.Context) error, override *Strategy) error {
	strategy := p.StrategyFor(errType)
	if override != nil {
		strategy = *override
	}

	if p.tracker != nil && p.tracker.IsPersistent(errCtx.TenantID, errType, errCtx.Endpoint) {
		err := errors.New(errType, fmt.Sprintf("suppressed: persistent failure for %s %s", errCtx.TenantID, errCtx.Endpoint)).WithContext(errCtx)
		p.logger.Warn("retry suppressed for persistent failure",
			zap.String("tenant", errCtx.TenantID),
			zap.String("endpoint", errCtx.Endpoint),
			zap.String("error_type", string(errType)))
		return err
	}

	var last *errors.ClassifiedError
	for attempt := 0; ; attempt++ {
		errCtx.RetryAttempt = attempt
		err := op(ctx)
		if err == nil {
			if p.tracker != nil {
				p.tracker.RecordSuccess(errCtx.TenantID, errType, errCtx.Endpoint)
			}
			return nil
		}

		last = errors.Classify(err, errCtx)
		if p.tracker != nil {
			p.tracker.RecordFailure(errCtx.TenantID, last.Code, errCtx.Endpoint)
		}

		if !last.Retryable || attempt >= strategy.MaxRetries {
			break
		}
		if p.tracker != nil && p.tracker.IsPersistent(errCtx.TenantID, last.Code, errCtx.Endpoint) {
			p.logger.Warn("aborting retries, failure marked persistent",
				zap.String("tenant", errCtx.TenantID),
				zap.String("endpoint", errCtx.Endpoint),
				zap.String("error_type", string(last.Code)))
			break
		}

		delay := p.Delay(strategy, attempt)
		p.logger.Debug("retrying after backoff",
			zap.String("error_type", string(last.Code)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		if err := p.sleep(ctx, delay); err != nil {
			return last
		}
	}
	return last
}

// AttemptRecovery runs the cheap recovery action for a classified error,
// reporting whether the caller may proceed. Only recoverable, retryable
// categories have one; everything else needs operator action.
func (p *Policy) AttemptRecovery(err *errors.ClassifiedError) bool {
	if err == nil {
		return true
	}
	if !err.Recoverable {
		return false
	}
	switch err.Code {
	case errors.ErrCodeRateLimitExceeded, errors.ErrCodeResourceExhausted:
		// Backpressure errors clear on their own once load drops.
		return true
	default:
		return err.Retryable
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
