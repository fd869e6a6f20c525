package ratelimit

import (
	"sync"

	"go.uber.org/zap"
)

// Stage is one of the three fetch priority tiers.
type Stage int

const (
	StageImmediate Stage = iota
	StageBackground
	StageIdle
)

func (s Stage) String() string {
	switch s {
	case StageImmediate:
		return "immediate"
	case StageBackground:
		return "background"
	case StageIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StageProfile defines one tier's concurrency behavior.
type StageProfile struct {
	MaxConcurrency int     `yaml:"max_concurrency"`
	LoadFactor     float64 `yaml:"load_factor"`     // scales the monitor's base concurrency
	ApportionRatio float64 `yaml:"apportion_ratio"` // share of remaining global budget
	Adaptive       bool    `yaml:"adaptive"`        // whether trend/risk scaling applies
}

// Trend describes the direction of recent utilization movement.
type Trend int

const (
	TrendStable Trend = iota
	TrendRising
	TrendFalling
)

func (t Trend) String() string {
	switch t {
	case TrendRising:
		return "rising"
	case TrendFalling:
		return "falling"
	default:
		return "stable"
	}
}

// RiskLevel grades how close a tenant is to exhausting its window.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// OptimizerConfig tunes the stage-aware optimizer.
type OptimizerConfig struct {
	GlobalMaxConcurrency int                    `yaml:"global_max_concurrency"`
	EmergencyThrottle    float64                `yaml:"emergency_throttle"` // multiplier at CRITICAL risk
	TrendDelta           float64                `yaml:"trend_delta"`        // split-half delta that counts as movement
	Stages               map[string]StageProfile `yaml:"stages"`
}

// DefaultOptimizerConfig returns the three predefined stage profiles and
// the global budget.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		GlobalMaxConcurrency: 20,
		EmergencyThrottle:    0.10,
		TrendDelta:           0.05,
		Stages: map[string]StageProfile{
			StageImmediate.String():  {MaxConcurrency: 5, LoadFactor: 1.0, ApportionRatio: 0.5, Adaptive: false},
			StageBackground.String(): {MaxConcurrency: 3, LoadFactor: 0.6, ApportionRatio: 0.3, Adaptive: true},
			StageIdle.String():       {MaxConcurrency: 1, LoadFactor: 0.3, ApportionRatio: 0.2, Adaptive: true},
		},
	}
}

// Optimizer extends the Monitor with stage-aware allocation: per-stage
// profiles, utilization trend and risk analysis, and a global concurrency
// ledger shared by every tenant and stage.
type Optimizer struct {
	*Monitor
	config OptimizerConfig
	ledger *ledger
	logger *zap.Logger
}

// NewOptimizer wraps a monitor with stage-aware allocation.
func NewOptimizer(monitor *Monitor, cfg OptimizerConfig, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GlobalMaxConcurrency <= 0 {
		cfg.GlobalMaxConcurrency = 20
	}
	if cfg.EmergencyThrottle <= 0 || cfg.EmergencyThrottle > 1 {
		cfg.EmergencyThrottle = 0.10
	}
	if cfg.TrendDelta <= 0 {
		cfg.TrendDelta = 0.05
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultOptimizerConfig().Stages
	}
	return &Optimizer{
		Monitor: monitor,
		config:  cfg,
		ledger:  newLedger(cfg.GlobalMaxConcurrency),
		logger:  logger.Named("optimizer"),
	}
}

// Profile returns the profile for a stage.
func (o *Optimizer) Profile(stage Stage) StageProfile {
	if p, ok := o.config.Stages[stage.String()]; ok {
		return p
	}
	return StageProfile{MaxConcurrency: 1, LoadFactor: 0.3, ApportionRatio: 0.1, Adaptive: true}
}

// TrendFor computes the utilization trend from the tenant's last samples:
// the newer half's average against the older half's, with movement below
// the configured delta reported as stable.
func (o *Optimizer) TrendFor(tenantID string) Trend {
	samples := o.samplesFor(tenantID)
	if len(samples) < 4 {
		return TrendStable
	}

	half := len(samples) / 2
	var older, newer float64
	for i := 0; i < half; i++ {
		older += samples[i].utilization
	}
	for i := half; i < len(samples); i++ {
		newer += samples[i].utilization
	}
	older /= float64(half)
	newer /= float64(len(samples) - half)

	switch {
	case newer-older > o.config.TrendDelta:
		return TrendRising
	case older-newer > o.config.TrendDelta:
		return TrendFalling
	default:
		return TrendStable
	}
}

// RiskFor grades the tenant's exhaustion risk from current utilization,
// projected utilization under the observed trend, and trend direction.
func (o *Optimizer) RiskFor(tenantID string) RiskLevel {
	utilization := o.Utilization(tenantID)
	projected := o.projectedUtilization(tenantID, utilization)

	switch {
	case utilization >= 0.95 || projected >= 0.95:
		return RiskCritical
	case utilization >= 0.85 || projected >= 0.90:
		return RiskHigh
	case utilization >= 0.70:
		return RiskMedium
	default:
		return RiskLow
	}
}

// projectedUtilization extrapolates the split-half slope one window ahead.
func (o *Optimizer) projectedUtilization(tenantID string, current float64) float64 {
	samples := o.samplesFor(tenantID)
	if len(samples) < 4 {
		return current
	}
	half := len(samples) / 2
	var older, newer float64
	for i := 0; i < half; i++ {
		older += samples[i].utilization
	}
	for i := half; i < len(samples); i++ {
		newer += samples[i].utilization
	}
	older /= float64(half)
	newer /= float64(len(samples) - half)

	projected := current + (newer - older)
	if projected < 0 {
		return 0
	}
	return projected
}

// riskMultiplier converts a risk grade into a concurrency scale factor.
// CRITICAL drops to the emergency-throttle fraction; an already-exhausted
// window is an emergency stop.
func (o *Optimizer) riskMultiplier(tenantID string) float64 {
	if o.Utilization(tenantID) >= 1.0 {
		return 0 // emergency stop
	}
	switch o.RiskFor(tenantID) {
	case RiskCritical:
		return o.config.EmergencyThrottle
	case RiskHigh:
		return 0.4
	case RiskMedium:
		return 0.7
	default:
		return 1.0
	}
}

// OptimalConcurrencyForStage allocates concurrency for one (stage, tenant)
// pair: base concurrency scaled by the stage load factor, capped by the
// stage maximum, scaled by trend risk when the stage adapts, then bounded
// by the stage's share of the remaining global budget.
func (o *Optimizer) OptimalConcurrencyForStage(stage Stage, tenantID, endpoint, method string) int {
	profile := o.Profile(stage)

	base := float64(o.OptimalConcurrency(tenantID, endpoint, method)) * profile.LoadFactor
	n := int(base)
	if n < 1 {
		n = 1
	}
	if n > profile.MaxConcurrency {
		n = profile.MaxConcurrency
	}

	if profile.Adaptive {
		mult := o.riskMultiplier(tenantID)
		n = int(float64(n) * mult)
		if mult == 0 {
			return 0
		}
		if n < 1 {
			n = 1
		}
	}

	budget := o.ledger.available()
	share := int(float64(budget) * profile.ApportionRatio)
	if share < 1 && budget > 0 {
		share = 1
	}
	if n > share {
		n = share
	}
	return n
}

// Acquire reserves n slots from the global ledger, returning how many were
// actually granted.
func (o *Optimizer) Acquire(n int) int {
	return o.ledger.acquire(n)
}

// Release returns slots to the global ledger.
func (o *Optimizer) Release(n int) {
	o.ledger.release(n)
}

// InFlight reports the ledger's current allocation.
func (o *Optimizer) InFlight() int {
	return o.ledger.inFlight()
}

// ledger is the global concurrency budget shared across all tenants and
// stages.
type ledger struct {
	mu        sync.Mutex
	max       int
	allocated int
}

func newLedger(max int) *ledger {
	return &ledger{max: max}
}

func (l *ledger) available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - l.allocated
}

func (l *ledger) acquire(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	free := l.max - l.allocated
	if n > free {
		n = free
	}
	if n < 0 {
		n = 0
	}
	l.allocated += n
	return n
}

func (l *ledger) release(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocated -= n
	if l.allocated < 0 {
		l.allocated = 0
	}
}

func (l *ledger) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated
}
