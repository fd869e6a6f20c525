package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptimizer(t *testing.T, at time.Time) *Optimizer {
	t.Helper()
	m := NewMonitor(DefaultConfig(), nil)
	m.now = func() time.Time { return at }
	return NewOptimizer(m, DefaultOptimizerConfig(), nil)
}

func TestStageProfiles(t *testing.T) {
	o := testOptimizer(t, time.Now())

	immediate := o.Profile(StageImmediate)
	assert.Equal(t, 5, immediate.MaxConcurrency)
	assert.False(t, immediate.Adaptive, "immediate work always runs")

	background := o.Profile(StageBackground)
	assert.Equal(t, 3, background.MaxConcurrency)
	assert.True(t, background.Adaptive)

	idle := o.Profile(StageIdle)
	assert.Equal(t, 1, idle.MaxConcurrency)
	assert.True(t, idle.Adaptive)
}

func TestTrendDetection(t *testing.T) {
	now := time.Now()
	o := testOptimizer(t, now)

	// Steadily climbing utilization: 10% → 80% over eight samples.
	for i := int64(0); i < 8; i++ {
		remaining := 90 - i*10
		o.RecordResponse("rising", "/issues", "GET", headersFor(100, remaining, "3600"))
	}
	assert.Equal(t, TrendRising, o.TrendFor("rising"))

	// Falling utilization (window refills).
	for i := int64(0); i < 8; i++ {
		remaining := 20 + i*10
		o.RecordResponse("falling", "/issues", "GET", headersFor(100, remaining, "3600"))
	}
	assert.Equal(t, TrendFalling, o.TrendFor("falling"))

	// Flat utilization stays stable.
	for i := 0; i < 8; i++ {
		o.RecordResponse("flat", "/issues", "GET", headersFor(100, 50, "3600"))
	}
	assert.Equal(t, TrendStable, o.TrendFor("flat"))

	// Too few samples also reads as stable.
	o.RecordResponse("sparse", "/issues", "GET", headersFor(100, 10, "3600"))
	assert.Equal(t, TrendStable, o.TrendFor("sparse"))
}

func TestRiskGrading(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name      string
		remaining int64
		want      RiskLevel
	}{
		{"low", 80, RiskLow},
		{"medium", 25, RiskMedium},
		{"high", 12, RiskHigh},
		{"critical", 3, RiskCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := testOptimizer(t, now)
			o.RecordResponse("t1", "/issues", "GET", headersFor(100, tc.remaining, "3600"))
			assert.Equal(t, tc.want, o.RiskFor("t1"))
		})
	}
}

func TestEmergencyStopAtExhaustion(t *testing.T) {
	now := time.Now()
	o := testOptimizer(t, now)

	o.RecordResponse("t1", "/issues", "GET", headersFor(100, 0, "3600"))
	require.Equal(t, 1.0, o.Utilization("t1"))

	// Adaptive stages must stop entirely at 100% utilization.
	assert.Equal(t, 0, o.OptimalConcurrencyForStage(StageBackground, "t1", "/issues", "GET"))
	assert.Equal(t, 0, o.OptimalConcurrencyForStage(StageIdle, "t1", "/issues", "GET"))

	// The immediate stage is not adaptive; the monitor's floor still
	// applies but it is never zeroed by risk.
	assert.GreaterOrEqual(t, o.OptimalConcurrencyForStage(StageImmediate, "t1", "/issues", "GET"), 1)
}

func TestEmergencyThrottleAtCriticalRisk(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 100
	m := NewMonitor(cfg, nil)
	m.now = func() time.Time { return now }
	o := NewOptimizer(m, DefaultOptimizerConfig(), nil)

	// 96% used but not exhausted: critical risk, not a stop.
	o.RecordResponse("t1", "/issues", "GET", headersFor(1000, 40, "60"))
	require.Equal(t, RiskCritical, o.RiskFor("t1"))

	n := o.OptimalConcurrencyForStage(StageBackground, "t1", "/issues", "GET")
	assert.GreaterOrEqual(t, n, 1, "critical risk throttles but does not stop")
	assert.LessOrEqual(t, n, 1, "emergency throttle leaves a trickle")
}

func TestStageCapsRespected(t *testing.T) {
	now := time.Now()
	o := testOptimizer(t, now)

	// Fresh window, plenty of budget: the stage cap is the limit.
	o.RecordResponse("t1", "/issues", "GET", headersFor(10000, 10000, "60"))
	assert.LessOrEqual(t, o.OptimalConcurrencyForStage(StageImmediate, "t1", "/issues", "GET"), 5)
	assert.LessOrEqual(t, o.OptimalConcurrencyForStage(StageBackground, "t1", "/issues", "GET"), 3)
	assert.LessOrEqual(t, o.OptimalConcurrencyForStage(StageIdle, "t1", "/issues", "GET"), 1)
}

func TestGlobalLedger(t *testing.T) {
	o := testOptimizer(t, time.Now())

	granted := o.Acquire(15)
	assert.Equal(t, 15, granted)
	assert.Equal(t, 15, o.InFlight())

	// Only 5 of 20 remain.
	assert.Equal(t, 5, o.Acquire(10))
	assert.Equal(t, 20, o.InFlight())

	// Exhausted ledger grants nothing.
	assert.Equal(t, 0, o.Acquire(1))

	o.Release(20)
	assert.Equal(t, 0, o.InFlight())

	// Over-release never goes negative.
	o.Release(5)
	assert.Equal(t, 0, o.InFlight())
}

func TestLedgerBoundsStageAllocation(t *testing.T) {
	o := testOptimizer(t, time.Now())
	o.RecordResponse("t1", "/issues", "GET", headersFor(10000, 10000, "60"))

	// Consume most of the global budget; stage shares shrink with it.
	o.Acquire(19)
	n := o.OptimalConcurrencyForStage(StageImmediate, "t1", "/issues", "GET")
	assert.Equal(t, 1, n, "one slot left means at most one grant")
}
