package alerting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/sumihiro3/project-lens-sync/pkg/errors"
)

func testAlerter(t *testing.T, cfg Config) (*Alerter, *time.Time) {
	t.Helper()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(cfg, nil)
	a.now = func() time.Time { return at }
	t.Cleanup(a.Close)
	return a, &at
}

func TestHighSeverityRaisesAlert(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeAuthExpired, "key expired"))

	alerts := a.Recent(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, "t1", alerts[0].TenantID)
	assert.Equal(t, syncerrors.ErrCodeAuthExpired, alerts[0].Code)
	assert.Equal(t, ReasonSeverity, alerts[0].Reason)
	assert.Equal(t, "HIGH", alerts[0].Severity)
}

func TestMediumSeverityDoesNotAlert(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeNetwork, "connection reset"))

	assert.Empty(t, a.Recent(10))
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	a, at := testAlerter(t, DefaultConfig())

	cerr := syncerrors.New(syncerrors.ErrCodeAuthExpired, "key expired")
	a.RecordFailure("t1", cerr)
	a.RecordFailure("t1", cerr)
	require.Len(t, a.Recent(10), 1, "a repeat within the cooldown stays quiet")

	*at = at.Add(6 * time.Minute)
	a.RecordFailure("t1", cerr)
	assert.Len(t, a.Recent(10), 2)
}

func TestPersistentFailureAlert(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	a.RecordPersistent("t1", "/issues", syncerrors.ErrCodeNetwork, 5)

	alerts := a.Recent(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, ReasonPersistent, alerts[0].Reason)
	assert.Contains(t, alerts[0].Message, "/issues")
	assert.Contains(t, alerts[0].Message, "5 consecutive")
}

func TestErrorRateAlert(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	// Five successes then five medium-severity failures: the rate crosses
	// 0.5 exactly when the window reaches the sample minimum.
	for i := 0; i < 5; i++ {
		a.RecordSuccess("t1")
	}
	cerr := syncerrors.New(syncerrors.ErrCodeNetwork, "connection reset")
	for i := 0; i < 5; i++ {
		a.RecordFailure("t1", cerr)
	}

	alerts := a.Recent(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, ReasonErrorRate, alerts[0].Reason)
	assert.Contains(t, alerts[0].Message, "5 of the last 10")
}

func TestCriticalCountAlert(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	cerr := syncerrors.New(syncerrors.ErrCodeConfiguration, "bad engine state")
	for i := 0; i < 3; i++ {
		a.RecordFailure("t1", cerr)
	}

	reasons := make(map[Reason]bool)
	for _, al := range a.Recent(10) {
		reasons[al.Reason] = true
	}
	assert.True(t, reasons[ReasonSeverity], "the first critical error alerts on severity")
	assert.True(t, reasons[ReasonCritical], "the third crosses the critical-count threshold")
}

func TestDisabledAlerterIsNoOp(t *testing.T) {
	a, _ := testAlerter(t, Config{Enabled: false})

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeConfiguration, "bad"))
	a.RecordPersistent("t1", "/issues", syncerrors.ErrCodeNetwork, 5)
	a.RecordSuccess("t1")

	assert.Empty(t, a.Recent(10))
}

func TestWebhookChannelDelivers(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var al Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&al))
		mu.Lock()
		received = append(received, al)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	a := New(cfg, nil)

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeAuthExpired, "key expired"))
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, syncerrors.ErrCodeAuthExpired, received[0].Code)
	assert.Equal(t, ReasonSeverity, received[0].Reason)
}

func TestWebhookFailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	a := New(cfg, nil)

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeAuthExpired, "key expired"))
	a.Close()

	// The alert is still recorded locally.
	assert.Len(t, a.Recent(10), 1)
}

func TestRecentNewestFirstAndLimited(t *testing.T) {
	a, _ := testAlerter(t, DefaultConfig())

	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeAuthExpired, "first"))
	a.RecordFailure("t1", syncerrors.New(syncerrors.ErrCodeQuotaExceeded, "second"))

	alerts := a.Recent(10)
	require.Len(t, alerts, 2)
	assert.Equal(t, syncerrors.ErrCodeQuotaExceeded, alerts[0].Code)

	assert.Len(t, a.Recent(1), 1)
}
