// ABOUTME: Tests for the Prometheus collectors and the nil-safe recording helpers
// ABOUTME: Uses prometheus testutil to read counter and gauge values

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordTransition("IDLE", "ProtectedAppOpened", "PENDING")
	m.RecordTransition("IDLE", "ProtectedAppOpened", "PENDING")
	m.RecordRejection("PROMPTING", "SettlementElapsed", "invalid_transition")
	m.RecordTimerFire("settlement", "stale")
	m.RecordVerification("pin", "success")
	m.RecordFocusEvent("noise", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("IDLE", "ProtectedAppOpened", "PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("PROMPTING", "SettlementElapsed", "invalid_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimerFires.WithLabelValues("settlement", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("pin", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FocusEvents.WithLabelValues("noise")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()

	m.MachineActivated()
	m.MachineActivated()
	m.MachineDeactivated()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveMachines))

	m.SetActiveMachines(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveMachines))

	m.LeaseAcquired()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveLeases))
	m.LeaseReleased()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveLeases))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordTransition("a", "b", "c")
		m.RecordRejection("a", "b", "c")
		m.RecordTimerFire("a", "b")
		m.RecordVerification("a", "b")
		m.MachineActivated()
		m.MachineDeactivated()
		m.SetActiveMachines(3)
		m.LeaseAcquired()
		m.LeaseReleased()
		m.RecordFocusEvent("noise", time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordTransition("IDLE", "ProtectedAppOpened", "PENDING")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "applockd_transitions_total"))
	assert.True(t, strings.Contains(string(body), "applockd_uptime_seconds"))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordTransition("IDLE", "ProtectedAppOpened", "PENDING")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Transitions.WithLabelValues("IDLE", "ProtectedAppOpened", "PENDING")))
}
