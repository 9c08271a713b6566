package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Sent("notification")
	m.Sent("notification")
	m.Deferred("rate limited", 3)
	m.Deferred("user active", 0)
	m.Routed("action_resolved")
	m.Cycle("inbound", 0.2, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("notification")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.deferred.WithLabelValues("rate limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routed.WithLabelValues("action_resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleFailures.WithLabelValues("inbound")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Sent("notification")
		m.Deferred("x", 1)
		m.Routed("noop")
		m.Cycle("outbound", 1, nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Routed("noop")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `sase_chop_telegram_updates_routed_total{outcome="noop"} 1`)
}
