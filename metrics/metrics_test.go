package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanAnalyzed("SOLID")
		m.Consumed("consumed")
		m.PointsAwarded("SCAN_FOOD", 5)
		m.StreakEvaluated(true)
		m.ProvisionRun(1, 2, 0, time.Second, true)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstrumentRecordsRouteAndStatus(t *testing.T) {
	// GIVEN an instrumented handler returning 418
	m := New()
	h := m.Instrument(func(*http.Request) string { return "/api/teapot" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	// WHEN it serves a request
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/teapot/1", nil))

	// THEN the counter carries the route label, not the raw path
	body := scrape(t, m)
	assert.Contains(t, body, `intake_engine_http_requests_total{method="POST",route="/api/teapot",status="418"} 1`)
	assert.NotContains(t, body, "/api/teapot/1")
}

func TestPointsAwardedCountsMagnitude(t *testing.T) {
	m := New()
	m.PointsAwarded("REPEATED_EXCESS_SUGAR", -5)
	m.PointsAwarded("REPEATED_EXCESS_SUGAR", -5)
	m.PointsAwarded("SCAN_FOOD", 0)

	body := scrape(t, m)
	assert.Contains(t, body, `intake_engine_points_awarded_total{event="REPEATED_EXCESS_SUGAR"} 10`)
	assert.NotContains(t, body, `event="SCAN_FOOD"`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ProvisionRun(3, 1, 1, 50*time.Millisecond, false)

	body := scrape(t, m)
	assert.Contains(t, body, `intake_engine_provision_users_total{result="created"} 3`)
	assert.Contains(t, body, `intake_engine_provision_runs_total{success="false"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
