package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	require.NotNil(t, m.Registry())

	m.SetBuildInfo("1.0.0", "abc", "now")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.RecordUpstreamError("app", "connection_refused")
	m.RecordAuthzDenied("admin")
	m.RecordRateLimitHit("app")
	m.SetCircuitBreakerState("app", 2)
	m.RecordCertificateChange()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamErrors.WithLabelValues("app", "connection_refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authzDenied.WithLabelValues("admin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitHits.WithLabelValues("app")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitBreaker.WithLabelValues("app")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.certificateChange))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		names[f.GetName()] = f
	}
	assert.Contains(t, names, "avamtls_active_sessions")
	assert.Contains(t, names, "avamtls_build_info")
	assert.Contains(t, names, "go_goroutines")
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest(http.MethodGet, "app", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_requests_total{method="GET",route="app",status="200"} 1`)
}

func TestMetricsMiddleware_RouteLabel(t *testing.T) {
	t.Parallel()

	m := NewMetrics("mw")

	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app") {
			SetRoute(r.Context(), "app")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/app/x", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/other", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "app", "418")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", unmatchedRoute, "418")))
}

func TestSetRoute_WithoutMiddleware(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { SetRoute(context.Background(), "app") })
}

func TestMetricsResponseWriter_HijackNotSupported(t *testing.T) {
	t.Parallel()

	rw := &metricsResponseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
	assert.NotNil(t, rw.Unwrap())
}
