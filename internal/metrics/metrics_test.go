package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/crawl"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h, err := NewHTTP(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		h.requestsTotal.WithLabelValues(http.MethodGet, "404")))

	// The histogram label must be the pattern, not the raw path.
	count := testutil.CollectAndCount(h.requestDuration, "pagesift_http_request_duration_seconds")
	assert.Equal(t, 1, count)
	body := gather(t, reg)
	assert.Contains(t, body, `route="/v1/jobs/{job_id}"`)
	assert.NotContains(t, body, "abc-123")
}

func TestFrontierDepthGaugeIdleReadsZero(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	registry := crawl.NewRegistry()
	require.NoError(t, RegisterFrontierDepth(reg, registry))

	body := gather(t, reg)
	assert.Contains(t, body, "pagesift_frontier_queue_depth 0")
}

func TestHandlerServesExposition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewHTTP(reg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func gather(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
