package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/noah-isme/redirectpay/internal/obs"
)

func TestHTTPMetricsCountByStoredRoute(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("redirectpay", []float64{1, 10}, registry)
	handler := obs.MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/readyz"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if total := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/readyz", "204")); total != 1 {
		t.Fatalf("expected counter to be 1, got %v", total)
	}
	if samples := testutil.CollectAndCount(metrics.Latency); samples == 0 {
		t.Fatal("expected histogram sample")
	}
	if inflight := testutil.ToFloat64(metrics.InFlight); inflight != 0 {
		t.Fatalf("expected no in-flight requests, got %v", inflight)
	}
}

func TestHTTPMetricsLabelByRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("redirectpay", nil, registry)

	router := chi.NewRouter()
	router.Use(obs.MetricsMiddleware(metrics))
	router.Get("/v1/checkout/{sessionID}/redirect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/checkout/chk_123/redirect", nil))

	total := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/v1/checkout/{sessionID}/redirect", "200"))
	if total != 1 {
		t.Fatalf("expected template-labelled counter to be 1, got %v", total)
	}
}

func TestSilentHandlerCountsAsOK(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("redirectpay", nil, registry)
	handler := obs.MetricsMiddleware(metrics)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/quiet", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/quiet"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if total := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/quiet", "200")); total != 1 {
		t.Fatalf("expected silent handler to count as 200, got %v", total)
	}
}
