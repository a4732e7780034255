package obs

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics groups the server-side HTTP collectors.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// defaultLatencyBuckets cover the API's spread: most endpoints answer in
// tens of milliseconds, but session creation calls the provider inline and
// can run into seconds.
var defaultLatencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// NewHTTPMetrics registers the HTTP collectors on reg and returns them.
// Registering the same namespace twice hands back the collectors that are
// already there instead of failing.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	} else {
		sort.Float64s(buckets)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	hm := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by method, route template and status.",
		}, []string{"method", "route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Requests currently being served.",
		}),
	}
	registerOrReuse(reg, hm.Requests, reuseCounterVec(&hm.Requests))
	registerOrReuse(reg, hm.Latency, reuseHistogramVec(&hm.Latency))
	registerOrReuse(reg, hm.InFlight, reuseGauge(&hm.InFlight))
	return hm
}

// ParseBucketsCSV parses comma-separated histogram bounds in milliseconds.
// Blank, malformed and non-positive entries are skipped, and an empty result
// comes back nil so callers fall through to the defaults.
func ParseBucketsCSV(raw string) []float64 {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DurationMillis converts a duration to float milliseconds for histograms.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
