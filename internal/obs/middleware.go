package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type routeKey struct{}

// WithRoutePattern stores the matched route template on the context so
// instrumentation labels by template instead of concrete path. Raw paths
// carry session ids and would explode metric cardinality.
func WithRoutePattern(ctx context.Context, route string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routeKey{}, route)
}

// RoutePatternFromContext returns the stored route template, or "".
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(routeKey{}).(string)
	return v
}

// matchedRoute resolves the route template for a request: an explicitly
// stored pattern wins, then whatever the chi routing context has
// accumulated, then fallback. Only meaningful after the router has
// dispatched; before that chi has not filled its pattern yet.
func matchedRoute(r *http.Request, fallback string) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if pattern := chiPattern(r); pattern != "" {
		return pattern
	}
	return fallback
}

// chiPattern reads the route template chi has accumulated so far, or "".
func chiPattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return ""
	}
	return rc.RoutePattern()
}

// RoutePatternMiddleware copies the chi route pattern into the plain request
// context for handlers mounted under sub-routers, where the outer pattern is
// gone by the time instrumentation reads it.
func RoutePatternMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pattern := chiPattern(r); pattern != "" {
			r = r.WithContext(WithRoutePattern(r.Context(), pattern))
		}
		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware counts each request, times it, and tracks in-flight load
// on m. A nil m leaves handlers unwrapped.
func MetricsMiddleware(m *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			m.InFlight.Inc()
			start := time.Now()
			next.ServeHTTP(ww, r)
			m.InFlight.Dec()

			route := matchedRoute(r, "unknown")
			m.Requests.WithLabelValues(r.Method, route, strconv.Itoa(statusOrOK(ww))).Inc()
			m.Latency.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
		})
	}
}

// TracingMiddleware opens a server span per request. The span starts under
// the raw path and is renamed once routing has resolved the template.
func TracingMiddleware(next http.Handler) http.Handler {
	httpTracer := otel.Tracer("http.server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := httpTracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := matchedRoute(r, r.URL.Path)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", statusOrOK(ww)),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// statusOrOK reads the recorded status, treating a handler that never wrote
// anything as the implicit 200 net/http sends.
func statusOrOK(ww middleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
