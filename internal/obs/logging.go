// Package obs carries the observability plumbing shared by the API and
// worker binaries: zerolog setup, request logging, Prometheus collectors,
// and the OpenTelemetry trace pipeline.
package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/redirectpay/internal/common"
)

// NewLogger builds the process logger. An unknown level falls back to info;
// the console format is for local runs, production stays JSON.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := io.Writer(os.Stdout)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	return zerolog.New(out).With().Timestamp().Logger()
}

// RequestLogger emits one structured line per request, enriched with trace
// ids and the authenticated merchant when present.
type RequestLogger struct {
	Logger zerolog.Logger
	// QuietRoutes demotes matching route templates to debug so probe and
	// scrape traffic does not drown the log stream.
	QuietRoutes []string
}

// Middleware implements the chi middleware contract.
func (rl RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		pattern := matchedRoute(r, r.URL.Path)
		evt := rl.Logger.WithLevel(rl.levelFor(pattern)).
			Str("method", r.Method).
			Str("route", pattern).
			Str("path", r.URL.Path).
			Int("status", statusOrOK(ww)).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context()))
		if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
			evt = evt.
				Str("trace_id", spanCtx.TraceID().String()).
				Str("span_id", spanCtx.SpanID().String())
		}
		if merchantID, ok := common.MerchantID(r.Context()); ok {
			evt = evt.Str("merchant_id", merchantID)
		}
		caller := [...]struct{ key, val string }{
			{"host", r.Host},
			{"remote_addr", r.RemoteAddr},
			{"user_agent", r.UserAgent()},
		}
		for _, kv := range caller {
			if v := strings.TrimSpace(kv.val); v != "" {
				evt = evt.Str(kv.key, v)
			}
		}
		evt.Msg("http_request")
	})
}

func (rl RequestLogger) levelFor(pattern string) zerolog.Level {
	for _, quiet := range rl.QuietRoutes {
		if pattern == quiet {
			return zerolog.DebugLevel
		}
	}
	return zerolog.InfoLevel
}
