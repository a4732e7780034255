// Package health exposes the liveness and readiness probes plus the gate
// the API binary flips while draining.
package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ready gates the readiness probe during graceful shutdown. It starts open;
// the shutdown path closes it before the listener stops accepting.
var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness gate. The API binary sets it false on SIGTERM
// so load balancers drain before the listener closes.
func SetReady(v bool) { ready.Store(v) }

// Checker probes the dependencies readiness reports on.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler serves the probe endpoints. Redis holds the live checkout
// sessions, so losing it takes the API out of rotation; Postgres only backs
// audit and admin reads, so losing it degrades the service but keeps
// settlement running.
type Handler struct {
	Checker Checker
	// Probe budgets. Zero values fall back to 500ms and 300ms.
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live reports process liveness.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready combines the shutdown gate with dependency probes. Redis failure
// answers 503; a Postgres failure reports status "degraded" with 200.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	body := readiness{Status: "ready", Checks: map[string]string{"redis": "ok", "postgres": "ok"}}
	status := http.StatusOK
	if err := h.Checker.PingRedis(ctx, orDefault(h.RedisTimeout, 300*time.Millisecond)); err != nil {
		body.Checks["redis"] = err.Error()
		body.Status = "down"
		status = http.StatusServiceUnavailable
	}
	if err := h.Checker.PingDB(ctx, orDefault(h.DBTimeout, 500*time.Millisecond)); err != nil {
		body.Checks["postgres"] = err.Error()
		if body.Status == "ready" {
			body.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
