package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/redirectpay/internal/common"
)

// AdminHandler serves the DLQ inspection and replay endpoints plus per-kind
// queue stats.
type AdminHandler struct {
	Store Store
	Queue Enqueuer
	// PageSize bounds listings and batch replays when the request does not
	// name a limit.
	PageSize int
	Logger   zerolog.Logger
	// LeaseTTL is echoed in stats so operators can read the redelivery
	// horizon next to the counts.
	LeaseTTL time.Duration
}

// ListDLQ returns dead-lettered tasks, optionally filtered by kind.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		internalErr(w, "dlq store not configured")
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind != "" && !validKind(kind) {
		badRequest(w, "invalid kind")
		return
	}
	ctx := r.Context()
	limit, offset := parsePagination(r, h.pageSize())

	entries, err := h.Store.ListDeadLetters(ctx, kind, limit, offset)
	if err != nil {
		internalErr(w, err.Error())
		return
	}
	total, err := h.Store.CountDeadLetters(ctx, kind)
	if err != nil {
		internalErr(w, err.Error())
		return
	}

	items := make([]dlqView, 0, len(entries))
	for _, entry := range entries {
		env, err := parseEnvelope(string(entry.Payload))
		if err != nil {
			continue
		}
		items = append(items, dlqView{
			ID:        entry.ID,
			Kind:      entry.Kind,
			Key:       entry.IdempotencyKey,
			Attempts:  int32(entry.Attempts),
			LastError: entry.LastError,
			CreatedAt: entry.CreatedAt,
			Message:   env,
		})
	}

	resp := map[string]any{"data": items, "total": total}
	if kind != "" {
		resp["kind"] = kind
	}
	common.JSON(w, http.StatusOK, resp)
}

// ReplayDLQ puts dead-lettered tasks back on their queue, either by explicit
// IDs or as a batch for one kind.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.Client == nil {
		internalErr(w, "queue dependencies unavailable")
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	ids := dedupeIDs(req.IDs)
	kind := strings.TrimSpace(req.Kind)
	if len(ids) == 0 && kind == "" {
		badRequest(w, "ids or kind required")
		return
	}

	ctx := r.Context()
	var (
		requeued []uuid.UUID
		failed   map[string]string
	)
	if len(ids) > 0 {
		requeued, failed = h.replayByID(ctx, ids)
	} else {
		var err error
		requeued, failed, err = h.replayBatch(ctx, kind, req.Limit)
		if err != nil {
			internalErr(w, err.Error())
			return
		}
	}

	h.Logger.Info().
		Int("requeued", len(requeued)).
		Int("failed", len(failed)).
		Msg("queue: dlq replay")

	resp := map[string]any{"requeued": requeued}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) replayByID(ctx context.Context, ids []string) ([]uuid.UUID, map[string]string) {
	requeued := make([]uuid.UUID, 0, len(ids))
	failed := make(map[string]string)
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			failed[raw] = "invalid uuid"
			continue
		}
		entry, err := h.Store.GetDeadLetter(ctx, id)
		if err != nil {
			failed[raw] = err.Error()
			continue
		}
		if err := h.requeue(ctx, entry); err != nil {
			failed[id.String()] = err.Error()
			continue
		}
		requeued = append(requeued, id)
	}
	return requeued, failed
}

func (h *AdminHandler) replayBatch(ctx context.Context, kind string, limit int) ([]uuid.UUID, map[string]string, error) {
	if limit <= 0 {
		limit = h.pageSize()
	}
	entries, err := h.Store.ListDeadLetters(ctx, kind, limit, 0)
	if err != nil {
		return nil, nil, err
	}
	requeued := make([]uuid.UUID, 0, len(entries))
	failed := make(map[string]string)
	for _, entry := range entries {
		if err := h.requeue(ctx, entry); err != nil {
			failed[entry.ID.String()] = err.Error()
			continue
		}
		requeued = append(requeued, entry.ID)
	}
	return requeued, failed, nil
}

// requeue re-enqueues entry with one attempt handed back, so the next run
// re-spends the attempt that dead-lettered it.
func (h *AdminHandler) requeue(ctx context.Context, entry DeadLetter) error {
	env, err := parseEnvelope(string(entry.Payload))
	if err != nil {
		return err
	}
	attempt := env.Attempt
	if attempt > 0 {
		attempt--
	}
	task := Task{
		Kind:           env.Kind,
		Payload:        env.Payload,
		IdempotencyKey: env.Key,
		MaxAttempts:    env.MaxAttempts,
		Attempt:        attempt,
	}
	if err := h.Queue.Enqueue(ctx, task); err != nil {
		return err
	}
	if err := h.Store.DeleteDeadLetter(ctx, entry.ID); err != nil {
		return err
	}
	h.refreshGauges(ctx, env.Kind)
	return nil
}

// Stats reports ready, in-flight, and dead-lettered counts for one kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.Client == nil || h.Store == nil {
		internalErr(w, "queue dependencies unavailable")
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind == "" {
		badRequest(w, "kind is required")
		return
	}
	if !validKind(kind) {
		badRequest(w, "invalid kind")
		return
	}
	ctx := r.Context()

	ready, err := h.Queue.Client.ZCard(ctx, readyKey(h.Queue.Prefix, kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		internalErr(w, err.Error())
		return
	}
	leased, err := h.Queue.Client.ZCard(ctx, leaseKey(h.Queue.Prefix, kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		internalErr(w, err.Error())
		return
	}
	buried, err := h.Store.CountDeadLetters(ctx, kind)
	if err != nil {
		internalErr(w, err.Error())
		return
	}

	var lagMillis int64
	if oldest, err := h.Queue.Client.ZRangeWithScores(ctx, readyKey(h.Queue.Prefix, kind), 0, 0).Result(); err == nil && len(oldest) > 0 {
		due := time.Unix(0, int64(oldest[0].Score))
		if due.Before(time.Now()) {
			lagMillis = time.Since(due).Milliseconds()
		}
	}

	h.refreshGauges(ctx, kind)

	visibility := h.LeaseTTL
	if visibility <= 0 {
		visibility = 60 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"kind":               kind,
		"ready":              ready,
		"processing":         leased,
		"dlq":                buried,
		"oldest_lag_ms":      lagMillis,
		"visibility_timeout": visibility.Seconds(),
	})
}

// refreshGauges recomputes the depth and DLQ gauges for kind. Workers only
// touch counters, so admin reads keep the gauges honest.
func (h *AdminHandler) refreshGauges(ctx context.Context, kind string) {
	if h.Store != nil {
		if count, err := h.Store.CountDeadLetters(ctx, kind); err == nil {
			QueueDLQSize.WithLabelValues(kind).Set(float64(count))
		}
	}
	if h.Queue.Client != nil {
		if depth, err := h.Queue.Client.ZCard(ctx, readyKey(h.Queue.Prefix, kind)).Result(); err == nil {
			QueueDepth.WithLabelValues(kind).Set(float64(depth))
		}
	}
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return 50
}

func parsePagination(r *http.Request, fallback int) (limit, offset int) {
	if fallback <= 0 {
		fallback = 50
	}
	q := r.URL.Query()
	limit = common.AtoiDefault(q.Get("limit"), fallback)
	if limit <= 0 || limit > 200 {
		limit = fallback
	}
	offset = max(common.AtoiDefault(q.Get("offset"), 0), 0)
	return limit, offset
}

func internalErr(w http.ResponseWriter, msg string) {
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", msg, nil)
}

func badRequest(w http.ResponseWriter, msg string) {
	common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", msg, nil)
}

func dedupeIDs(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

type dlqView struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"idempotencyKey"`
	Attempts  int32     `json:"attempts"`
	LastError *string   `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Message   envelope  `json:"message"`
}

type replayRequest struct {
	IDs  []string `json:"ids"`
	Kind string   `json:"kind"`
	// Limit caps a kind-wide batch. Zero falls back to PageSize.
	Limit int `json:"limit"`
}
