package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/redirectpay/internal/common"
)

// Reader is the query side of the event log consumed by the admin API.
type Reader interface {
	ListByAggregate(ctx context.Context, aggregateID uuid.UUID, limit int) ([]DomainEvent, error)
	ListByTopic(ctx context.Context, topic string, limit, offset int) ([]DomainEvent, error)
}

// AdminHandler serves the persisted event log for inspection.
type AdminHandler struct {
	Store Reader
}

type eventView struct {
	ID         uuid.UUID       `json:"id"`
	Topic      string          `json:"topic"`
	SessionID  uuid.UUID       `json:"sessionId"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func toEventView(ev DomainEvent) eventView {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return eventView{
		ID:         ev.ID,
		Topic:      ev.Topic,
		SessionID:  ev.AggregateID,
		Payload:    payload,
		OccurredAt: ev.OccurredAt,
	}
}

// BySession returns the event trail for one session, oldest first.
func (h *AdminHandler) BySession(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "event log not configured", nil)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_SESSION_ID", "session id must be a uuid", nil)
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 100)
	rows, err := h.Store.ListByAggregate(r.Context(), sessionID, limit)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to fetch events", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toEventViews(rows)})
}

// ByTopic returns recent events for one topic, newest first.
func (h *AdminHandler) ByTopic(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "event log not configured", nil)
		return
	}
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "topic is required", nil)
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 100)
	offset := common.AtoiDefault(r.URL.Query().Get("offset"), 0)
	rows, err := h.Store.ListByTopic(r.Context(), topic, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to fetch events", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toEventViews(rows), "topic": topic})
}

func toEventViews(rows []DomainEvent) []eventView {
	views := make([]eventView, 0, len(rows))
	for _, ev := range rows {
		views = append(views, toEventView(ev))
	}
	return views
}
