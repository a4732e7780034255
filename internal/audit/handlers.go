package audit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/redirectpay/internal/common"
)

// Handler exposes the reconciliation endpoints for outcome audits.
type Handler struct {
	Service Service
}

type outcomeView struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	MerchantID    string          `json:"merchant_id"`
	Provider      string          `json:"provider"`
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Code          string          `json:"code,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	AmountMinor   string          `json:"amount_minor"`
	Currency      string          `json:"currency"`
	Route         string          `json:"route"`
	Raw           json.RawMessage `json:"raw"`
	Resolution    *string         `json:"resolution,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func toView(rec OutcomeRecord) outcomeView {
	raw := rec.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return outcomeView{
		ID:            rec.ID,
		SessionID:     rec.SessionID,
		MerchantID:    rec.MerchantID,
		Provider:      rec.Provider,
		Reference:     rec.Reference,
		Status:        rec.Status,
		Reason:        rec.Reason,
		Code:          rec.Code,
		TransactionID: rec.TransactionID,
		AmountMinor:   rec.AmountMinor,
		Currency:      rec.Currency,
		Route:         rec.Route,
		Raw:           raw,
		Resolution:    rec.Resolution,
		ResolvedAt:    rec.ResolvedAt,
		OccurredAt:    rec.OccurredAt,
	}
}

// List returns a paginated list of outcome audits for administrators.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Service.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50, 200)
	f := OutcomeFilter{
		Status:     r.URL.Query().Get("status"),
		Provider:   r.URL.Query().Get("provider"),
		Unresolved: r.URL.Query().Get("unresolved") == "true",
		Limit:      perPage,
		Offset:     (page - 1) * perPage,
	}
	rows, err := h.Service.Store.ListOutcomes(r.Context(), f)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch outcome audits", nil)
		return
	}
	total, err := h.Service.Store.CountOutcomes(r.Context(), f)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to count outcome audits", nil)
		return
	}
	views := make([]outcomeView, 0, len(rows))
	for _, rec := range rows {
		views = append(views, toView(rec))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": views,
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: int(total),
		},
	})
}

// BySession returns the audit history for one session.
func (h Handler) BySession(w http.ResponseWriter, r *http.Request) {
	if h.Service.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_SESSION_ID", "session id must be a uuid", nil)
		return
	}
	rows, err := h.Service.Store.ListBySession(r.Context(), sessionID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch outcome audits", nil)
		return
	}
	views := make([]outcomeView, 0, len(rows))
	for _, rec := range rows {
		views = append(views, toView(rec))
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": views})
}

// Resolve closes one open outcome with an operator note.
func (h Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "outcomeID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_OUTCOME_ID", "outcome id must be a uuid", nil)
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(body.Resolution) == "" {
		common.JSONError(w, http.StatusBadRequest, "RESOLUTION_REQUIRED", "resolution note required", nil)
		return
	}
	if err := h.Service.Resolve(r.Context(), id, body.Resolution); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			common.JSONError(w, http.StatusNotFound, "OUTCOME_NOT_FOUND", "outcome not found or already resolved", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "AUDIT_RESOLVE_FAILED", "unable to resolve outcome", nil)
		}
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"resolved": true})
}
