package checkout

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/redirectpay/internal/common"
	"github.com/noah-isme/redirectpay/internal/gateway"
	"github.com/noah-isme/redirectpay/internal/store"
)

// Handler exposes the checkout service over HTTP. Merchant endpoints expect
// the auth middleware to have attached the merchant id; the redirect and
// return endpoints are public.
type Handler struct {
	Svc *Service
}

// CreateSession handles POST /v1/checkout/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := common.MerchantID(r.Context())
	if !ok || merchantID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json payload", nil)
		return
	}
	view, err := h.Svc.Create(r.Context(), merchantID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": view})
}

// GetSession handles GET /v1/checkout/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := common.MerchantID(r.Context())
	view, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"), merchantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// CancelSession handles POST /v1/checkout/sessions/{id}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := common.MerchantID(r.Context())
	if !ok || merchantID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	view, err := h.Svc.Cancel(r.Context(), chi.URLParam(r, "id"), merchantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// Redirect handles GET /v1/checkout/{id}/redirect: the customer-facing
// hand-off page. A settled session renders the outcome page instead.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	doc, rec, err := h.Svc.RedirectDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if doc == nil {
		renderOutcomePage(w, rec)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// Return handles GET|POST /v1/return/{id}/{route}: the provider return
// channel. Form fields fold into the query before adjudication.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	route, ok := parseRoute(chi.URLParam(r, "route"))
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown return route", nil)
		return
	}
	if err := r.ParseForm(); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed return parameters", nil)
		return
	}
	rec, err := h.Svc.HandleReturn(r.Context(), chi.URLParam(r, "id"), route, r.Form)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	renderOutcomePage(w, rec)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		common.JSONAppErr(w, appErr)
		return
	}
	zerolog.Ctx(r.Context()).Error().Err(err).Msg("checkout: request failed")
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func parseRoute(raw string) (gateway.Route, bool) {
	switch gateway.Route(strings.ToLower(raw)) {
	case gateway.RouteSuccess:
		return gateway.RouteSuccess, true
	case gateway.RouteFailure:
		return gateway.RouteFailure, true
	case gateway.RouteCancel:
		return gateway.RouteCancel, true
	}
	return "", false
}

var outcomeTmpl = template.Must(template.New("outcome").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Payment {{.Title}}</title></head>
<body>
<h1>Payment {{.Title}}</h1>
<p>{{.Detail}}</p>
<p>Reference: {{.Reference}}</p>
<p>You may close this window.</p>
</body>
</html>
`))

// renderOutcomePage serves the minimal customer-facing page after the flow
// settles. Always 200: the navigation succeeded even when the payment did not.
func renderOutcomePage(w http.ResponseWriter, rec store.SessionRecord) {
	status := gateway.StatusUnknown
	if rec.Outcome != nil {
		status = rec.Outcome.Status
	}
	title, detail := outcomeCopy(status)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = outcomeTmpl.Execute(w, struct {
		Title, Detail, Reference string
	}{title, detail, rec.Request.Reference})
}

func outcomeCopy(status gateway.Status) (title, detail string) {
	switch status {
	case gateway.StatusSuccess:
		return "successful", "Your payment was completed."
	case gateway.StatusCanceled:
		return "canceled", "The payment was canceled before completion."
	case gateway.StatusFailure:
		return "failed", "The payment could not be completed."
	case gateway.StatusProcessing:
		return "processing", "The payment is still being processed."
	default:
		return "pending review", "The payment outcome is being confirmed."
	}
}
