package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/redirectpay/internal/common"
)

// AdminHandler exposes endpoint CRUD plus delivery inspection and replay.
type AdminHandler struct {
	Store Store
	Disp  *Dispatcher
}

type endpointRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
	// Active defaults to true when omitted, hence the pointer.
	Active *bool    `json:"active"`
	Topics []string `json:"topics"`
}

// params validates the request body and converts it to store params. Fields
// are stored trimmed; Active defaults to true when omitted.
func (req endpointRequest) params() (EndpointParams, error) {
	name := strings.TrimSpace(req.Name)
	rawURL := strings.TrimSpace(req.URL)
	secret := strings.TrimSpace(req.Secret)
	if name == "" || rawURL == "" || secret == "" {
		return EndpointParams{}, errors.New("name, url and secret are required")
	}
	if err := checkEndpointURL(rawURL); err != nil {
		return EndpointParams{}, err
	}
	return EndpointParams{
		Name:   name,
		URL:    rawURL,
		Secret: secret,
		Active: req.Active == nil || *req.Active,
		Topics: normalizeTopics(req.Topics),
	}, nil
}

// decodeEndpoint reads and validates an endpoint body, writing the error
// response itself when the body is unusable.
func decodeEndpoint(w http.ResponseWriter, r *http.Request) (EndpointParams, bool) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return EndpointParams{}, false
	}
	params, err := req.params()
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return EndpointParams{}, false
	}
	return params, true
}

// pathID pulls the {id} route parameter, writing the error response itself
// when it is not a UUID.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// CreateEndpoint registers a webhook endpoint.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	params, ok := decodeEndpoint(w, r)
	if !ok {
		return
	}
	endpoint, err := h.Store.CreateEndpoint(r.Context(), params)
	if err != nil {
		h.storeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, endpoint)
}

// UpdateEndpoint replaces the configuration of an existing endpoint.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	params, ok := decodeEndpoint(w, r)
	if !ok {
		return
	}
	endpoint, err := h.Store.UpdateEndpoint(r.Context(), id, params)
	if err != nil {
		h.storeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, endpoint)
}

// ListEndpoints pages through registered endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	limit, offset := pagination(r)
	endpoints, err := h.Store.ListEndpoints(r.Context(), limit, offset)
	if err != nil {
		h.storeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints})
}

// DeleteEndpoint unregisters an endpoint; its past deliveries stay.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteEndpoint(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns delivery attempts, filterable by endpoint, event and
// status.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	query := r.URL.Query()
	endpointID, _ := parseUUIDOptional(query.Get("endpointId"))
	eventID, _ := parseUUIDOptional(query.Get("eventId"))
	limit, offset := pagination(r)
	filter := DeliveryFilter{
		EndpointID: endpointID,
		EventID:    eventID,
		Status:     strings.TrimSpace(query.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	rows, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.storeError(w, err)
		return
	}
	total, err := h.Store.CountDeliveries(r.Context(), filter)
	if err != nil {
		h.storeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "total": total})
}

// ReplayDelivery resets a delivery to pending and queues it again. The replay
// guard is released first so the new send is not suppressed as a duplicate.
func (h *AdminHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	delivery, err := h.Store.RequeueDelivery(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	_ = h.Store.DeleteDLQByDelivery(r.Context(), id)
	if h.Disp != nil {
		if h.Disp.Replay != nil {
			_ = h.Disp.Replay.Release(r.Context(), replayKey(delivery.EndpointID, delivery.EventID))
		}
		_ = h.Disp.EnqueueDelivery(r.Context(), delivery.ID.String(), 0, int(delivery.MaxAttempt))
	}
	common.JSON(w, http.StatusOK, delivery)
}

func (h *AdminHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return false
	}
	return true
}

func (h *AdminHandler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

// normalizeTopics lowercases, trims and dedupes, preserving first-seen order.
// The result is never nil so endpoints marshal with an empty array.
func normalizeTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, raw := range topics {
		topic := strings.ToLower(strings.TrimSpace(raw))
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}

func pagination(r *http.Request) (limit, offset int) {
	query := r.URL.Query()
	limit = common.AtoiDefault(query.Get("limit"), 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset = max(common.AtoiDefault(query.Get("offset"), 0), 0)
	return limit, offset
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(raw))
}

func parseUUIDOptional(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}
