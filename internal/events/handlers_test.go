package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/events"
)

type stubReader struct {
	byAggregate []events.DomainEvent
	byTopic     []events.DomainEvent
	gotLimit    int
	gotTopic    string
}

func (s *stubReader) ListByAggregate(_ context.Context, _ uuid.UUID, limit int) ([]events.DomainEvent, error) {
	s.gotLimit = limit
	return s.byAggregate, nil
}

func (s *stubReader) ListByTopic(_ context.Context, topic string, _, _ int) ([]events.DomainEvent, error) {
	s.gotTopic = topic
	return s.byTopic, nil
}

func TestAdminEventTrailBySession(t *testing.T) {
	session := uuid.New()
	reader := &stubReader{byAggregate: []events.DomainEvent{
		{ID: uuid.New(), Topic: events.TopicPaymentSucceeded, AggregateID: session, Payload: []byte(`{"status":"success"}`), OccurredAt: time.Now()},
	}}
	h := &events.AdminHandler{Store: reader}

	r := chi.NewRouter()
	r.Get("/v1/admin/sessions/{sessionID}/events", h.BySession)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/sessions/"+session.String()+"/events?limit=20", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 20, reader.gotLimit)

	var resp struct {
		Data []struct {
			Topic     string          `json:"topic"`
			SessionID string          `json:"sessionId"`
			Payload   json.RawMessage `json:"payload"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, events.TopicPaymentSucceeded, resp.Data[0].Topic)
	require.Equal(t, session.String(), resp.Data[0].SessionID)
	require.JSONEq(t, `{"status":"success"}`, string(resp.Data[0].Payload))
}

func TestAdminEventTrailRejectsBadSessionID(t *testing.T) {
	h := &events.AdminHandler{Store: &stubReader{}}
	r := chi.NewRouter()
	r.Get("/v1/admin/sessions/{sessionID}/events", h.BySession)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/sessions/not-a-uuid/events", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminEventsByTopicRequiresTopic(t *testing.T) {
	reader := &stubReader{byTopic: []events.DomainEvent{
		{ID: uuid.New(), Topic: events.TopicSessionExpired, AggregateID: uuid.New(), OccurredAt: time.Now()},
	}}
	h := &events.AdminHandler{Store: reader}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/events", nil)
	rr := httptest.NewRecorder()
	h.ByTopic(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/events?topic=session.expired", nil)
	rr = httptest.NewRecorder()
	h.ByTopic(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "session.expired", reader.gotTopic)
}
