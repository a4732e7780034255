package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/notify"
	"github.com/noah-isme/redirectpay/internal/resilience"
)

func webhookHTTP(c *http.Client) *resilience.HTTPClient {
	return &resilience.HTTPClient{Client: c, Attempts: 1, Target: "merchant-webhook"}
}

func TestSendSignsAndPostsPayload(t *testing.T) {
	var (
		header http.Header
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := notify.Endpoint{ID: uuid.New(), URL: srv.URL, Secret: "whsec_test"}
	ev := events.DomainEvent{
		ID:          uuid.New(),
		Topic:       events.TopicPaymentSucceeded,
		AggregateID: uuid.New(),
		Payload:     []byte(`{"status":"success","amount":"12.50"}`),
		OccurredAt:  time.Now(),
	}
	del := notify.Delivery{ID: uuid.New(), EndpointID: ep.ID, EventID: ev.ID}

	d := &notify.Dispatcher{Enabled: true, HTTP: webhookHTTP(srv.Client())}
	status, _, err := d.Deliver(context.Background(), ep, ev, del)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	require.Equal(t, "application/json", header.Get("Content-Type"))
	require.Equal(t, "redirectpay-webhooks/1.0", header.Get("User-Agent"))
	require.Equal(t, ev.ID.String(), header.Get("X-Event-ID"))
	require.Equal(t, del.ID.String(), header.Get("X-Idempotency-Key"))

	ts, err := strconv.ParseInt(header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.InDelta(t, time.Now().Unix(), ts, 5)
	require.Equal(t,
		notify.ComputeSignature("whsec_test", ts, ev.ID.String(), body),
		header.Get("X-Signature"))

	var payload struct {
		EventID   string          `json:"eventId"`
		Topic     string          `json:"topic"`
		SessionID string          `json:"sessionId"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, ev.ID.String(), payload.EventID)
	require.Equal(t, events.TopicPaymentSucceeded, payload.Topic)
	require.Equal(t, ev.AggregateID.String(), payload.SessionID)
	require.JSONEq(t, string(ev.Payload), string(payload.Data))
}

func TestSendRejectsNonLocalPlainHTTP(t *testing.T) {
	d := &notify.Dispatcher{Enabled: true}
	ep := notify.Endpoint{ID: uuid.New(), URL: "http://hooks.internal.example/pay", Secret: "s"}
	ev := events.DomainEvent{ID: uuid.New(), Topic: events.TopicPaymentFailed, AggregateID: uuid.New(), Payload: []byte(`{}`)}

	_, _, err := d.Deliver(context.Background(), ep, ev, notify.Delivery{ID: uuid.New()})
	require.ErrorContains(t, err, "localhost")
}

func TestReplayGuardSuppressesDuplicateSends(t *testing.T) {
	client := newTestRedis(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := &notify.Dispatcher{
		Enabled:   true,
		HTTP:      webhookHTTP(srv.Client()),
		Replay:    notify.RedisSendGuard{Client: client},
		ReplayTTL: time.Minute,
	}
	ep := notify.Endpoint{ID: uuid.New(), URL: srv.URL, Secret: "s"}
	ev := events.DomainEvent{ID: uuid.New(), Topic: events.TopicPaymentSucceeded, AggregateID: uuid.New(), Payload: []byte(`{}`)}
	del := notify.Delivery{ID: uuid.New(), EndpointID: ep.ID, EventID: ev.ID}

	status, _, err := d.Deliver(context.Background(), ep, ev, del)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	status, respBody, err := d.Deliver(context.Background(), ep, ev, del)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "replay-suppressed", respBody)
	require.EqualValues(t, 1, hits.Load())
}
