package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/resilience"
)

// deliveryPayload is the JSON body posted to subscriber endpoints.
type deliveryPayload struct {
	EventID    string          `json:"eventId"`
	Topic      string          `json:"topic"`
	SessionID  string          `json:"sessionId"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Deliver sends one event to one endpoint and returns the response status and
// body. It is the raw send without claim or settle, exposed for replay
// tooling and tests.
func (d *Dispatcher) Deliver(ctx context.Context, endpoint Endpoint, event events.DomainEvent, delivery Delivery) (int, string, error) {
	return d.send(ctx, endpoint, event, delivery)
}

func (d *Dispatcher) send(ctx context.Context, endpoint Endpoint, event events.DomainEvent, delivery Delivery) (int, string, error) {
	client := d.HTTP
	if client == nil {
		client = &resilience.HTTPClient{Client: NewHTTPClient(5000, false), Attempts: 1}
	}
	ctx, span := tracer.Start(ctx, "webhook.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", endpoint.ID.String()),
		attribute.String("webhook.delivery_id", delivery.ID.String()),
		attribute.String("webhook.topic", event.Topic),
	)
	if err := checkEndpointURL(endpoint.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	body, err := json.Marshal(deliveryPayload{
		EventID:    event.ID.String(),
		Topic:      event.Topic,
		SessionID:  event.AggregateID.String(),
		Data:       json.RawMessage(event.Payload),
		OccurredAt: occurred,
	})
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	if guard := d.Replay; guard != nil && d.ReplayTTL > 0 {
		fresh, err := guard.Acquire(ctx, replayKey(endpoint.ID, event.ID), d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, "", err
		}
		if !fresh {
			span.AddEvent("duplicate send suppressed")
			return http.StatusOK, "replay-suppressed", nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	now := time.Now().Unix()
	eventID := event.ID.String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "redirectpay-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(now, 10))
	req.Header.Set("X-Idempotency-Key", delivery.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(endpoint.Secret, now, eventID, body))

	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, string(respBody), nil
}

// checkEndpointURL enforces the endpoint URL policy: https anywhere, plain
// http only toward loopback.
func checkEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse endpoint url: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if host := u.Hostname(); host != "localhost" && host != "127.0.0.1" {
			return errors.New("plain http endpoints are limited to localhost")
		}
	default:
		return errors.New("endpoint scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("endpoint url has no host")
	}
	return nil
}

// ComputeSignature returns the hex HMAC-SHA256 of "<ts>.<eventID>.<body>"
// keyed with the endpoint secret. Receivers recompute it to authenticate the
// payload and its timestamp.
func ComputeSignature(secret string, unixTS int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s.", unixTS, eventID)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHTTPClient builds the client used for webhook posts: bounded timeout and
// an otel-instrumented transport. insecure skips TLS verification for test
// rigs with self-signed endpoints.
func NewHTTPClient(timeoutMs int, insecure bool) *http.Client {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}
