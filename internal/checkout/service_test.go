package checkout_test

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/audit"
	"github.com/noah-isme/redirectpay/internal/checkout"
	"github.com/noah-isme/redirectpay/internal/common"
	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/gateway"
	"github.com/noah-isme/redirectpay/internal/lock"
	"github.com/noah-isme/redirectpay/internal/queue"
	"github.com/noah-isme/redirectpay/internal/store"
)

type stubEventStore struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (s *stubEventStore) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := events.DomainEvent{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *stubEventStore) all() []events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.DomainEvent(nil), s.events...)
}

type stubAuditStore struct {
	mu   sync.Mutex
	rows []audit.OutcomeRecord
}

func (s *stubAuditStore) InsertOutcome(_ context.Context, rec audit.OutcomeRecord) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return uuid.New(), nil
}

func (s *stubAuditStore) ListOutcomes(context.Context, audit.OutcomeFilter) ([]audit.OutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.OutcomeRecord(nil), s.rows...), nil
}

func (s *stubAuditStore) CountOutcomes(context.Context, audit.OutcomeFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *stubAuditStore) ListBySession(context.Context, uuid.UUID) ([]audit.OutcomeRecord, error) {
	return nil, nil
}

func (s *stubAuditStore) MarkResolved(context.Context, uuid.UUID, string) error { return nil }

func (s *stubAuditStore) all() []audit.OutcomeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.OutcomeRecord(nil), s.rows...)
}

func newTestService(t *testing.T) (*checkout.Service, *stubEventStore, *stubAuditStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	es := &stubEventStore{}
	as := &stubAuditStore{}
	svc := &checkout.Service{
		Providers: gateway.DefaultRegistry(),
		Settings: checkout.ProviderSettings{
			Provider:       "payfort",
			MerchantID:     "MID-001",
			AccessCode:     "zx0IPmPy",
			RequestSecret:  "req-secret",
			ResponseSecret: "resp-secret",
			TestMode:       true,
		},
		ReturnBase: "https://pay.example.com",
		Sessions:   store.Sessions{Client: client, TTL: time.Minute, Retention: time.Hour},
		Locker:     lock.Locker{Client: client},
		TTL:        time.Minute,
		Events:     &events.Bus{Store: es},
		Audit:      audit.Service{Store: as, Enabled: true},
		Queue:      queue.Enqueuer{Client: client},
	}
	return svc, es, as
}

func createSession(t *testing.T, svc *checkout.Service) checkout.SessionView {
	t.Helper()
	view, err := svc.Create(context.Background(), "m-1", checkout.CreateInput{
		Reference: "ORD-1",
		Amount:    "10.00",
		Currency:  "USD",
	})
	require.NoError(t, err)
	return view
}

// payfortSigned signs the params the way the provider does on the way back
// and flattens them into query values.
func payfortSigned(t *testing.T, secret string, params map[string]string) url.Values {
	t.Helper()
	signer := gateway.Signer{Field: "signature", Digest: gateway.EnvelopeDigest(sha256.New)}
	params["signature"] = signer.Sign(params, secret)
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v
}

func corruptHex(s string) string {
	if s == "" {
		return "0"
	}
	c := byte('0')
	if s[0] == '0' {
		c = '1'
	}
	return string(c) + s[1:]
}

func TestCreateBuildsSignedRedirect(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	view := createSession(t, svc)
	require.NotEmpty(t, view.ID)
	require.Equal(t, gateway.StateIdle, view.State)
	require.Equal(t, "payfort", view.Provider)
	require.Contains(t, view.RedirectURL, "/v1/checkout/"+view.ID+"/redirect")
	require.WithinDuration(t, time.Now().Add(time.Minute), view.ExpiresAt, 5*time.Second)

	doc, rec, err := svc.RedirectDocument(ctx, view.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, gateway.StateIdle, rec.State)

	html := string(doc)
	require.Contains(t, html, `action="https://sbcheckout.payfort.com/FortAPI/paymentPage"`)
	require.Contains(t, html, `name="amount" value="1000"`)
	require.Contains(t, html, `name="signature"`)
	// the return URL embeds the session id so the way back is per-session
	require.Contains(t, html, view.ID)

	after, err := svc.Get(ctx, view.ID, "m-1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateProcessing, after.State)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "m-1", checkout.CreateInput{Amount: "10.00", Currency: "USD"})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "VALIDATION_FAILED", appErr.Code)
	require.Equal(t, http.StatusBadRequest, appErr.Status)

	_, err = svc.Create(ctx, "m-1", checkout.CreateInput{
		Provider: "paytabs", Reference: "ORD-2", Amount: "10.00", Currency: "USD",
	})
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "GATEWAY_CONFIG_INVALID", appErr.Code)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.Status)

	_, err = svc.Create(ctx, "m-1", checkout.CreateInput{
		Reference: "ORD-3", Amount: "ten dollars", Currency: "USD",
	})
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "GATEWAY_CONFIG_INVALID", appErr.Code)
}

func TestReturnSuccessSettlesSession(t *testing.T) {
	svc, es, as := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	params := payfortSigned(t, "resp-secret", map[string]string{
		"response_code":      "14000",
		"fort_id":            "TX1",
		"merchant_reference": "ORD-1",
	})
	rec, err := svc.HandleReturn(ctx, view.ID, gateway.RouteSuccess, params)
	require.NoError(t, err)
	require.True(t, rec.Terminal())
	require.Equal(t, gateway.StatusSuccess, rec.Outcome.Status)
	require.Equal(t, "TX1", rec.Outcome.TransactionID)
	require.Equal(t, "14000", rec.Outcome.Code)

	evs := es.all()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicPaymentSucceeded, evs[0].Topic)
	require.Equal(t, view.ID, evs[0].AggregateID.String())

	rows := as.all()
	require.Len(t, rows, 1)
	require.Equal(t, "success", rows[0].Route)
	require.Equal(t, "TX1", rows[0].TransactionID)
}

func TestReturnCanceledByPayer(t *testing.T) {
	svc, es, _ := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	params := payfortSigned(t, "resp-secret", map[string]string{
		"response_code": "00072",
	})
	rec, err := svc.HandleReturn(ctx, view.ID, gateway.RouteSuccess, params)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCanceled, rec.Outcome.Status)
	require.Equal(t, gateway.ReasonUserCanceled, rec.Outcome.Reason)

	evs := es.all()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicPaymentCanceled, evs[0].Topic)
}

func TestReturnSignatureMismatch(t *testing.T) {
	svc, es, _ := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	params := payfortSigned(t, "resp-secret", map[string]string{
		"response_code": "14000",
		"fort_id":       "TX1",
	})
	params.Set("signature", corruptHex(params.Get("signature")))

	rec, err := svc.HandleReturn(ctx, view.ID, gateway.RouteSuccess, params)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusFailure, rec.Outcome.Status)
	require.Equal(t, gateway.ReasonSignatureMismatch, rec.Outcome.Reason)
	// untrusted fields stay in Raw only
	require.Empty(t, rec.Outcome.TransactionID)
	require.Equal(t, "TX1", rec.Outcome.Raw["fort_id"])

	evs := es.all()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicPaymentFailed, evs[0].Topic)
}

func TestConcurrentDuplicateReturnsSettleOnce(t *testing.T) {
	svc, es, as := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	params := payfortSigned(t, "resp-secret", map[string]string{
		"response_code": "14000",
		"fort_id":       "TX9",
	})

	const n = 4
	recs := make([]store.SessionRecord, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = svc.HandleReturn(ctx, view.ID, gateway.RouteSuccess, params)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, gateway.StatusSuccess, recs[i].Outcome.Status)
		require.Equal(t, "TX9", recs[i].Outcome.TransactionID)
	}
	require.Len(t, es.all(), 1, "exactly one event for n duplicate returns")
	require.Len(t, as.all(), 1, "exactly one audit row for n duplicate returns")

	// a late hit on a different route replays the settled outcome
	replay, err := svc.HandleReturn(ctx, view.ID, gateway.RouteCancel, url.Values{})
	require.NoError(t, err)
	require.Equal(t, gateway.StatusSuccess, replay.Outcome.Status)
	require.Len(t, es.all(), 1)
}

func TestCancelDisposes(t *testing.T) {
	svc, es, as := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	got, err := svc.Cancel(ctx, view.ID, "m-1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateCompleted, got.State)
	require.Equal(t, gateway.StatusCanceled, got.Outcome.Status)
	require.Equal(t, gateway.ReasonUserCanceled, got.Outcome.Reason)

	evs := es.all()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicPaymentCanceled, evs[0].Topic)

	again, err := svc.Cancel(ctx, view.ID, "m-1")
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCanceled, again.Outcome.Status)
	require.Len(t, es.all(), 1, "second cancel is a read")
	require.Len(t, as.all(), 1)

	_, err = svc.Cancel(ctx, view.ID, "m-2")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "SESSION_NOT_FOUND", appErr.Code)
}

func TestExpireDisposesAbandonedSession(t *testing.T) {
	svc, es, as := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	require.NoError(t, svc.Expire(ctx, view.ID))
	got, err := svc.Get(ctx, view.ID, "m-1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateCompleted, got.State)
	require.Equal(t, gateway.StatusCanceled, got.Outcome.Status)
	require.Equal(t, "session expired before completion", got.Outcome.Message)

	evs := es.all()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicSessionExpired, evs[0].Topic)

	// settled and unknown sessions are clean no-ops
	require.NoError(t, svc.Expire(ctx, view.ID))
	require.NoError(t, svc.Expire(ctx, uuid.NewString()))
	require.Len(t, as.all(), 1)
}

func TestExpiryWorkerHandle(t *testing.T) {
	svc, es, _ := newTestService(t)
	view := createSession(t, svc)

	w := checkout.ExpiryWorker{Svc: svc}
	require.NoError(t, w.Handle(context.Background(), []byte(view.ID)))
	require.NoError(t, w.Handle(context.Background(), nil))

	got, err := svc.Get(context.Background(), view.ID, "m-1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateCompleted, got.State)
	require.Len(t, es.all(), 1)

	task := checkout.SessionExpireTask(view.ID, time.Minute)
	require.Equal(t, checkout.TaskSessionExpire, task.Kind)
	require.Equal(t, "expire:"+view.ID, task.IdempotencyKey)
	require.Equal(t, time.Minute, task.Delay)
}

func TestMerchantIsolation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	view := createSession(t, svc)

	_, err := svc.Get(ctx, view.ID, "m-2")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "SESSION_NOT_FOUND", appErr.Code)
	require.Equal(t, http.StatusNotFound, appErr.Status)

	_, err = svc.Get(ctx, uuid.NewString(), "m-1")
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "SESSION_NOT_FOUND", appErr.Code)
}
