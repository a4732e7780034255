package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/lock"
	"github.com/noah-isme/redirectpay/internal/notify"
	"github.com/noah-isme/redirectpay/internal/queue"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// noopStore satisfies notify.Store with empty answers; tests embed it and
// override only the methods they exercise.
type noopStore struct{}

func (noopStore) CreateEndpoint(context.Context, notify.EndpointParams) (notify.Endpoint, error) {
	return notify.Endpoint{}, nil
}

func (noopStore) UpdateEndpoint(context.Context, uuid.UUID, notify.EndpointParams) (notify.Endpoint, error) {
	return notify.Endpoint{}, nil
}

func (noopStore) GetEndpoint(context.Context, uuid.UUID) (notify.Endpoint, error) {
	return notify.Endpoint{}, nil
}

func (noopStore) ListEndpoints(context.Context, int, int) ([]notify.Endpoint, error) {
	return nil, nil
}

func (noopStore) DeleteEndpoint(context.Context, uuid.UUID) error { return nil }

func (noopStore) ListActiveEndpointsForTopic(context.Context, string) ([]notify.Endpoint, error) {
	return nil, nil
}

func (noopStore) EnqueueDelivery(context.Context, uuid.UUID, uuid.UUID, int32) (notify.Delivery, error) {
	return notify.Delivery{}, nil
}

func (noopStore) DequeueDueDeliveries(context.Context, int32) ([]notify.Delivery, error) {
	return nil, nil
}

func (noopStore) GetDeliveryByID(context.Context, uuid.UUID) (notify.Delivery, error) {
	return notify.Delivery{}, nil
}

func (noopStore) MarkDelivering(context.Context, uuid.UUID) error { return nil }

func (noopStore) MarkDelivered(context.Context, uuid.UUID, int32, string) error { return nil }

func (noopStore) MarkFailedWithBackoff(context.Context, uuid.UUID, int32, string) error { return nil }

func (noopStore) MoveToDLQ(context.Context, uuid.UUID, string) error { return nil }

func (noopStore) InsertDLQ(context.Context, uuid.UUID, string) error { return nil }

func (noopStore) RequeueDelivery(context.Context, uuid.UUID) (notify.Delivery, error) {
	return notify.Delivery{}, nil
}

func (noopStore) DeleteDLQByDelivery(context.Context, uuid.UUID) error { return nil }

func (noopStore) ListDeliveries(context.Context, notify.DeliveryFilter) ([]notify.Delivery, error) {
	return nil, nil
}

func (noopStore) CountDeliveries(context.Context, notify.DeliveryFilter) (int64, error) {
	return 0, nil
}

func (noopStore) GetDomainEvent(context.Context, uuid.UUID) (events.DomainEvent, error) {
	return events.DomainEvent{}, nil
}

// fanoutStore serves a fixed endpoint list and records persisted deliveries.
// Endpoints listed in dupFor answer with a unique violation, mimicking a row
// that already exists from an earlier emit.
type fanoutStore struct {
	noopStore
	endpoints []notify.Endpoint
	dupFor    uuid.UUID
	persisted []notify.Delivery
}

func (s *fanoutStore) ListActiveEndpointsForTopic(context.Context, string) ([]notify.Endpoint, error) {
	return s.endpoints, nil
}

func (s *fanoutStore) EnqueueDelivery(_ context.Context, endpointID, eventID uuid.UUID, maxAttempt int32) (notify.Delivery, error) {
	if endpointID == s.dupFor {
		return notify.Delivery{}, &pgconn.PgError{Code: "23505"}
	}
	del := notify.Delivery{ID: uuid.New(), EndpointID: endpointID, EventID: eventID, MaxAttempt: maxAttempt}
	s.persisted = append(s.persisted, del)
	return del, nil
}

func TestScheduleFansOutAndSkipsDuplicates(t *testing.T) {
	client := newTestRedis(t)
	seen := notify.Endpoint{ID: uuid.New()}
	fresh := notify.Endpoint{ID: uuid.New()}
	store := &fanoutStore{endpoints: []notify.Endpoint{seen, fresh}, dupFor: seen.ID}

	d := &notify.Dispatcher{
		Enabled: true,
		Store:   store,
		Queue:   queue.Enqueuer{Client: client, Prefix: "wh"},
	}
	ev := events.DomainEvent{ID: uuid.New(), Topic: events.TopicPaymentSucceeded, AggregateID: uuid.New()}
	require.NoError(t, d.Schedule(context.Background(), ev))

	require.Len(t, store.persisted, 1)
	require.Equal(t, fresh.ID, store.persisted[0].EndpointID)
	require.EqualValues(t, 6, store.persisted[0].MaxAttempt)

	depth, err := client.ZCard(context.Background(), "wh:queue:webhook-delivery").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

// lifecycleStore hands out a single delivery and tracks how the dispatcher
// settles it.
type lifecycleStore struct {
	noopStore
	endpoint notify.Endpoint
	event    events.DomainEvent
	delivery notify.Delivery
	retries  []retryCall
	dlq      []string
}

type retryCall struct {
	delaySec int32
	reason   string
}

func (s *lifecycleStore) DequeueDueDeliveries(context.Context, int32) ([]notify.Delivery, error) {
	return []notify.Delivery{s.delivery}, nil
}

func (s *lifecycleStore) GetEndpoint(context.Context, uuid.UUID) (notify.Endpoint, error) {
	return s.endpoint, nil
}

func (s *lifecycleStore) GetDomainEvent(context.Context, uuid.UUID) (events.DomainEvent, error) {
	return s.event, nil
}

func (s *lifecycleStore) MarkFailedWithBackoff(_ context.Context, _ uuid.UUID, delaySec int32, reason string) error {
	s.retries = append(s.retries, retryCall{delaySec: delaySec, reason: reason})
	s.delivery.Attempt++
	s.delivery.Status = notify.StatusFailed
	return nil
}

func (s *lifecycleStore) MoveToDLQ(_ context.Context, _ uuid.UUID, reason string) error {
	s.dlq = append(s.dlq, reason)
	s.delivery.Status = notify.StatusDLQ
	return nil
}

func TestFailedAttemptsBackOffThenDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "subscriber down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &lifecycleStore{
		endpoint: notify.Endpoint{ID: uuid.New(), URL: srv.URL, Secret: "whsec_1"},
		event: events.DomainEvent{
			ID:          uuid.New(),
			Topic:       events.TopicPaymentFailed,
			AggregateID: uuid.New(),
			Payload:     []byte(`{}`),
		},
	}
	store.delivery = notify.Delivery{
		ID:         uuid.New(),
		EndpointID: store.endpoint.ID,
		EventID:    store.event.ID,
		MaxAttempt: 2,
	}

	d := &notify.Dispatcher{
		Enabled:      true,
		Store:        store,
		HTTP:         webhookHTTP(srv.Client()),
		RetryBaseSec: 3,
	}

	require.NoError(t, d.WorkOnce(context.Background(), 1))
	require.Len(t, store.retries, 1)
	require.EqualValues(t, 3, store.retries[0].delaySec)
	require.Contains(t, store.retries[0].reason, "500")
	require.Empty(t, store.dlq)

	require.NoError(t, d.WorkOnce(context.Background(), 1))
	require.Len(t, store.retries, 1, "a dead-lettered delivery must not be rescheduled")
	require.Len(t, store.dlq, 1)
	require.Contains(t, store.dlq[0], "500")
}

// claimRecorder counts MarkDelivering calls for a fixed delivery.
type claimRecorder struct {
	noopStore
	delivery notify.Delivery
	claims   atomic.Int32
}

func (s *claimRecorder) GetDeliveryByID(context.Context, uuid.UUID) (notify.Delivery, error) {
	return s.delivery, nil
}

func (s *claimRecorder) MarkDelivering(context.Context, uuid.UUID) error {
	s.claims.Add(1)
	return nil
}

func TestDeliverByIDSkipsSettledAndScheduledRows(t *testing.T) {
	settled := &claimRecorder{delivery: notify.Delivery{ID: uuid.New(), Status: notify.StatusDelivered}}
	d := &notify.Dispatcher{Enabled: true, Store: settled}
	require.NoError(t, d.DeliverByID(context.Background(), settled.delivery.ID.String()))
	require.Zero(t, settled.claims.Load(), "settled deliveries must not be re-claimed")

	backedOff := &claimRecorder{delivery: notify.Delivery{
		ID:            uuid.New(),
		Status:        notify.StatusFailed,
		Attempt:       1,
		NextAttemptAt: time.Now().Add(time.Hour),
	}}
	d = &notify.Dispatcher{Enabled: true, Store: backedOff}
	require.NoError(t, d.DeliverByID(context.Background(), backedOff.delivery.ID.String()))
	require.Zero(t, backedOff.claims.Load(), "backoff schedule must be honored")
}

func TestDeliveryWorkerClaimsUnderLock(t *testing.T) {
	client := newTestRedis(t)
	rec := &claimRecorder{delivery: notify.Delivery{
		ID:         uuid.New(),
		Status:     notify.StatusPending,
		MaxAttempt: 6,
	}}
	w := notify.DeliveryWorker{
		Disp: &notify.Dispatcher{Enabled: true, Store: rec},
		Locker:     lock.Locker{Client: client},
	}

	payload := []byte("  " + rec.delivery.ID.String() + "\n")
	require.NoError(t, w.Handle(context.Background(), payload))
	require.EqualValues(t, 1, rec.claims.Load())

	require.NoError(t, w.Handle(context.Background(), []byte("   ")))
	require.EqualValues(t, 1, rec.claims.Load())

	require.Error(t, notify.DeliveryWorker{}.Handle(context.Background(), payload))
}
