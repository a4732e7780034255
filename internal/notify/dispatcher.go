// Package notify fans checkout events out to subscriber webhooks. Every
// emitted event becomes one delivery row per matching endpoint; rows move
// from pending through delivering to delivered, with exponential backoff on
// failure and a dead-letter queue once the attempt budget is spent. Payloads
// are signed so receivers can authenticate them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/obs"
	"github.com/noah-isme/redirectpay/internal/queue"
	"github.com/noah-isme/redirectpay/internal/resilience"
)

var tracer = otel.Tracer("webhook.dispatcher")

// taskWebhookDelivery is the queue kind for delivery tasks. The task payload
// is the delivery row ID.
const taskWebhookDelivery = "webhook-delivery"

// WebhookDeliveryTask returns the queue kind consumed by the delivery worker.
func WebhookDeliveryTask() string { return taskWebhookDelivery }

// Dispatcher owns the webhook delivery lifecycle: Schedule fans events out
// into delivery rows, and the queue worker plus the WorkOnce poller push each
// row through its attempts.
type Dispatcher struct {
	Store Store
	// Queue hands each persisted delivery to the worker fleet. Without a
	// Redis client the rows still persist and the poller picks them up.
	Queue queue.Enqueuer
	HTTP  *resilience.HTTPClient
	// RetryBaseSec seeds the exponential retry delay. Zero means 5.
	RetryBaseSec int
	// AttemptBudget caps attempts per delivery. Zero means 6.
	AttemptBudget int
	// Enabled gates every entry point; a disabled dispatcher is a no-op.
	Enabled   bool
	Replay    SendGuard
	ReplayTTL time.Duration
}

// Schedule creates one delivery per active endpoint subscribed to the event's
// topic. The (endpoint, event) unique constraint absorbs duplicate emits, so
// scheduling the same event twice is safe.
func (d *Dispatcher) Schedule(ctx context.Context, event events.DomainEvent) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if strings.TrimSpace(event.Topic) == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.Topic)
	if err != nil {
		return err
	}
	budget := int32(d.AttemptBudget)
	if budget <= 0 {
		budget = 6
	}
	var errs error
	for _, ep := range endpoints {
		del, err := d.Store.EnqueueDelivery(ctx, ep.ID, event.ID, budget)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			errs = errors.Join(errs, fmt.Errorf("schedule delivery to endpoint %s: %w", ep.ID, err))
			continue
		}
		if err := d.EnqueueDelivery(ctx, del.ID.String(), 0, int(del.MaxAttempt)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("queue task for delivery %s: %w", del.ID, err))
		}
	}
	return errs
}

// WorkOnce claims one batch of due deliveries and attempts each. The worker
// binary polls this as the safety net for deliveries whose queue task was
// lost.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int32) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 1
	}
	ctx, span := tracer.Start(ctx, "webhook.poll")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", int(batch)))

	due, err := d.Store.DequeueDueDeliveries(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, del := range due {
		if err := d.process(ctx, del); err != nil {
			return err
		}
	}
	return nil
}

// DeliverByID attempts the delivery with the given row ID. The queue can
// redeliver a task at any point in the row's lifecycle, so settled and
// not-yet-due rows are skipped rather than failed.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID string) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(deliveryID))
	if err != nil {
		return fmt.Errorf("parse delivery id: %w", err)
	}
	del, err := d.Store.GetDeliveryByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if del.Status != StatusPending && del.Status != StatusFailed {
		return nil
	}
	if del.Attempt > 0 && del.NextAttemptAt.After(time.Now()) {
		return nil
	}
	return d.process(ctx, del)
}

// EnqueueDelivery pushes a delivery task onto the queue. A blank ID or a
// missing queue client is a no-op, not an error.
func (d *Dispatcher) EnqueueDelivery(ctx context.Context, id string, delay time.Duration, maxAttempts int) error {
	id = strings.TrimSpace(id)
	if id == "" || d.Queue.Client == nil {
		return nil
	}
	if maxAttempts <= 0 {
		if maxAttempts = d.AttemptBudget; maxAttempts <= 0 {
			maxAttempts = 6
		}
	}
	return d.Queue.Enqueue(ctx, queue.Task{
		Kind:           taskWebhookDelivery,
		IdempotencyKey: id,
		Payload:        []byte(id),
		MaxAttempts:    maxAttempts,
		Delay:          delay,
	})
}

// process runs one attempt end to end: claim the row, load its endpoint and
// event, send, settle the outcome.
func (d *Dispatcher) process(ctx context.Context, del Delivery) error {
	if obs.WebhookAttemptsTotal != nil {
		obs.WebhookAttemptsTotal.Inc()
	}
	start := time.Now()
	if err := d.Store.MarkDelivering(ctx, del.ID); err != nil {
		// A concurrent worker holds the claim.
		return nil
	}
	ep, err := d.Store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		d.settleFailure(ctx, del, start, fmt.Sprintf("load endpoint: %v", err))
		return nil
	}
	ev, err := d.Store.GetDomainEvent(ctx, del.EventID)
	if err != nil {
		d.settleFailure(ctx, del, start, fmt.Sprintf("load event: %v", err))
		return nil
	}
	status, respBody, sendErr := d.send(ctx, ep, ev, del)
	if sendErr == nil && status/100 == 2 {
		observeAttempt("delivered", start)
		return d.Store.MarkDelivered(ctx, del.ID, int32(status), respBody)
	}
	d.settleFailure(ctx, del, start, fmt.Sprintf("status=%d err=%v", status, sendErr))
	return nil
}

// settleFailure dead-letters the delivery once its budget is spent, otherwise
// schedules the next attempt with exponential backoff.
func (d *Dispatcher) settleFailure(ctx context.Context, del Delivery, start time.Time, reason string) {
	if del.Attempt+1 >= del.MaxAttempt {
		observeAttempt("dlq", start)
		if obs.WebhookParkedTotal != nil {
			obs.WebhookParkedTotal.Inc()
		}
		_ = d.Store.MoveToDLQ(ctx, del.ID, reason)
		_ = d.Store.InsertDLQ(ctx, del.ID, reason)
		return
	}
	observeAttempt("failed", start)
	_ = d.Store.MarkFailedWithBackoff(ctx, del.ID, int32(d.nextDelay(del.Attempt)), reason)
}

// nextDelay returns the backoff in seconds before the next attempt, doubling
// per attempt from RetryBaseSec.
func (d *Dispatcher) nextDelay(attempt int32) int {
	base := d.RetryBaseSec
	if base <= 0 {
		base = 5
	}
	mult := 1 << int(attempt)
	if mult < 1 {
		mult = 1
	}
	return base * mult
}

// observeAttempt records outcome and latency for one finished attempt.
// Collectors stay nil until domain metrics are registered.
func observeAttempt(result string, start time.Time) {
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
	if obs.WebhookAttemptLatency != nil {
		obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
