// Package events is the domain event log. Settled checkout sessions emit one
// event here; the log is durable in Postgres and fans out to the webhook
// delivery scheduler and any in-process listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is one persisted fact about a checkout session.
type DomainEvent struct {
	ID          uuid.UUID
	Topic       string
	AggregateID uuid.UUID
	Payload     []byte
	OccurredAt  time.Time
}

// EventStore appends to the durable log.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (DomainEvent, error)
}

// DeliveryScheduler turns a persisted event into webhook delivery tasks.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, event DomainEvent) error
}

// Notifier is an in-process listener on emitted events.
type Notifier interface {
	Notify(ctx context.Context, event DomainEvent) error
}

// Bus writes events and hands them to the scheduler and notifiers.
type Bus struct {
	Store EventStore
	// Scheduler receives every stored event; nil disables webhook fanout.
	Scheduler DeliveryScheduler
	Notifiers []Notifier
}

// Emit appends one event and fans it out. The event is durable once Emit
// returns it; scheduler and notifier failures are joined into the returned
// error but never undo the write.
func (b *Bus) Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (DomainEvent, error) {
	if b == nil || b.Store == nil {
		return DomainEvent{}, errors.New("events: store not configured")
	}
	if topic = strings.TrimSpace(topic); topic == "" {
		return DomainEvent{}, errors.New("events: empty topic")
	}
	if aggregateID == uuid.Nil {
		return DomainEvent{}, errors.New("events: aggregate id required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: encode payload: %w", err)
	}

	ev, err := b.Store.InsertDomainEvent(ctx, topic, aggregateID, body)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("events: persist event: %w", err)
	}

	var fanout error
	if b.Scheduler != nil {
		if err := b.Scheduler.Schedule(ctx, ev); err != nil {
			fanout = errors.Join(fanout, fmt.Errorf("events: schedule deliveries: %w", err))
		}
	}
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			fanout = errors.Join(fanout, fmt.Errorf("events: notify: %w", err))
		}
	}
	return ev, fanout
}

// encodePayload normalizes a payload to one JSON document. nil and empty
// inputs become "{}", pre-encoded bytes and strings must already be valid
// JSON, anything else goes through json.Marshal.
func encodePayload(payload any) ([]byte, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = []byte(v)
	case []byte:
		raw = v
	case string:
		raw = []byte(strings.TrimSpace(v))
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("events: payload must be valid json")
	}
	return append([]byte(nil), raw...), nil
}
