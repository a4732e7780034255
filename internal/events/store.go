package events

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the event store dependency is not configured.
var ErrStoreUnavailable = errors.New("events: store unavailable")

// NewStore constructs an EventStore backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// PGStore persists domain events in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func (s *PGStore) ready() bool {
	return s != nil && s.pool != nil
}

// InsertDomainEvent appends one event and returns the stored row.
func (s *PGStore) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (DomainEvent, error) {
	if !s.ready() {
		return DomainEvent{}, ErrStoreUnavailable
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var ev DomainEvent
	err := s.pool.QueryRow(ctx, `INSERT INTO domain_events (topic, aggregate_id, payload)
VALUES ($1, $2, $3) RETURNING id, topic, aggregate_id, payload, occurred_at`,
		topic, aggregateID, payload).
		Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return DomainEvent{}, err
	}
	return ev, nil
}

// ListByAggregate returns the event history for one session, oldest first.
func (s *PGStore) ListByAggregate(ctx context.Context, aggregateID uuid.UUID, limit int) ([]DomainEvent, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, topic, aggregate_id, payload, occurred_at
FROM domain_events WHERE aggregate_id = $1 ORDER BY occurred_at ASC LIMIT $2`, aggregateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DomainEvent, 0, limit)
	for rows.Next() {
		var ev DomainEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListByTopic returns recent events for one topic, newest first.
func (s *PGStore) ListByTopic(ctx context.Context, topic string, limit, offset int) ([]DomainEvent, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	offset = max(offset, 0)
	topic = strings.TrimSpace(topic)
	rows, err := s.pool.Query(ctx, `SELECT id, topic, aggregate_id, payload, occurred_at
FROM domain_events WHERE topic = $1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DomainEvent, 0, limit)
	for rows.Next() {
		var ev DomainEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
