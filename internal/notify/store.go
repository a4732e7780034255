package notify

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/redirectpay/internal/events"
)

// ErrStoreUnavailable indicates the webhook store dependency is not configured.
var ErrStoreUnavailable = errors.New("notify: store unavailable")

// Delivery states.
const (
	StatusPending    = "pending"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDLQ        = "dlq"
)

// Endpoint is a subscriber URL that receives signed event notifications.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	Topics    []string  `json:"topics"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Delivery tracks one endpoint/event pair through the retry lifecycle.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	EndpointID     uuid.UUID `json:"endpointId"`
	EventID        uuid.UUID `json:"eventId"`
	Status         string    `json:"status"`
	Attempt        int32     `json:"attempt"`
	MaxAttempt     int32     `json:"maxAttempt"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	ResponseStatus *int32    `json:"responseStatus,omitempty"`
	ResponseBody   *string   `json:"responseBody,omitempty"`
	LastError      *string   `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// EndpointParams carries the editable endpoint fields.
type EndpointParams struct {
	Name   string
	URL    string
	Secret string
	Active bool
	Topics []string
}

// DeliveryFilter narrows delivery listings. Zero UUIDs and empty status match
// everything.
type DeliveryFilter struct {
	EndpointID uuid.UUID
	EventID    uuid.UUID
	Status     string
	Limit      int
	Offset     int
}

// Store is the persistence surface for endpoints and their deliveries.
type Store interface {
	CreateEndpoint(ctx context.Context, arg EndpointParams) (Endpoint, error)
	UpdateEndpoint(ctx context.Context, id uuid.UUID, arg EndpointParams) (Endpoint, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error)
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error

	ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error)
	EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int32) (Delivery, error)
	DequeueDueDeliveries(ctx context.Context, limit int32) ([]Delivery, error)
	GetDeliveryByID(ctx context.Context, id uuid.UUID) (Delivery, error)
	MarkDelivering(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int32, responseBody string) error
	MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delaySec int32, lastError string) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, lastError string) error
	InsertDLQ(ctx context.Context, deliveryID uuid.UUID, reason string) error
	RequeueDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	DeleteDLQByDelivery(ctx context.Context, deliveryID uuid.UUID) error
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error)
	CountDeliveries(ctx context.Context, f DeliveryFilter) (int64, error)

	GetDomainEvent(ctx context.Context, id uuid.UUID) (events.DomainEvent, error)
}

// NewStore returns a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &webhookStore{pool: pool}
}

type webhookStore struct {
	pool *pgxpool.Pool
}

func (s *webhookStore) ready() bool {
	return s != nil && s.pool != nil
}

// clampPage bounds a listing page. Limits outside [1, 200] reset to 50.
func clampPage(limit, offset int) (int, int) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return limit, max(offset, 0)
}

const endpointColumns = `id, name, url, secret, active, topics, created_at, updated_at`

const deliveryColumns = `id, endpoint_id, event_id, status, attempt, max_attempt,
next_attempt_at, response_status, response_body, last_error, created_at, updated_at`

func (s *webhookStore) CreateEndpoint(ctx context.Context, arg EndpointParams) (Endpoint, error) {
	if !s.ready() {
		return Endpoint{}, ErrStoreUnavailable
	}
	topics := arg.Topics
	if topics == nil {
		topics = []string{}
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_endpoints (name, url, secret, active, topics)
VALUES ($1, $2, $3, $4, $5) RETURNING `+endpointColumns,
		arg.Name, arg.URL, arg.Secret, arg.Active, topics)
	return scanEndpoint(row)
}

func (s *webhookStore) UpdateEndpoint(ctx context.Context, id uuid.UUID, arg EndpointParams) (Endpoint, error) {
	if !s.ready() {
		return Endpoint{}, ErrStoreUnavailable
	}
	topics := arg.Topics
	if topics == nil {
		topics = []string{}
	}
	row := s.pool.QueryRow(ctx, `UPDATE webhook_endpoints
SET name = $2, url = $3, secret = $4, active = $5, topics = $6, updated_at = now()
WHERE id = $1 RETURNING `+endpointColumns,
		id, arg.Name, arg.URL, arg.Secret, arg.Active, topics)
	return scanEndpoint(row)
}

func (s *webhookStore) GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	if !s.ready() {
		return Endpoint{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

func (s *webhookStore) ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.pool.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Endpoint, 0, limit)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *webhookStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	return err
}

func (s *webhookStore) ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
WHERE active AND $1 = ANY(topics) ORDER BY created_at`, strings.TrimSpace(topic))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *webhookStore) EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int32) (Delivery, error) {
	if !s.ready() {
		return Delivery{}, ErrStoreUnavailable
	}
	if maxAttempt < 1 {
		maxAttempt = 6
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_deliveries (endpoint_id, event_id, max_attempt)
VALUES ($1, $2, $3) RETURNING `+deliveryColumns, endpointID, eventID, maxAttempt)
	return scanDelivery(row)
}

func (s *webhookStore) DequeueDueDeliveries(ctx context.Context, limit int32) ([]Delivery, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE status IN ('pending', 'failed') AND next_attempt_at <= now()
ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Delivery, 0, limit)
	for rows.Next() {
		del, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, del)
	}
	return out, rows.Err()
}

func (s *webhookStore) GetDeliveryByID(ctx context.Context, id uuid.UUID) (Delivery, error) {
	if !s.ready() {
		return Delivery{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

// MarkDelivering claims a due delivery. The status guard makes the claim a
// compare-and-swap so concurrent pollers never double-deliver.
func (s *webhookStore) MarkDelivering(ctx context.Context, id uuid.UUID) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries SET status = 'delivering', updated_at = now()
WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("notify: delivery already claimed")
	}
	return nil
}

func (s *webhookStore) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int32, responseBody string) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	status := sql.NullInt32{}
	if responseStatus > 0 {
		status = sql.NullInt32{Int32: responseStatus, Valid: true}
	}
	body := sql.NullString{}
	if responseBody != "" {
		body = sql.NullString{String: responseBody, Valid: true}
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'delivered', attempt = attempt + 1, response_status = $2, response_body = $3,
    last_error = NULL, updated_at = now()
WHERE id = $1`, id, status, body)
	return err
}

func (s *webhookStore) MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delaySec int32, lastError string) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	if delaySec < 1 {
		delaySec = 1
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'failed', attempt = attempt + 1,
    next_attempt_at = now() + ($2 * interval '1 second'),
    last_error = $3, updated_at = now()
WHERE id = $1`, id, delaySec, nullString(lastError))
	return err
}

func (s *webhookStore) MoveToDLQ(ctx context.Context, id uuid.UUID, lastError string) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'dlq', attempt = attempt + 1, last_error = $2, updated_at = now()
WHERE id = $1`, id, nullString(lastError))
	return err
}

func (s *webhookStore) InsertDLQ(ctx context.Context, deliveryID uuid.UUID, reason string) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO webhook_dlq (delivery_id, reason) VALUES ($1, $2)`,
		deliveryID, nullString(reason))
	return err
}

// RequeueDelivery puts a delivery back on the pending queue with a cleared
// attempt counter and response record.
func (s *webhookStore) RequeueDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	if !s.ready() {
		return Delivery{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `UPDATE webhook_deliveries
SET status = 'pending', attempt = 0, next_attempt_at = now(),
    response_status = NULL, response_body = NULL, last_error = NULL, updated_at = now()
WHERE id = $1 RETURNING `+deliveryColumns, id)
	return scanDelivery(row)
}

func (s *webhookStore) DeleteDLQByDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_dlq WHERE delivery_id = $1`, deliveryID)
	return err
}

func (s *webhookStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	where, args := deliveryWhere(f)
	limit, offset := clampPage(f.Limit, f.Offset)
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Delivery, 0, limit)
	for rows.Next() {
		del, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, del)
	}
	return out, rows.Err()
}

func (s *webhookStore) CountDeliveries(ctx context.Context, f DeliveryFilter) (int64, error) {
	if !s.ready() {
		return 0, ErrStoreUnavailable
	}
	where, args := deliveryWhere(f)
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_deliveries`+where, args...).Scan(&total)
	return total, err
}

func (s *webhookStore) GetDomainEvent(ctx context.Context, id uuid.UUID) (events.DomainEvent, error) {
	if !s.ready() {
		return events.DomainEvent{}, ErrStoreUnavailable
	}
	var ev events.DomainEvent
	err := s.pool.QueryRow(ctx, `SELECT id, topic, aggregate_id, payload, occurred_at
FROM domain_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return events.DomainEvent{}, err
	}
	return ev, nil
}

func deliveryWhere(f DeliveryFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.EndpointID != uuid.Nil {
		args = append(args, f.EndpointID)
		clauses = append(clauses, "endpoint_id = $"+strconv.Itoa(len(args)))
	}
	if f.EventID != uuid.Nil {
		args = append(args, f.EventID)
		clauses = append(clauses, "event_id = $"+strconv.Itoa(len(args)))
	}
	if status := strings.TrimSpace(f.Status); status != "" {
		args = append(args, status)
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (Endpoint, error) {
	var ep Endpoint
	err := row.Scan(&ep.ID, &ep.Name, &ep.URL, &ep.Secret, &ep.Active, &ep.Topics, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var (
		del      Delivery
		respCode sql.NullInt32
		respBody sql.NullString
		lastErr  sql.NullString
	)
	err := row.Scan(&del.ID, &del.EndpointID, &del.EventID, &del.Status, &del.Attempt, &del.MaxAttempt,
		&del.NextAttemptAt, &respCode, &respBody, &lastErr, &del.CreatedAt, &del.UpdatedAt)
	if err != nil {
		return Delivery{}, err
	}
	if respCode.Valid {
		del.ResponseStatus = &respCode.Int32
	}
	if respBody.Valid {
		del.ResponseBody = &respBody.String
	}
	if lastErr.Valid {
		del.LastError = &lastErr.String
	}
	return del, nil
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
