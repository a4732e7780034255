package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable is returned when no DLQ store is configured.
var ErrStoreUnavailable = errors.New("queue: dlq store not configured")

// Store persists dead-lettered tasks.
type Store interface {
	InsertDeadLetter(ctx context.Context, entry DeadLetter) (uuid.UUID, error)
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context, kind string) (int64, error)
	DeadLetterSizes(ctx context.Context) (map[string]int64, error)
}

// DeadLetter is a row of the queue_dlq table.
type DeadLetter struct {
	ID   uuid.UUID
	Kind string
	// IdempotencyKey is carried so a requeued task dedupes like the original.
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	// LastError keeps the final handler error for operator triage.
	LastError *string
	CreatedAt time.Time
}

// NewStore returns a Store writing to the queue_dlq table through pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &dlqStore{pool: pool}
}

type dlqStore struct {
	pool *pgxpool.Pool
}

func (s *dlqStore) ready() bool {
	return s != nil && s.pool != nil
}

const dlqColumns = "id, kind, idem_key, payload, attempts, last_error, created_at"

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var (
		entry   DeadLetter
		lastErr sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &lastErr, &entry.CreatedAt)
	if err != nil {
		return DeadLetter{}, err
	}
	if lastErr.Valid {
		entry.LastError = &lastErr.String
	}
	return entry, nil
}

func (s *dlqStore) InsertDeadLetter(ctx context.Context, entry DeadLetter) (uuid.UUID, error) {
	if !s.ready() {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO queue_dlq (kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, entry.LastError,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *dlqStore) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	return err
}

func (s *dlqStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	if !s.ready() {
		return DeadLetter{}, ErrStoreUnavailable
	}
	return scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM queue_dlq WHERE id = $1`, id))
}

// ListDeadLetters returns newest-first entries, optionally filtered by kind.
func (s *dlqStore) ListDeadLetters(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	if limit < 1 {
		limit = 1
	} else if limit > 500 {
		limit = 500
	}
	offset = max(offset, 0)
	kind = strings.TrimSpace(kind)
	rows, err := s.pool.Query(ctx,
		`SELECT `+dlqColumns+` FROM queue_dlq
WHERE ($1 = '' OR kind = $1)
ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		kind, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DeadLetter, 0, limit)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *dlqStore) CountDeadLetters(ctx context.Context, kind string) (int64, error) {
	if !s.ready() {
		return 0, ErrStoreUnavailable
	}
	kind = strings.TrimSpace(kind)
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_dlq WHERE ($1 = '' OR kind = $1)`, kind,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *dlqStore) DeadLetterSizes(ctx context.Context) (map[string]int64, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM queue_dlq GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := make(map[string]int64)
	for rows.Next() {
		var (
			kind  string
			total int64
		)
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		sizes[kind] = total
	}
	return sizes, rows.Err()
}
