package audit

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the audit store dependency is not configured.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// ErrNotFound indicates the requested outcome row does not exist.
var ErrNotFound = errors.New("audit: outcome not found")

// OutcomeRecord is one settled checkout outcome, kept for reconciliation and
// dispute handling. Raw holds the verbatim return parameters as JSON.
type OutcomeRecord struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	MerchantID    string
	Provider      string
	Reference     string
	Status        string
	Reason        string
	Code          string
	TransactionID string
	AmountMinor   string
	Currency      string
	Route         string
	Raw           []byte
	Resolution    *string
	ResolvedAt    *time.Time
	OccurredAt    time.Time
}

// OutcomeFilter narrows outcome listings.
type OutcomeFilter struct {
	Status     string
	Provider   string
	Unresolved bool
	Limit      int
	Offset     int
}

// Store defines the database operations required for outcome auditing.
type Store interface {
	InsertOutcome(ctx context.Context, rec OutcomeRecord) (uuid.UUID, error)
	ListOutcomes(ctx context.Context, f OutcomeFilter) ([]OutcomeRecord, error)
	CountOutcomes(ctx context.Context, f OutcomeFilter) (int64, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]OutcomeRecord, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolution string) error
}

// NewStore wraps the shared pgx pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &outcomeStore{pool: pool}
}

type outcomeStore struct {
	pool *pgxpool.Pool
}

func (s *outcomeStore) ready() bool {
	return s != nil && s.pool != nil
}

const outcomeColumns = `id, session_id, merchant_id, provider, reference, status, reason, code,
transaction_id, amount_minor, currency, route, raw, resolution, resolved_at, occurred_at`

// InsertOutcome persists one outcome row and returns the generated identifier.
func (s *outcomeStore) InsertOutcome(ctx context.Context, rec OutcomeRecord) (uuid.UUID, error) {
	if !s.ready() {
		return uuid.Nil, ErrStoreUnavailable
	}
	raw := rec.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO outcome_audits
(session_id, merchant_id, provider, reference, status, reason, code, transaction_id, amount_minor, currency, route, raw)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		rec.SessionID, rec.MerchantID, rec.Provider, rec.Reference, rec.Status, rec.Reason,
		rec.Code, rec.TransactionID, rec.AmountMinor, rec.Currency, rec.Route, raw).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ListOutcomes fetches outcome rows matching the filter, newest first.
func (s *outcomeStore) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]OutcomeRecord, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	where, args := f.whereClause()
	limit := clampPositive(f.Limit, 1, 500)
	offset := max(f.Offset, 0)
	args = append(args, limit, offset)
	query := `SELECT ` + outcomeColumns + ` FROM outcome_audits` + where +
		` ORDER BY occurred_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]OutcomeRecord, 0, limit)
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountOutcomes counts outcome rows matching the filter.
func (s *outcomeStore) CountOutcomes(ctx context.Context, f OutcomeFilter) (int64, error) {
	if !s.ready() {
		return 0, ErrStoreUnavailable
	}
	where, args := f.whereClause()
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outcome_audits`+where, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ListBySession fetches every outcome row recorded for one session, oldest first.
func (s *outcomeStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]OutcomeRecord, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+outcomeColumns+
		` FROM outcome_audits WHERE session_id = $1 ORDER BY occurred_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkResolved stamps an outcome row as reconciled.
func (s *outcomeStore) MarkResolved(ctx context.Context, id uuid.UUID, resolution string) error {
	if !s.ready() {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE outcome_audits SET resolution = $2, resolved_at = now()
WHERE id = $1 AND resolved_at IS NULL`, id, resolution)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (f OutcomeFilter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if status := strings.TrimSpace(f.Status); status != "" {
		args = append(args, status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if provider := strings.TrimSpace(f.Provider); provider != "" {
		args = append(args, provider)
		conds = append(conds, "provider = $"+strconv.Itoa(len(args)))
	}
	if f.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanOutcome(rows pgx.Rows) (OutcomeRecord, error) {
	var rec OutcomeRecord
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.MerchantID, &rec.Provider, &rec.Reference,
		&rec.Status, &rec.Reason, &rec.Code, &rec.TransactionID, &rec.AmountMinor, &rec.Currency,
		&rec.Route, &rec.Raw, &resolution, &resolvedAt, &rec.OccurredAt); err != nil {
		return OutcomeRecord{}, err
	}
	if resolution.Valid {
		rec.Resolution = &resolution.String
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}

func clampPositive(n, lo, hi int) int {
	return min(max(n, lo), hi)
}
