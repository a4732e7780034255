package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

// ErrNotFound is returned when no session record exists for the identifier.
var ErrNotFound = errors.New("store: session not found")

// ErrExists is returned when a create collides with a live record.
var ErrExists = errors.New("store: session already exists")

// SessionRecord is the persisted shape of one checkout session. The redirect
// document is rendered from Redirect on demand; Outcome is set exactly once.
type SessionRecord struct {
	ID         string            `json:"id"`
	MerchantID string            `json:"merchant_id"`
	Provider   string            `json:"provider"`
	State      gateway.State     `json:"state"`
	Request    gateway.Request   `json:"request"`
	Redirect   gateway.Redirect  `json:"redirect"`
	Outcome    *gateway.Response `json:"outcome,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Terminal reports whether the record has settled.
func (r SessionRecord) Terminal() bool { return r.State == gateway.StateCompleted }

// Sessions stores session records in Redis. Records outlive the checkout
// window by the retention margin so merchants can poll a settled outcome
// after the hosted page expired.
type Sessions struct {
	Client    *redis.Client
	TTL       time.Duration
	Retention time.Duration
}

func sessionKey(id string) string { return "checkout:session:" + id }

func (s Sessions) recordTTL() time.Duration {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	retention := s.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return ttl + retention
}

// Create persists a new record. The identifier must be fresh.
func (s Sessions) Create(ctx context.Context, rec SessionRecord) error {
	if s.Client == nil {
		return errors.New("store: redis client not configured")
	}
	if rec.ID == "" {
		return errors.New("store: session id required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.Client.SetNX(ctx, sessionKey(rec.ID), data, s.recordTTL()).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get loads a record by identifier.
func (s Sessions) Get(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	if s.Client == nil {
		return rec, errors.New("store: redis client not configured")
	}
	data, err := s.Client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

// Save overwrites an existing record, preserving its remaining TTL.
func (s Sessions) Save(ctx context.Context, rec SessionRecord) error {
	if s.Client == nil {
		return errors.New("store: redis client not configured")
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.Client.Set(ctx, sessionKey(rec.ID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes a record. Missing keys are not an error.
func (s Sessions) Delete(ctx context.Context, id string) error {
	if s.Client == nil {
		return errors.New("store: redis client not configured")
	}
	if err := s.Client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
