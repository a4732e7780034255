// Package queue implements the Redis-backed task queue behind webhook
// delivery and session expiry. Ready tasks sit in a sorted set scored by
// their due time; claimed tasks move to a lease set scored by a deadline so
// nothing is lost when a worker dies mid-task. Tasks that exhaust their
// retry budget land in a Postgres dead-letter table that admins can inspect
// and replay.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task is a unit of asynchronous work.
type Task struct {
	Kind    string
	Payload []byte
	// IdempotencyKey dedupes enqueues and names the task in the lease set.
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is the number of attempts already consumed. DLQ replays set
	// it so a replayed task keeps its remaining retry budget.
	Attempt int
}

// Enqueuer writes tasks into the ready set of their kind.
type Enqueuer struct {
	Client   *redis.Client
	Prefix   string
	DedupTTL time.Duration
	// MaxAttempts applies to tasks that do not carry their own budget.
	MaxAttempts int
}

// Enqueue schedules t for execution after its Delay. When t carries an
// idempotency key, further calls with the same kind and key are no-ops until
// DedupTTL lapses or the task settles.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.Client == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return errors.New("queue: invalid task kind")
	}
	env := envelope{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = e.MaxAttempts
	}
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = 10
	}

	if env.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.Client.SetNX(ctx, dedupeKey(e.Prefix, env.Kind, env.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.Client.ZAdd(ctx, readyKey(e.Prefix, env.Kind), redis.Z{
		Score:  float64(env.AvailableAt),
		Member: raw,
	}).Err()
}

// envelope is the wire form of a task, both in Redis and in DLQ payloads.
type envelope struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Payload []byte `json:"payload"`
	Attempt int    `json:"attempt"`
	// AvailableAt is the readiness instant in unix nanoseconds; it doubles
	// as the ready-set score.
	AvailableAt int64 `json:"available_at"`
	MaxAttempts int   `json:"max_attempts"`
}

func parseEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// validKind accepts lowercase alphanumerics plus '-', '_' and ':'. Kinds are
// spliced into Redis keys, so anything else is rejected outright.
func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for i := 0; i < len(kind); i++ {
		switch c := kind[i]; {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return false
		}
	}
	return true
}

func keyRoot(prefix string) string {
	if prefix == "" {
		return "queue"
	}
	return prefix
}

// readyKey addresses the sorted set of due and scheduled tasks for a kind.
func readyKey(prefix, kind string) string {
	if prefix == "" {
		return "queue:" + kind
	}
	return prefix + ":queue:" + kind
}

// leaseKey addresses the sorted set of claimed tasks, scored by deadline.
func leaseKey(prefix, kind string) string {
	return keyRoot(prefix) + ":" + kind + ":processing"
}

// fallbackDLQKey addresses the Redis list that absorbs dead letters when the
// DLQ store is unreachable.
func fallbackDLQKey(prefix, kind string) string {
	return keyRoot(prefix) + ":" + kind + ":dlq"
}

func dedupeKey(prefix, kind, key string) string {
	return keyRoot(prefix) + ":dedup:" + kind + ":" + key
}
