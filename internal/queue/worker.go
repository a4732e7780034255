package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/redirectpay/internal/resilience"
)

// Worker drains one task kind. Claimed tasks are leased into a processing
// set and swept back to ready if the lease runs out before they settle.
type Worker struct {
	Client      *redis.Client
	Prefix      string
	Kind        string
	Concurrency int
	// LeaseTTL is the lease length for a claimed task. SoftDeadline caps the
	// handler context and defaults to the lease length.
	LeaseTTL     time.Duration
	SoftDeadline time.Duration
	// SweepInterval is how often lapsed leases are swept back to ready.
	SweepInterval time.Duration
	Handler       func(context.Context, Task) error
	RetryBase     time.Duration
	RetryJitter   float64
	// Store receives tasks that exhausted their attempts. Without one the
	// dead letters stay in a Redis list.
	Store  Store
	Logger *zerolog.Logger
}

func (w Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// Run consumes tasks until ctx is cancelled, then waits for handlers still
// in flight to finish.
func (w Worker) Run(ctx context.Context) error {
	switch {
	case w.Client == nil:
		return errors.New("queue: worker redis client not configured")
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !validKind(w.Kind):
		return errors.New("queue: invalid worker kind")
	}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	lease := w.LeaseTTL
	if lease <= 0 {
		lease = 30 * time.Second
	}
	softDeadline := w.SoftDeadline
	if softDeadline <= 0 {
		softDeadline = lease
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	sweepEvery := w.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}

	ready := readyKey(w.Prefix, w.Kind)
	leased := leaseKey(w.Prefix, w.Kind)
	slots := make(chan struct{}, concurrency)
	var inflight sync.WaitGroup
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return nil
		case <-sweep.C:
			if err := w.reclaimLapsed(ctx, ready, leased); err != nil {
				return err
			}
		default:
		}

		raw, env, claimed, err := w.claimNext(ctx, ready, leased, lease)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if !claimed {
			continue
		}

		slots <- struct{}{}
		inflight.Add(1)
		go func(raw string, env envelope) {
			defer inflight.Done()
			defer func() { <-slots }()
			jobCtx, cancel := context.WithTimeout(ctx, softDeadline)
			defer cancel()
			err := w.Handler(jobCtx, Task{
				Kind:           env.Kind,
				Payload:        env.Payload,
				IdempotencyKey: env.Key,
				MaxAttempts:    env.MaxAttempts,
				Attempt:        env.Attempt,
			})
			// Settle with an uncancelable context so a task finishing during
			// shutdown still clears its lease and dedup key.
			settleCtx := context.WithoutCancel(ctx)
			if err != nil {
				w.settleFailure(settleCtx, ready, leased, raw, env, retryBase, err)
				return
			}
			w.settleSuccess(settleCtx, leased, raw, env)
		}(raw, env)
	}
}

// claimNext pops the lowest-scored ready task and leases it. claimed is
// false when nothing was due, in which case claimNext has already idled a
// beat to avoid hammering Redis.
func (w Worker) claimNext(ctx context.Context, ready, leased string, lease time.Duration) (string, envelope, bool, error) {
	popped, err := w.Client.ZPopMin(ctx, ready, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", envelope{}, false, err
	}
	if len(popped) == 0 {
		w.idle(ctx, 100*time.Millisecond)
		return "", envelope{}, false, nil
	}
	member, ok := popped[0].Member.(string)
	if !ok {
		return "", envelope{}, false, nil
	}
	env, err := parseEnvelope(member)
	if err != nil {
		w.log().Warn().Str("kind", w.Kind).Msg("queue: dropping undecodable task")
		return "", envelope{}, false, nil
	}

	now := time.Now().UnixNano()
	if env.AvailableAt > now {
		// Due in the future: put it back and nap until then, capped so
		// shutdown and lease sweeps stay responsive.
		w.Client.ZAdd(ctx, ready, redis.Z{Score: float64(env.AvailableAt), Member: member})
		nap := time.Duration(env.AvailableAt - now)
		if nap > time.Second {
			nap = time.Second
		}
		w.idle(ctx, nap)
		return "", envelope{}, false, nil
	}

	env.Attempt++
	raw, err := json.Marshal(env)
	if err != nil {
		return "", envelope{}, false, nil
	}
	deadline := time.Now().Add(lease).UnixNano()
	if err := w.Client.ZAdd(ctx, leased, redis.Z{Score: float64(deadline), Member: string(raw)}).Err(); err != nil {
		return "", envelope{}, false, err
	}
	return string(raw), env, true, nil
}

// settleFailure releases the lease and either schedules a retry with backoff
// or buries the task once its budget is spent.
func (w Worker) settleFailure(ctx context.Context, ready, leased, raw string, env envelope, base time.Duration, cause error) {
	if raw != "" {
		_ = w.Client.ZRem(ctx, leased, raw)
	}
	if env.MaxAttempts > 0 && env.Attempt >= env.MaxAttempts {
		w.bury(ctx, env, cause)
		return
	}
	env.AvailableAt = time.Now().Add(resilience.Backoff(base, env.Attempt, w.RetryJitter)).UnixNano()
	next, err := json.Marshal(env)
	if err != nil {
		return
	}
	QueueProcessedTotal.WithLabelValues(env.Kind, "retry").Inc()
	_ = w.Client.ZAdd(ctx, ready, redis.Z{Score: float64(env.AvailableAt), Member: string(next)}).Err()
}

func (w Worker) settleSuccess(ctx context.Context, leased, raw string, env envelope) {
	if raw != "" {
		_ = w.Client.ZRem(ctx, leased, raw)
	}
	w.releaseDedupe(ctx, env)
	QueueProcessedTotal.WithLabelValues(env.Kind, "success").Inc()
}

// bury records the task in the DLQ store, falling back to a Redis list when
// the store is down, and releases the idempotency guard so the task can be
// enqueued anew.
func (w Worker) bury(ctx context.Context, env envelope, cause error) {
	QueueProcessedTotal.WithLabelValues(env.Kind, "dlq").Inc()
	w.log().Warn().
		Str("kind", env.Kind).
		Str("idem_key", env.Key).
		Int("attempts", env.Attempt).
		Err(cause).
		Msg("queue: task exhausted retries")

	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	defer w.releaseDedupe(ctx, env)

	if w.Store != nil {
		entry := DeadLetter{
			Kind:           env.Kind,
			IdempotencyKey: env.Key,
			Payload:        raw,
			Attempts:       env.Attempt,
		}
		if cause != nil {
			text := cause.Error()
			entry.LastError = &text
		}
		if _, err := w.Store.InsertDeadLetter(ctx, entry); err == nil {
			return
		}
		w.log().Error().Str("kind", env.Kind).Msg("queue: dlq insert failed, keeping task in redis")
	}
	_ = w.Client.LPush(ctx, fallbackDLQKey(w.Prefix, env.Kind), raw).Err()
}

func (w Worker) releaseDedupe(ctx context.Context, env envelope) {
	if env.Key == "" {
		return
	}
	_ = w.Client.Del(ctx, dedupeKey(w.Prefix, env.Kind, env.Key)).Err()
}

// reclaimLapsed moves tasks whose lease expired back to the ready set so
// another worker can pick them up.
func (w Worker) reclaimLapsed(ctx context.Context, ready, leased string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	lapsed, err := w.Client.ZRangeByScore(ctx, leased, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range lapsed {
		env, err := parseEnvelope(raw)
		if err != nil {
			continue
		}
		_ = w.Client.ZRem(ctx, leased, raw).Err()
		env.AvailableAt = time.Now().UnixNano()
		next, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = w.Client.ZAdd(ctx, ready, redis.Z{Score: float64(env.AvailableAt), Member: next}).Err()
	}
	return nil
}

func (w Worker) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
