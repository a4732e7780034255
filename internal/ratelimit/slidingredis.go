// Package ratelimit throttles abusive clients with a per-key sliding window
// counter in Redis. The return routes sit behind it so a provider redirect
// storm cannot hammer session settlement.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter counts events per key inside a sliding window. Each key maps to a
// Redis sorted set whose scores are event timestamps in nanoseconds.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// Allow records one event for key and reports whether the window still has
// room, how much room is left, and when the window resets. A nil client or a
// non-positive limit or window disables enforcement.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, remaining int, reset time.Time, err error) {
	if l.Client == nil || limit <= 0 || window <= 0 {
		return true, limit, time.Now().Add(window), nil
	}

	now := time.Now()
	reset = now.Add(window)
	bucket := l.Prefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	tx := l.Client.TxPipeline()
	tx.ZRemRangeByScore(ctx, bucket, "-inf", cutoff)
	tx.ZAdd(ctx, bucket, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	count := tx.ZCard(ctx, bucket)
	tx.Expire(ctx, bucket, window)
	if _, err = tx.Exec(ctx); err != nil {
		return false, 0, reset, err
	}

	used := int(count.Val())
	return used <= limit, max(limit-used, 0), reset, nil
}
