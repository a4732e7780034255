// Package lock provides Redis-backed mutual exclusion for worker tasks that
// must not run concurrently, such as delivery attempts for the same webhook.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 50 * time.Millisecond
)

// unlockScript deletes the key only while it still carries our token, so a
// lock that expired and was re-acquired by another holder is left alone.
var unlockScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Locker serializes work on a key across processes. The zero value is not
// usable; Client must be set.
type Locker struct {
	Client       *redis.Client
	RetryBackoff time.Duration
}

// WithLock runs fn while holding the lock on key. Acquisition spins with
// RetryBackoff between probes until the context ends; the lock is released
// when fn returns, error or not. The TTL bounds how long a crashed holder can
// block others.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	switch {
	case l.Client == nil:
		return errors.New("lock: missing redis client")
	case fn == nil:
		return errors.New("lock: nil callback")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = defaultBackoff
	}

	holder := uuid.NewString()
	for {
		acquired, err := l.Client.SetNX(ctx, key, holder, ttl).Result()
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		probe := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			probe.Stop()
			return ctx.Err()
		case <-probe.C:
		}
	}

	// Release with an uncancelable context so fn exhausting ctx cannot leave
	// the key stuck for the rest of its TTL.
	defer l.unlock(context.WithoutCancel(ctx), key, holder)
	return fn(ctx)
}

func (l Locker) unlock(ctx context.Context, key, holder string) {
	err := unlockScript.Run(ctx, l.Client, []string{key}, holder).Err()
	if err == nil {
		return
	}
	// Servers without scripting get a plain delete; other errors are left to
	// the TTL rather than risking someone else's lock.
	if msg := strings.ToLower(err.Error()); strings.Contains(msg, "unknown command") {
		_ = l.Client.Del(ctx, key).Err()
	}
}
