package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SendGuard suppresses duplicate sends of the same (endpoint, event) pair
// inside a TTL window. Admin replays release the guard before queueing the
// delivery again.
type SendGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func replayKey(endpointID, eventID uuid.UUID) string {
	return "wh:" + endpointID.String() + ":" + eventID.String()
}

// RedisSendGuard backs the guard with a Redis SETNX key. A nil client grants
// every acquire.
type RedisSendGuard struct {
	Client *redis.Client
}

// Acquire claims key for ttl. False means another send already holds it.
func (g RedisSendGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.Client == nil {
		return true, nil
	}
	return g.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops the guard so the pair can be sent again.
func (g RedisSendGuard) Release(ctx context.Context, key string) error {
	if g.Client == nil {
		return nil
	}
	return g.Client.Del(ctx, key).Err()
}
