package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/redirectpay/internal/lock"
)

// DeliveryWorker adapts Dispatcher.DeliverByID to the queue handler contract,
// serializing attempts per delivery with a distributed lock.
type DeliveryWorker struct {
	Disp    *Dispatcher
	Locker  lock.Locker
	LockTTL time.Duration
}

// Handle processes one queue task whose payload is a delivery row ID.
func (w DeliveryWorker) Handle(ctx context.Context, payload []byte) error {
	if w.Disp == nil {
		return errors.New("webhook worker: no dispatcher wired")
	}
	id := strings.TrimSpace(string(payload))
	if id == "" {
		return nil
	}
	ttl := 30 * time.Second
	if w.LockTTL > 0 {
		ttl = w.LockTTL
	}
	return w.Locker.WithLock(ctx, "lock:delivery:"+id, ttl, func(ctx context.Context) error {
		return w.Disp.DeliverByID(ctx, id)
	})
}
