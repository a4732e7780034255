package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/redirectpay/internal/queue"
)

// TaskSessionExpire is the queue kind for delayed session disposal.
const TaskSessionExpire = "session-expire"

// SessionExpireTask builds the delayed disposal task for one session. The
// idempotency key keeps a session from carrying more than one pending timer.
func SessionExpireTask(sessionID string, delay time.Duration) queue.Task {
	return queue.Task{
		Kind:           TaskSessionExpire,
		Payload:        []byte(sessionID),
		IdempotencyKey: "expire:" + sessionID,
		Delay:          delay,
	}
}

// ExpiryWorker executes session-expire tasks.
type ExpiryWorker struct {
	Svc *Service
}

// Handle disposes the session named by the payload. Settled or vanished
// sessions are a clean no-op, so queue redeliveries are harmless.
func (w ExpiryWorker) Handle(ctx context.Context, payload []byte) error {
	id := strings.TrimSpace(string(payload))
	if id == "" {
		return nil
	}
	return w.Svc.Expire(ctx, id)
}
