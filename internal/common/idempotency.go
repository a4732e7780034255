package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem provides an Idempotency-Key middleware backed by Redis. Keys are scoped
// per method and path so a retry of one endpoint never blocks another.
type Idem struct {
	Client *redis.Client
	TTL    time.Duration
}

// fingerprint collapses method, path and caller key into a fixed-size Redis
// key; header values can be arbitrarily long.
func fingerprint(method, path, key string) string {
	sum := sha256.Sum256([]byte(method + " " + path + " " + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints. The first
// request with a given key proceeds; duplicates inside the TTL get a 409.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerKey := r.Header.Get("Idempotency-Key")
		if callerKey == "" || i.Client == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := fingerprint(r.Method, r.URL.Path, callerKey)
		first, err := i.Client.SetNX(r.Context(), key, "locked", i.TTL).Result()
		switch {
		case err != nil:
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		case !first:
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", map[string]any{
				"idempotency_key": callerKey,
			})
			return
		}
		// Refresh the TTL on the way out so the key outlives handler panics.
		defer func() {
			_ = i.Client.Expire(context.Background(), key, i.TTL).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
