package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/redirectpay/internal/common"
)

var errNoToken = errors.New("auth: no bearer token")

type ctxKey string

const scopesKey ctxKey = "auth/scopes"

// ScopesFromContext returns the scopes granted to the authenticated caller.
func ScopesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(scopesKey).([]string)
	return v
}

// Middleware wires merchant authentication into HTTP handlers.
type Middleware struct {
	Service *Service
}

// Authenticate attaches the merchant identity to the request context when a
// valid token is present. Requests without a token pass through untouched.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctx, err := m.resolveIdentity(r); err == nil || errors.Is(err, errNoToken) {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth enforces that a valid merchant token is present before executing
// the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.resolveIdentity(r)
		if err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.JSONAppErr(w, appErr)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route on a granted scope. It expects RequireAuth to run
// earlier in the chain; without it every request is rejected.
func (m Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			granted := ScopesFromContext(r.Context())
			for _, s := range granted {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient scope", map[string]any{"required_scope": scope})
		})
	}
}

func (m Middleware) resolveIdentity(r *http.Request) (context.Context, error) {
	if m.Service == nil {
		return r.Context(), errors.New("auth: service not configured")
	}
	token := extractBearer(r)
	if token == "" {
		return r.Context(), errNoToken
	}
	claims, err := m.Service.ParseAccessToken(token)
	if err != nil {
		return r.Context(), err
	}
	ctx := common.WithMerchantID(r.Context(), claims.MerchantID)
	if len(claims.Scopes) > 0 {
		ctx = context.WithValue(ctx, scopesKey, claims.Scopes)
	}
	return ctx, nil
}

func extractBearer(r *http.Request) string {
	const prefix = "bearer "
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
