package common

import "context"

type ctxKey string

const merchantIDKey ctxKey = "auth/merchant-id"

// WithMerchantID tags ctx with the authenticated merchant identifier.
func WithMerchantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, merchantIDKey, id)
}

// MerchantID reads the authenticated merchant identifier, if any.
func MerchantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(merchantIDKey).(string)
	return id, ok
}
