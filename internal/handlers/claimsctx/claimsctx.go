package claimsctx

import (
	"context"

	"github.com/akaverin/sessionguard/internal/models"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// Create a new context with the access claims
func New(ctx context.Context, c models.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Extract the access claims from the context
func FromContext(ctx context.Context) (models.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey).(models.AccessClaims)
	return c, ok
}
