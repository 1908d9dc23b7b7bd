package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/akaverin/sessionguard/internal/handlers/claimsctx"
	"github.com/akaverin/sessionguard/internal/handlers/render"
	"github.com/akaverin/sessionguard/internal/models"
)

type accessVerifier interface {
	// Verify access token and return its claims
	VerifyAccess(ctx context.Context, token string) (models.AccessClaims, error)
}

func AuthMiddleware(verifier accessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				render.ServiceError(w, "Authorization header format must be Bearer <token>", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyAccess(r.Context(), token)
			if err != nil {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := claimsctx.New(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
