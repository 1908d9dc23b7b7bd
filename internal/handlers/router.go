package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/akaverin/sessionguard/internal/breaker"
	"github.com/akaverin/sessionguard/internal/handlers/middleware"
	"github.com/akaverin/sessionguard/internal/health"
	"github.com/akaverin/sessionguard/internal/logger"
	"github.com/akaverin/sessionguard/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	session sessionService,
	checker healthChecker,
	breakers breakerRegistry,
	logger logger.Logger,
) http.Handler {
	authMiddleware := middleware.AuthMiddleware(session)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}

	apisession := http.NewServeMux()

	apisession.Handle("POST /tokens", handleIssueTokens(session, logger))
	apisession.Handle("POST /refresh", handleRefresh(session, logger))
	apisession.Handle("POST /revoke", handleRevoke(session, logger))

	apisession.Handle("POST /revoke_all", withAuth(handleRevokeAll(session, logger)))
	apisession.Handle("GET /me", withAuth(handleMe()))

	root := http.NewServeMux()
	root.Handle("/api/session/", http.StripPrefix("/api/session", apisession))

	root.Handle("GET /api/breakers", handleBreakerStates(breakers))
	root.Handle("POST /api/breakers/reset", handleBreakerReset(breakers, logger))

	root.Handle("GET /health", handleHealth(checker))
	root.Handle("GET /health/quick", handleHealthQuick(checker))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type sessionService interface {
	// Issue an access and refresh pair opening a new token family
	IssuePair(ctx context.Context, ownerID uuid.UUID, extra map[string]string) (models.TokenPair, error)

	// Rotate refresh token keeping the family
	// If the token was already rotated: has to return apperrors.ErrTokenReuseDetected
	// If the token expired: has to return apperrors.ErrTokenExpired
	Rotate(ctx context.Context, token string, extra map[string]string) (models.TokenPair, error)

	// Verify access token and return its claims
	VerifyAccess(ctx context.Context, token string) (models.AccessClaims, error)

	// Revoke a single token of either type
	Revoke(ctx context.Context, token string) error

	// Revoke every live session of the owner, return how many records died
	RevokeOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
}

type healthChecker interface {
	Check(ctx context.Context) health.Report
	QuickCheck(ctx context.Context) health.Report
}

type breakerRegistry interface {
	States() map[string]breaker.Stats
	ResetAll()
}
