package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/akaverin/sessionguard/internal/apperrors"
	"github.com/akaverin/sessionguard/internal/handlers/claimsctx"
	"github.com/akaverin/sessionguard/internal/handlers/render"
	"github.com/akaverin/sessionguard/internal/logger"
	"github.com/akaverin/sessionguard/internal/models"
)

type pairMetadata struct {
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	FamilyID         uuid.UUID `json:"family_id"`
	IssuedAt         time.Time `json:"issued_at"`
}

type tokenPairResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	Metadata     pairMetadata `json:"metadata"`
}

func pairResponse(pair models.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.Access.Value,
		RefreshToken: pair.Refresh.Value,
		Metadata: pairMetadata{
			AccessExpiresAt:  pair.Access.ExpiresAt,
			RefreshExpiresAt: pair.Refresh.ExpiresAt,
			FamilyID:         pair.FamilyID,
			IssuedAt:         pair.IssuedAt,
		},
	}
}

func handleIssueTokens(session sessionService, logger logger.Logger) http.Handler {
	type request struct {
		OwnerID uuid.UUID         `json:"owner_id" validate:"required"`
		Claims  map[string]string `json:"claims"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := session.IssuePair(r.Context(), data.OwnerID, data.Claims)
		if err != nil {
			logger.Error("failed to issue token pair", "error", err, "owner_id", data.OwnerID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, pairResponse(pair))
	})
}

func handleRefresh(session sessionService, logger logger.Logger) http.Handler {
	type request struct {
		RefreshToken string            `json:"refresh_token" validate:"required"`
		Claims       map[string]string `json:"claims"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := session.Rotate(r.Context(), data.RefreshToken, data.Claims)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrTokenReuseDetected):
				render.ServiceError(w, "Refresh token reuse detected, session revoked", http.StatusUnauthorized)
			case errors.Is(err, apperrors.ErrTokenExpired):
				render.ServiceError(w, "Refresh token expired", http.StatusUnauthorized)
			case isTokenRejected(err):
				render.ServiceError(w, "Invalid refresh token", http.StatusUnauthorized)
			default:
				logger.Error("failed to rotate refresh token", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, pairResponse(pair))
	})
}

func handleRevoke(session sessionService, logger logger.Logger) http.Handler {
	type request struct {
		Token string `json:"token" validate:"required"`
	}
	type response struct {
		Revoked bool `json:"revoked"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		err = session.Revoke(r.Context(), data.Token)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrTokenExpired):
				// Already unusable, nothing left to revoke
				render.JSON(w, response{Revoked: false})
			case isTokenRejected(err):
				render.ServiceError(w, "Invalid token", http.StatusBadRequest)
			default:
				logger.Error("failed to revoke token", "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{Revoked: true})
	})
}

func handleRevokeAll(session sessionService, logger logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
		Revoked int    `json:"revoked_count"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := claimsctx.FromContext(r.Context())

		revoked, err := session.RevokeOwner(r.Context(), claims.OwnerID)
		if err != nil {
			logger.Error("failed to revoke owner sessions", "error", err, "owner_id", claims.OwnerID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, response{Message: "All sessions revoked", Revoked: revoked})
	})
}

func handleMe() http.Handler {
	type response struct {
		OwnerID   uuid.UUID         `json:"owner_id"`
		TokenID   string            `json:"token_id"`
		ExpiresAt time.Time         `json:"expires_at"`
		Claims    map[string]string `json:"claims,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := claimsctx.FromContext(r.Context())
		render.JSON(w, response{
			OwnerID:   claims.OwnerID,
			TokenID:   claims.ID,
			ExpiresAt: claims.ExpiresAt.Time,
			Claims:    claims.Extra,
		})
	})
}

// isTokenRejected tells a bad token apart from an infrastructure failure
func isTokenRejected(err error) bool {
	return errors.Is(err, apperrors.ErrTokenMalformed) ||
		errors.Is(err, apperrors.ErrTokenSignatureInvalid) ||
		errors.Is(err, apperrors.ErrTokenWrongType) ||
		errors.Is(err, apperrors.ErrTokenRevoked) ||
		errors.Is(err, apperrors.ErrTokenNotFound)
}
