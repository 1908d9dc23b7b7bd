package apperrors

import (
	"errors"
)

// Expected token verification failures
// Always returned wrapped, callers check with errors.Is and map to responses
var (
	ErrTokenExpired          = errors.New("token is expired")
	ErrTokenRevoked          = errors.New("token is revoked")
	ErrTokenNotFound         = errors.New("token not found")
	ErrTokenSignatureInvalid = errors.New("token signature is invalid")
	ErrTokenWrongType        = errors.New("token has wrong type")
	ErrTokenMalformed        = errors.New("token is malformed")

	// Rotated away token presented again: the whole family gets revoked
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
)
