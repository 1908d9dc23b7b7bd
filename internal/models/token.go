package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types embedded into the 'typ' claim
// Tokens with any other type must be rejected at parse time
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

type AccessClaims struct {
	jwt.RegisteredClaims
	OwnerID   uuid.UUID         `json:"uid"`
	TokenType string            `json:"typ"`
	Extra     map[string]string `json:"ext,omitempty"`
}

type RefreshClaims struct {
	jwt.RegisteredClaims
	OwnerID   uuid.UUID `json:"uid"`
	TokenType string    `json:"typ"`
	FamilyID  uuid.UUID `json:"fam"`
}

// Server side state of one refresh token
// ID equals the jti of the signed refresh token
type RefreshRecord struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	FamilyID   uuid.UUID
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by the session authority
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken

	// Issuance metadata returned to callers for observability
	FamilyID uuid.UUID
	IssuedAt time.Time
}
