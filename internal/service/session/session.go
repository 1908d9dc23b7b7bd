package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/akaverin/sessionguard/internal/apperrors"
	"github.com/akaverin/sessionguard/internal/logger"
	"github.com/akaverin/sessionguard/internal/models"
	"github.com/akaverin/sessionguard/internal/repository"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 24 * time.Hour
	defaultSigningMethod   = "HS256"
	defaultMaxRecords      = 10000
	defaultMaxBlacklist    = 10000
)

// Blacklist of revoked tokens with per-entry ttl
type Blacklist interface {
	Add(token string, ttl time.Duration) error
	Contains(token string) bool
	SweepExpired() int
	EnforceCapacity(max int) (int, error)
}

// Session authority with sensible defaults
type Config struct {
	// Secret key to sign tokens
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set then default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set then default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Issuer to stamp into tokens, may be empty
	Issuer string

	// Global caps for the record store and the blacklist
	// If not set then default is used
	MaxRecords   int
	MaxBlacklist int
}

// Authority issues, verifies, rotates and revokes token pairs
// Owns one record store and one blacklist, never shares them outside
type Authority struct {
	key string
	alg jwt.SigningMethod

	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string

	maxRecords   int
	maxBlacklist int

	records   repository.RecordStore
	blacklist Blacklist
	logger    logger.Logger

	// Serializes the check-then-delete of rotation so two rotations of the
	// same token can never both succeed
	rotateMu sync.Mutex

	now func() time.Time
}

func New(cfg Config, records repository.RecordStore, blacklist Blacklist, log logger.Logger) (*Authority, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}
	if records == nil || blacklist == nil {
		return nil, errors.New("record store and blacklist must not be nil")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if cfg.MaxRecords == 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.MaxBlacklist == 0 {
		cfg.MaxBlacklist = defaultMaxBlacklist
	}

	return &Authority{
		key:          cfg.SecretKey,
		alg:          alg,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		issuer:       cfg.Issuer,
		maxRecords:   cfg.MaxRecords,
		maxBlacklist: cfg.MaxBlacklist,
		records:      records,
		blacklist:    blacklist,
		logger:       log,
		now:          time.Now,
	}, nil
}

// IssueAccess signs an access token for the owner
// No side effect on the stores
func (a *Authority) IssueAccess(_ context.Context, ownerID uuid.UUID, extra map[string]string) (models.IssuedToken, error) {
	now := a.now().Truncate(time.Second)
	expiresAt := now.Add(a.accessTTL)

	token := jwt.NewWithClaims(a.alg, models.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OwnerID:   ownerID,
		TokenType: models.TokenTypeAccess,
		Extra:     extra,
	})

	signed, err := token.SignedString([]byte(a.key))
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// IssueRefresh signs a refresh token opening a new family and stores its record
func (a *Authority) IssueRefresh(ctx context.Context, ownerID uuid.UUID) (models.IssuedToken, error) {
	return a.issueRefreshInFamily(ctx, ownerID, uuid.New())
}

// IssuePair composes an access and a refresh token with shared issuance metadata
func (a *Authority) IssuePair(ctx context.Context, ownerID uuid.UUID, extra map[string]string) (models.TokenPair, error) {
	familyID := uuid.New()

	access, err := a.IssueAccess(ctx, ownerID, extra)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := a.issueRefreshInFamily(ctx, ownerID, familyID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{
		Access:   access,
		Refresh:  refresh,
		FamilyID: familyID,
		IssuedAt: a.now().Truncate(time.Second),
	}, nil
}

func (a *Authority) issueRefreshInFamily(ctx context.Context, ownerID uuid.UUID, familyID uuid.UUID) (models.IssuedToken, error) {
	now := a.now().Truncate(time.Second)
	expiresAt := now.Add(a.refreshTTL)
	recordID := uuid.New()

	token := jwt.NewWithClaims(a.alg, models.RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        recordID.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OwnerID:   ownerID,
		TokenType: models.TokenTypeRefresh,
		FamilyID:  familyID,
	})

	signed, err := token.SignedString([]byte(a.key))
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing refresh token. Err: %w", err)
	}

	// Opportunistic sweep, issuance must not fail because of it
	if count, err := a.records.SweepExpired(ctx); err != nil {
		a.logger.Warn("Record sweep on issuance failed", "error", err)
	} else if count > 0 {
		a.logger.Debug("Swept expired records on issuance", "count", count)
	}

	err = a.records.Save(ctx, models.RefreshRecord{
		ID:         recordID,
		OwnerID:    ownerID,
		FamilyID:   familyID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while saving refresh record. Err: %w", err)
	}

	if count, err := a.records.EnforceCapacity(ctx, a.maxRecords); err != nil {
		a.logger.Warn("Record capacity enforcement failed", "error", err)
	} else if count > 0 {
		a.logger.Warn("Record store over capacity, evicted oldest", "count", count)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// VerifyAccess checks the blacklist, then signature, expiry and token type
func (a *Authority) VerifyAccess(_ context.Context, token string) (models.AccessClaims, error) {
	if a.blacklist.Contains(token) {
		return models.AccessClaims{}, fmt.Errorf("access token: %w", apperrors.ErrTokenRevoked)
	}

	claims := &models.AccessClaims{}
	err := a.parse(token, claims)
	if err != nil {
		return models.AccessClaims{}, err
	}
	if claims.TokenType != models.TokenTypeAccess {
		return models.AccessClaims{}, fmt.Errorf("token type %q: %w", claims.TokenType, apperrors.ErrTokenWrongType)
	}

	return *claims, nil
}

// VerifyRefresh additionally checks the record store and updates the last use time
func (a *Authority) VerifyRefresh(ctx context.Context, token string) (models.RefreshClaims, error) {
	claims, _, err := a.verifyRefresh(ctx, token)
	if err != nil {
		return models.RefreshClaims{}, err
	}

	if err := a.records.Touch(ctx, mustRecordID(claims)); err != nil {
		return models.RefreshClaims{}, fmt.Errorf("refresh record: %w", err)
	}

	return claims, nil
}

// Rotate consumes a refresh token and issues a new pair in the same family
// Presenting an already consumed token proves theft: the whole family gets
// revoked and the call fails with apperrors.ErrTokenReuseDetected
func (a *Authority) Rotate(ctx context.Context, token string, extra map[string]string) (models.TokenPair, error) {
	a.rotateMu.Lock()
	defer a.rotateMu.Unlock()

	claims, known, err := a.verifyRefresh(ctx, token)
	if err != nil {
		return models.TokenPair{}, err
	}

	if !known {
		// Signature is valid but the record is gone: the token was rotated
		// away before, someone replays it now
		count, err := a.records.DeleteFamily(ctx, claims.FamilyID)
		if err != nil {
			a.logger.Error("Family revocation failed", "family_id", claims.FamilyID, "error", err)
		}
		if err := a.blacklistToken(token, claims.ExpiresAt.Time); err != nil {
			a.logger.Error("Blacklisting replayed token failed", "error", err)
		}
		a.logger.Warn("Refresh token reuse detected, family revoked",
			"owner_id", claims.OwnerID,
			"family_id", claims.FamilyID,
			"revoked_records", count,
		)
		return models.TokenPair{}, fmt.Errorf("refresh token replayed: %w", apperrors.ErrTokenReuseDetected)
	}

	// Consume the old token and blacklist it for its remaining lifetime
	if err := a.records.Delete(ctx, mustRecordID(claims)); err != nil {
		return models.TokenPair{}, fmt.Errorf("error while consuming refresh record. Err: %w", err)
	}
	if err := a.blacklistToken(token, claims.ExpiresAt.Time); err != nil {
		a.logger.Warn("Blacklisting rotated token failed", "error", err)
	}

	access, err := a.IssueAccess(ctx, claims.OwnerID, extra)
	if err != nil {
		return models.TokenPair{}, err
	}
	refresh, err := a.issueRefreshInFamily(ctx, claims.OwnerID, claims.FamilyID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{
		Access:   access,
		Refresh:  refresh,
		FamilyID: claims.FamilyID,
		IssuedAt: a.now().Truncate(time.Second),
	}, nil
}

// Revoke blacklists the token until its natural expiry
// A refresh token loses its store record too
func (a *Authority) Revoke(ctx context.Context, token string) error {
	claims := &models.RefreshClaims{}
	if err := a.parse(token, claims); err != nil {
		return err
	}

	if err := a.blacklistToken(token, claims.ExpiresAt.Time); err != nil {
		return err
	}

	if claims.TokenType == models.TokenTypeRefresh {
		recordID, err := uuid.Parse(claims.ID)
		if err != nil {
			return fmt.Errorf("jti is not an uuid: %w", apperrors.ErrTokenMalformed)
		}
		if err := a.records.Delete(ctx, recordID); err != nil {
			return fmt.Errorf("error while deleting refresh record. Err: %w", err)
		}
	}
	return nil
}

// RevokeOwner drops every refresh record of the owner
// Used on password change or logout-everywhere
func (a *Authority) RevokeOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	count, err := a.records.DeleteOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("error while revoking owner records. Err: %w", err)
	}

	a.logger.Info("Revoked all refresh records for owner", "owner_id", ownerID, "count", count)
	return count, nil
}

// Cleanup sweeps both stores and enforces their caps
// Errors are logged and swallowed: one failed sweep must not stop the next one
func (a *Authority) Cleanup(ctx context.Context) {
	if count, err := a.records.SweepExpired(ctx); err != nil {
		a.logger.Warn("Record sweep failed", "error", err)
	} else if count > 0 {
		a.logger.Debug("Swept expired records", "count", count)
	}

	if count, err := a.records.EnforceCapacity(ctx, a.maxRecords); err != nil {
		a.logger.Warn("Record capacity enforcement failed", "error", err)
	} else if count > 0 {
		a.logger.Warn("Record store over capacity, evicted oldest", "count", count)
	}

	if count := a.blacklist.SweepExpired(); count > 0 {
		a.logger.Debug("Swept expired blacklist entries", "count", count)
	}

	if count, err := a.blacklist.EnforceCapacity(a.maxBlacklist); err != nil {
		a.logger.Warn("Blacklist capacity enforcement failed", "error", err)
	} else if count > 0 {
		a.logger.Warn("Blacklist over capacity, evicted nearest expiry", "count", count)
	}
}

// verifyRefresh checks everything except the record touch
// known reports whether the record store still holds the embedded id
func (a *Authority) verifyRefresh(ctx context.Context, token string) (models.RefreshClaims, bool, error) {
	if a.blacklist.Contains(token) {
		return models.RefreshClaims{}, false, fmt.Errorf("refresh token: %w", apperrors.ErrTokenRevoked)
	}

	claims := &models.RefreshClaims{}
	if err := a.parse(token, claims); err != nil {
		return models.RefreshClaims{}, false, err
	}
	if claims.TokenType != models.TokenTypeRefresh {
		return models.RefreshClaims{}, false, fmt.Errorf("token type %q: %w", claims.TokenType, apperrors.ErrTokenWrongType)
	}

	recordID, err := uuid.Parse(claims.ID)
	if err != nil {
		return models.RefreshClaims{}, false, fmt.Errorf("jti is not an uuid: %w", apperrors.ErrTokenMalformed)
	}

	_, err = a.records.Get(ctx, recordID)
	switch {
	case err == nil:
		return *claims, true, nil
	case errors.Is(err, apperrors.ErrTokenNotFound):
		return *claims, false, nil
	default:
		return models.RefreshClaims{}, false, fmt.Errorf("refresh record lookup: %w", err)
	}
}

// parse validates signature and expiry translating jwt errors to typed reasons
func (a *Authority) parse(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(a.key), nil },
		jwt.WithValidMethods([]string{a.alg.Alg()}),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w", apperrors.ErrTokenExpired)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w", apperrors.ErrTokenSignatureInvalid)
	default:
		return fmt.Errorf("%v: %w", err, apperrors.ErrTokenMalformed)
	}
}

func (a *Authority) blacklistToken(token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(a.now())
	if ttl <= 0 {
		// Nothing to do, expiry already rejects the token
		return nil
	}
	return a.blacklist.Add(token, ttl)
}

func mustRecordID(claims models.RefreshClaims) uuid.UUID {
	// jti format is checked during verification before any caller gets here
	return uuid.MustParse(claims.ID)
}
