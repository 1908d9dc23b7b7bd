package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akaverin/sessionguard/internal/apperrors"
	"github.com/akaverin/sessionguard/internal/models"
)

// Subset of pgx methods the store needs
// Satisfied by *pgxpool.Pool and pgx.Tx both
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	defaultMaxPerOwner      = 5
	defaultInactivityWindow = 7 * 24 * time.Hour
)

type StoreConfig struct {
	MaxPerOwner      int
	InactivityWindow time.Duration
}

// Postgres refresh record store
// Implements the same contract as the in-memory one but survives restarts
type Store struct {
	DB DBTX

	maxPerOwner      int
	inactivityWindow time.Duration
}

func NewStore(db DBTX, cfg StoreConfig) *Store {
	if cfg.MaxPerOwner == 0 {
		cfg.MaxPerOwner = defaultMaxPerOwner
	}
	if cfg.InactivityWindow == 0 {
		cfg.InactivityWindow = defaultInactivityWindow
	}

	return &Store{
		DB:               db,
		maxPerOwner:      cfg.MaxPerOwner,
		inactivityWindow: cfg.InactivityWindow,
	}
}

const evictOverCap = `-- name: Evict owner records over the per-owner cap
DELETE FROM refresh_records
WHERE id IN (
    SELECT id FROM refresh_records
    WHERE owner_id = $1 AND expires_at > $2 AND last_used_at > $3
    ORDER BY last_used_at DESC
    OFFSET $4
)`

const saveRecord = `-- name: Save refresh record
INSERT INTO refresh_records (id, owner_id, family_id, created_at, last_used_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

func (s *Store) Save(ctx context.Context, record models.RefreshRecord) error {
	if !record.ExpiresAt.After(record.CreatedAt) {
		return fmt.Errorf("record %s: expiry %v is not after creation %v", record.ID, record.ExpiresAt, record.CreatedAt)
	}

	// Keep at most maxPerOwner-1 newest live records, so the insert fits the cap
	now := time.Now()
	_, err := s.DB.Exec(ctx, evictOverCap, record.OwnerID, now, now.Add(-s.inactivityWindow), s.maxPerOwner-1)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	rows, _ := s.DB.Query(ctx, saveRecord,
		record.ID, record.OwnerID, record.FamilyID, record.CreatedAt, record.LastUsedAt, record.ExpiresAt)
	_, err = pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
		return fmt.Errorf("record %s saved already: %w", record.ID, err)
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

const getRecord = `-- name: Get live record by id
SELECT id, owner_id, family_id, created_at, last_used_at, expires_at
FROM refresh_records
WHERE id = $1 AND expires_at > $2 AND last_used_at > $3`

func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.RefreshRecord, error) {
	now := time.Now()
	rows, _ := s.DB.Query(ctx, getRecord, id, now, now.Add(-s.inactivityWindow))
	record, err := pgx.CollectOneRow(rows, rowToRecord)

	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, pgx.ErrNoRows):
		return record, fmt.Errorf("record %s: %w", id, apperrors.ErrTokenNotFound)
	default:
		return record, fmt.Errorf("db error: %w", err)
	}
}

const touchRecord = `-- name: Update last use time
UPDATE refresh_records
SET last_used_at = $2
WHERE id = $1
RETURNING id`

func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	rows, _ := s.DB.Query(ctx, touchRecord, id, time.Now())
	_, err := pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])

	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("record %s: %w", id, apperrors.ErrTokenNotFound)
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM refresh_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) DeleteFamily(ctx context.Context, familyID uuid.UUID) (int, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM refresh_records WHERE family_id = $1`, familyID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM refresh_records WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const sweepExpired = `-- name: Sweep expired and idle records
DELETE FROM refresh_records
WHERE expires_at <= $1 OR last_used_at <= $2`

func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	tag, err := s.DB.Exec(ctx, sweepExpired, now, now.Add(-s.inactivityWindow))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const enforceCapacity = `-- name: Evict oldest records over the global cap
DELETE FROM refresh_records
WHERE id IN (
    SELECT id FROM refresh_records
    ORDER BY last_used_at DESC
    OFFSET $1
)`

func (s *Store) EnforceCapacity(ctx context.Context, max int) (int, error) {
	if max < 0 {
		return 0, fmt.Errorf("capacity must not be negative, got %d", max)
	}

	tag, err := s.DB.Exec(ctx, enforceCapacity, max)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func rowToRecord(row pgx.CollectableRow) (models.RefreshRecord, error) {
	var r models.RefreshRecord
	err := row.Scan(&r.ID, &r.OwnerID, &r.FamilyID, &r.CreatedAt, &r.LastUsedAt, &r.ExpiresAt)
	return r, err
}
