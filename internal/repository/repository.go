package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/akaverin/sessionguard/internal/models"
)

// Refresh record store interface
// Implemented by the in-memory store and by the postgres one
type RecordStore interface {
	// Save record
	// If the owner already holds maxPerOwner live records the oldest by
	// LastUsedAt must be evicted before inserting
	Save(ctx context.Context, record models.RefreshRecord) error

	// Get record by id
	// If record not found must return apperrors.ErrTokenNotFound
	Get(ctx context.Context, id uuid.UUID) (models.RefreshRecord, error)

	// Update LastUsedAt of the record to now
	// If record not found must return apperrors.ErrTokenNotFound
	Touch(ctx context.Context, id uuid.UUID) error

	// Delete record by id
	// Deleting a missing record is not an error
	Delete(ctx context.Context, id uuid.UUID) error

	// Delete every record of the family, return how many were removed
	DeleteFamily(ctx context.Context, familyID uuid.UUID) (int, error)

	// Delete every record of the owner, return how many were removed
	DeleteOwner(ctx context.Context, ownerID uuid.UUID) (int, error)

	// Remove records past expiry or idle longer than the inactivity window
	SweepExpired(ctx context.Context) (int, error)

	// Evict oldest by LastUsedAt across all owners until size <= max
	EnforceCapacity(ctx context.Context, max int) (int, error)
}
