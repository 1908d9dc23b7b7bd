package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaverin/sessionguard/internal/apperrors"
	"github.com/akaverin/sessionguard/internal/models"
	"github.com/akaverin/sessionguard/internal/testutil"
)

func makeRecord(ownerID uuid.UUID, expiresIn time.Duration) models.RefreshRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.RefreshRecord{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		FamilyID:   uuid.New(),
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(expiresIn),
	}
}

func Test_Store(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("save and get record ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			record := makeRecord(uuid.New(), time.Hour)

			err := store.Save(t.Context(), record)
			require.NoError(t, err)

			got, err := store.Get(t.Context(), record.ID)

			require.NoError(t, err)
			require.Equal(t, record.ID, got.ID)
			require.Equal(t, record.OwnerID, got.OwnerID)
			require.Equal(t, record.FamilyID, got.FamilyID)
			require.WithinDuration(t, record.CreatedAt, got.CreatedAt, time.Microsecond)
			require.WithinDuration(t, record.ExpiresAt, got.ExpiresAt, time.Microsecond)
		})
	})

	t.Run("save rejects expiry before creation", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			record := makeRecord(uuid.New(), -time.Hour)

			err := store.Save(t.Context(), record)

			require.Error(t, err)
		})
	})

	t.Run("save same id twice fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			record := makeRecord(uuid.New(), time.Hour)

			require.NoError(t, store.Save(t.Context(), record))
			err := store.Save(t.Context(), record)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "saved already")
		})
	})

	t.Run("get expired record not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			record := makeRecord(uuid.New(), time.Millisecond)
			require.NoError(t, store.Save(t.Context(), record))

			time.Sleep(5 * time.Millisecond)
			_, err := store.Get(t.Context(), record.ID)

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrTokenNotFound)
		})
	})

	t.Run("get unknown record not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})

			_, err := store.Get(t.Context(), uuid.New())

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrTokenNotFound)
		})
	})

	t.Run("touch updates last use time", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			record := makeRecord(uuid.New(), time.Hour)
			require.NoError(t, store.Save(t.Context(), record))

			time.Sleep(time.Millisecond)
			err := store.Touch(t.Context(), record.ID)
			require.NoError(t, err)

			got, err := store.Get(t.Context(), record.ID)
			require.NoError(t, err)
			require.True(t, got.LastUsedAt.After(record.LastUsedAt), "last use time should move forward")
		})
	})

	t.Run("touch unknown record not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})

			err := store.Touch(t.Context(), uuid.New())

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrTokenNotFound)
		})
	})

	t.Run("save evicts oldest record over the per owner cap", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{MaxPerOwner: 2})
			ownerID := uuid.New()

			first := makeRecord(ownerID, time.Hour)
			require.NoError(t, store.Save(t.Context(), first))

			// Touch so orderings by last use are deterministic
			second := makeRecord(ownerID, time.Hour)
			second.LastUsedAt = second.LastUsedAt.Add(time.Second)
			require.NoError(t, store.Save(t.Context(), second))

			third := makeRecord(ownerID, time.Hour)
			third.LastUsedAt = third.LastUsedAt.Add(2 * time.Second)
			require.NoError(t, store.Save(t.Context(), third))

			_, err := store.Get(t.Context(), first.ID)
			assert.ErrorIs(t, err, apperrors.ErrTokenNotFound, "oldest record should be evicted")

			_, err = store.Get(t.Context(), second.ID)
			assert.NoError(t, err)
			_, err = store.Get(t.Context(), third.ID)
			assert.NoError(t, err)
		})
	})

	t.Run("cap is per owner", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{MaxPerOwner: 1})

			mine := makeRecord(uuid.New(), time.Hour)
			other := makeRecord(uuid.New(), time.Hour)
			require.NoError(t, store.Save(t.Context(), mine))
			require.NoError(t, store.Save(t.Context(), other))

			_, err := store.Get(t.Context(), mine.ID)
			assert.NoError(t, err, "record of another owner should not push mine out")
		})
	})

	t.Run("delete family kills siblings only", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			ownerID := uuid.New()

			doomed := makeRecord(ownerID, time.Hour)
			sibling := makeRecord(ownerID, time.Hour)
			sibling.ID = uuid.New()
			sibling.FamilyID = doomed.FamilyID
			unrelated := makeRecord(ownerID, time.Hour)

			for _, r := range []models.RefreshRecord{doomed, sibling, unrelated} {
				require.NoError(t, store.Save(t.Context(), r))
			}

			n, err := store.DeleteFamily(t.Context(), doomed.FamilyID)

			require.NoError(t, err)
			require.Equal(t, 2, n)
			_, err = store.Get(t.Context(), unrelated.ID)
			assert.NoError(t, err, "unrelated family should survive")
		})
	})

	t.Run("delete owner kills all owner records", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})
			ownerID := uuid.New()

			require.NoError(t, store.Save(t.Context(), makeRecord(ownerID, time.Hour)))
			require.NoError(t, store.Save(t.Context(), makeRecord(ownerID, time.Hour)))
			stranger := makeRecord(uuid.New(), time.Hour)
			require.NoError(t, store.Save(t.Context(), stranger))

			n, err := store.DeleteOwner(t.Context(), ownerID)

			require.NoError(t, err)
			require.Equal(t, 2, n)
			_, err = store.Get(t.Context(), stranger.ID)
			assert.NoError(t, err)
		})
	})

	t.Run("sweep removes expired records", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})

			expired := makeRecord(uuid.New(), time.Millisecond)
			alive := makeRecord(uuid.New(), time.Hour)
			require.NoError(t, store.Save(t.Context(), expired))
			require.NoError(t, store.Save(t.Context(), alive))

			time.Sleep(5 * time.Millisecond)
			n, err := store.SweepExpired(t.Context())

			require.NoError(t, err)
			require.Equal(t, 1, n)
			_, err = store.Get(t.Context(), alive.ID)
			assert.NoError(t, err)
		})
	})

	t.Run("enforce capacity evicts least recently used", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})

			oldest := makeRecord(uuid.New(), time.Hour)
			newest := makeRecord(uuid.New(), time.Hour)
			newest.LastUsedAt = newest.LastUsedAt.Add(time.Second)
			require.NoError(t, store.Save(t.Context(), oldest))
			require.NoError(t, store.Save(t.Context(), newest))

			n, err := store.EnforceCapacity(t.Context(), 1)

			require.NoError(t, err)
			require.Equal(t, 1, n)
			_, err = store.Get(t.Context(), oldest.ID)
			assert.ErrorIs(t, err, apperrors.ErrTokenNotFound)
			_, err = store.Get(t.Context(), newest.ID)
			assert.NoError(t, err)
		})
	})

	t.Run("enforce negative capacity fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			store := NewStore(tx, StoreConfig{})

			_, err := store.EnforceCapacity(t.Context(), -1)

			require.Error(t, err)
		})
	})
}
