package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akaverin/sessionguard/internal/apperrors"
	"github.com/akaverin/sessionguard/internal/models"
)

const (
	defaultMaxPerOwner      = 5
	defaultInactivityWindow = 7 * 24 * time.Hour
)

type StoreConfig struct {
	// How many live records one owner may hold
	// If not set then default is used
	MaxPerOwner int

	// Record is invalid if it was not used longer than this window
	// If not set then default is used
	InactivityWindow time.Duration
}

// In-memory refresh record store
// All operations are plain map manipulations guarded by one mutex, no I/O
type Store struct {
	mu sync.RWMutex

	records          map[uuid.UUID]models.RefreshRecord
	maxPerOwner      int
	inactivityWindow time.Duration

	now func() time.Time
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxPerOwner == 0 {
		cfg.MaxPerOwner = defaultMaxPerOwner
	}
	if cfg.InactivityWindow == 0 {
		cfg.InactivityWindow = defaultInactivityWindow
	}

	return &Store{
		records:          make(map[uuid.UUID]models.RefreshRecord),
		maxPerOwner:      cfg.MaxPerOwner,
		inactivityWindow: cfg.InactivityWindow,
		now:              time.Now,
	}
}

func (s *Store) Save(_ context.Context, record models.RefreshRecord) error {
	if !record.ExpiresAt.After(record.CreatedAt) {
		return fmt.Errorf("record %s: expiry %v is not after creation %v", record.ID, record.ExpiresAt, record.CreatedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Per-owner cap: evict oldest by LastUsedAt until there is room
	now := s.now()
	for s.countLiveLocked(record.OwnerID, now) >= s.maxPerOwner {
		if !s.evictOldestLocked(record.OwnerID) {
			break
		}
	}

	s.records[record.ID] = record
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (models.RefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok || !s.liveLocked(record, s.now()) {
		return models.RefreshRecord{}, fmt.Errorf("record %s: %w", id, apperrors.ErrTokenNotFound)
	}
	return record, nil
}

func (s *Store) Touch(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, apperrors.ErrTokenNotFound)
	}

	record.LastUsedAt = s.now()
	s.records[id] = record
	return nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

func (s *Store) DeleteFamily(_ context.Context, familyID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, record := range s.records {
		if record.FamilyID == familyID {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteOwner(_ context.Context, ownerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, record := range s.records {
		if record.OwnerID == ownerID {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, record := range s.records {
		if !s.liveLocked(record, now) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) EnforceCapacity(_ context.Context, max int) (int, error) {
	if max < 0 {
		return 0, fmt.Errorf("capacity must not be negative, got %d", max)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	overflow := len(s.records) - max
	if overflow <= 0 {
		return 0, nil
	}

	// Collect all records sorted oldest-by-LastUsedAt first
	all := make([]models.RefreshRecord, 0, len(s.records))
	for _, record := range s.records {
		all = append(all, record)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastUsedAt.Before(all[j].LastUsedAt)
	})

	for _, record := range all[:overflow] {
		delete(s.records, record.ID)
	}
	return overflow, nil
}

// Count of records currently stored, expired ones included until swept
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

func (s *Store) liveLocked(record models.RefreshRecord, now time.Time) bool {
	if !now.Before(record.ExpiresAt) {
		return false
	}
	return now.Sub(record.LastUsedAt) < s.inactivityWindow
}

func (s *Store) countLiveLocked(ownerID uuid.UUID, now time.Time) int {
	count := 0
	for _, record := range s.records {
		if record.OwnerID == ownerID && s.liveLocked(record, now) {
			count++
		}
	}
	return count
}

// Remove the oldest-by-LastUsedAt record of the owner
// Returns false if the owner holds nothing
func (s *Store) evictOldestLocked(ownerID uuid.UUID) bool {
	var oldestID uuid.UUID
	var oldestAt time.Time
	found := false

	for id, record := range s.records {
		if record.OwnerID != ownerID {
			continue
		}
		if !found || record.LastUsedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = record.LastUsedAt
			found = true
		}
	}

	if found {
		delete(s.records, oldestID)
	}
	return found
}
