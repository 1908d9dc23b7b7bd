package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Blacklist of revoked tokens
// Keys are sha256 of the raw token so revoked JWTs are not stored verbatim
// Entries expire together with the original token and get pruned
type Blacklist struct {
	mu sync.Mutex

	entries map[string]time.Time // token hash -> expiry

	now func() time.Time
}

func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (b *Blacklist) Add(token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("blacklist ttl must be positive, got %v", ttl)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[hashToken(token)] = b.now().Add(ttl)
	return nil
}

// Contains reports whether the token is still revoked
// Expired entries are evicted right at check time
func (b *Blacklist) Contains(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := hashToken(token)
	expiresAt, ok := b.entries[key]
	if !ok {
		return false
	}

	if !b.now().Before(expiresAt) {
		delete(b.entries, key)
		return false
	}
	return true
}

func (b *Blacklist) SweepExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	count := 0
	for key, expiresAt := range b.entries {
		if !now.Before(expiresAt) {
			delete(b.entries, key)
			count++
		}
	}
	return count
}

// EnforceCapacity evicts entries with the nearest expiry first until size <= max
func (b *Blacklist) EnforceCapacity(max int) (int, error) {
	if max < 0 {
		return 0, fmt.Errorf("capacity must not be negative, got %d", max)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	overflow := len(b.entries) - max
	if overflow <= 0 {
		return 0, nil
	}

	type entry struct {
		key       string
		expiresAt time.Time
	}
	all := make([]entry, 0, len(b.entries))
	for key, expiresAt := range b.entries {
		all = append(all, entry{key: key, expiresAt: expiresAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].expiresAt.Before(all[j].expiresAt)
	})

	for _, e := range all[:overflow] {
		delete(b.entries, e.key)
	}
	return overflow, nil
}

// Len counts entries still in force, expired ones do not count
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	count := 0
	for _, expiresAt := range b.entries {
		if now.Before(expiresAt) {
			count++
		}
	}
	return count
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
