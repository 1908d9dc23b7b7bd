package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlacklist() (*Blacklist, *fakeClock) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	blacklist := NewBlacklist()
	blacklist.now = clock.Now
	return blacklist, clock
}

func Test_Blacklist(t *testing.T) {
	t.Parallel()

	t.Run("add and contains", func(t *testing.T) {
		blacklist, _ := newTestBlacklist()

		require.NoError(t, blacklist.Add("some-token", time.Hour))

		assert.True(t, blacklist.Contains("some-token"))
		assert.False(t, blacklist.Contains("other-token"))
	})

	t.Run("add rejects non positive ttl", func(t *testing.T) {
		blacklist, _ := newTestBlacklist()

		require.Error(t, blacklist.Add("some-token", 0))
		require.Error(t, blacklist.Add("some-token", -time.Second))
	})

	t.Run("entry expires", func(t *testing.T) {
		blacklist, clock := newTestBlacklist()
		require.NoError(t, blacklist.Add("some-token", time.Hour))

		clock.Advance(time.Hour)

		assert.False(t, blacklist.Contains("some-token"), "entry past ttl must not count as revoked")
		assert.Equal(t, 0, blacklist.Len(), "expired entry must not count toward size")
	})

	t.Run("sweep expired", func(t *testing.T) {
		blacklist, clock := newTestBlacklist()
		require.NoError(t, blacklist.Add("short", time.Minute))
		require.NoError(t, blacklist.Add("long", time.Hour))

		clock.Advance(30 * time.Minute)
		count := blacklist.SweepExpired()

		assert.Equal(t, 1, count)
		assert.True(t, blacklist.Contains("long"))
	})

	t.Run("enforce capacity evicts nearest expiry first", func(t *testing.T) {
		blacklist, _ := newTestBlacklist()
		for i := 1; i <= 5; i++ {
			require.NoError(t, blacklist.Add(fmt.Sprintf("token-%d", i), time.Duration(i)*time.Hour))
		}

		count, err := blacklist.EnforceCapacity(3)

		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.False(t, blacklist.Contains("token-1"))
		assert.False(t, blacklist.Contains("token-2"))
		assert.True(t, blacklist.Contains("token-5"))
	})

	t.Run("enforce capacity rejects negative max", func(t *testing.T) {
		blacklist, _ := newTestBlacklist()

		_, err := blacklist.EnforceCapacity(-1)

		require.Error(t, err)
	})
}
