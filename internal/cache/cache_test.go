package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"friendcal/internal/clock"
	"friendcal/internal/model"
)

func someEvents(owner string) []model.FriendEvent {
	return []model.FriendEvent{{
		ID:      "e1",
		OwnerID: owner,
		Start:   time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC),
	}}
}

func TestGetReturnsFreshEntry(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	c := New(15*time.Minute, clk)

	c.Put("owner-1", "w1", someEvents("owner-1"))

	clk.Advance(14 * time.Minute)
	got, ok := c.Get("owner-1", "w1")
	require.True(t, ok)
	assert.Equal(t, someEvents("owner-1"), got)
}

func TestEntryStaleAtExactlyTTL(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	c := New(15*time.Minute, clk)

	c.Put("owner-1", "w1", someEvents("owner-1"))

	// An entry written at t0 is stale at any read at t >= t0 + TTL.
	clk.Advance(15 * time.Minute)
	_, ok := c.Get("owner-1", "w1")
	assert.False(t, ok)
}

func TestGetMissOnUnknownKeys(t *testing.T) {
	c := New(0, clock.Fake(time.Now()))
	_, ok := c.Get("nobody", "w1")
	assert.False(t, ok)

	c.Put("owner-1", "w1", nil)
	_, ok = c.Get("owner-1", "other-window")
	assert.False(t, ok)
}

func TestPurgeRemovesAllOwnerWindows(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	c := New(15*time.Minute, clk)

	c.Put("owner-1", "w1", someEvents("owner-1"))
	c.Put("owner-1", "w2", someEvents("owner-1"))
	c.Put("owner-2", "w1", someEvents("owner-2"))

	c.Purge("owner-1")

	assert.Equal(t, 0, c.Windows("owner-1"))
	_, ok := c.Get("owner-1", "w1")
	assert.False(t, ok)
	_, ok = c.Get("owner-1", "w2")
	assert.False(t, ok)

	// Other owners are untouched.
	_, ok = c.Get("owner-2", "w1")
	assert.True(t, ok)
}

func TestPutRefreshesWriteTime(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	c := New(15*time.Minute, clk)

	c.Put("owner-1", "w1", someEvents("owner-1"))
	clk.Advance(10 * time.Minute)
	c.Put("owner-1", "w1", someEvents("owner-1"))
	clk.Advance(10 * time.Minute)

	// 20 minutes after the first write but only 10 after the second.
	_, ok := c.Get("owner-1", "w1")
	assert.True(t, ok)
}
