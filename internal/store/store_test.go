package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite/sqlitex"

	"friendcal/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvents(owner string) []model.FriendEvent {
	return []model.FriendEvent{{
		ID:           "e1",
		OwnerID:      owner,
		Source:       model.SourceFriend,
		IsFromFriend: true,
		Title:        "lunch",
		Start:        time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		End:          time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC),
	}}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	writtenAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, "owner-1", "w1", sampleEvents("owner-1"), writtenAt))

	events, got, found, err := s.Load(ctx, "owner-1", "w1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sampleEvents("owner-1"), events)
	assert.True(t, got.Equal(writtenAt))
}

func TestLoadMissOnUnknownKey(t *testing.T) {
	s := openTestStore(t)

	_, _, found, err := s.Load(context.Background(), "owner-1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleEvents("owner-1")
	require.NoError(t, s.Save(ctx, "owner-1", "w1", first, time.Now()))

	second := sampleEvents("owner-1")
	second[0].Title = "updated"
	require.NoError(t, s.Save(ctx, "owner-1", "w1", second, time.Now()))

	events, _, found, err := s.Load(ctx, "owner-1", "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, events, 1)
	assert.Equal(t, "updated", events[0].Title)
}

func TestPurgeOwnerRemovesOnlyThatOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "owner-1", "w1", sampleEvents("owner-1"), time.Now()))
	require.NoError(t, s.Save(ctx, "owner-1", "w2", sampleEvents("owner-1"), time.Now()))
	require.NoError(t, s.Save(ctx, "owner-2", "w1", sampleEvents("owner-2"), time.Now()))

	require.NoError(t, s.PurgeOwner(ctx, "owner-1"))

	rows, err := s.OwnerRows(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rows, "purged owner holds zero records")

	rows, err = s.OwnerRows(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, 1, rows, "other owners must be untouched")
}

func TestCorruptPayloadTreatedAsMiss(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Plant a row whose payload is not valid JSON.
	conn, err := s.pool.Take(ctx)
	require.NoError(t, err)
	err = sqlitex.Execute(conn,
		`INSERT INTO window_cache (owner_id, window_key, payload, written_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{"owner-1", "w1", "{not json", time.Now().UnixMilli()}})
	s.pool.Put(conn)
	require.NoError(t, err)

	_, _, found, err := s.Load(ctx, "owner-1", "w1")
	assert.ErrorIs(t, err, ErrCacheCorrupt)
	assert.False(t, found)

	// The corrupt row is gone; the next read is a clean miss.
	_, _, found, err = s.Load(ctx, "owner-1", "w1")
	require.NoError(t, err)
	assert.False(t, found)
}
