package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestGetCursor_Missing(t *testing.T) {
	s := testutil.NewTestStore(t)

	cur, err := s.GetCursor(context.Background(), "a", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestAdvanceCursor_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AdvanceCursor(ctx, store.Cursor{
		AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 10, LastTimestamp: t0,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// A batch that completes late must not drag the watermark back.
	ok, err = s.AdvanceCursor(ctx, store.Cursor{
		AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 7, LastTimestamp: t0.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AdvanceCursor(ctx, store.Cursor{
		AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 12, LastTimestamp: t0.Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err := s.GetCursor(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, uint32(12), cur.LastUID)
	assert.Equal(t, uint32(1), cur.UIDValidity)
	// The timestamp keeps the newest value seen.
	assert.Equal(t, t0, cur.LastTimestamp)
}

func TestAdvanceCursor_ConcurrentOutOfOrder(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	var wg sync.WaitGroup
	for uid := uint32(1); uid <= 50; uid++ {
		wg.Add(1)
		go func(uid uint32) {
			defer wg.Done()
			_, err := s.AdvanceCursor(ctx, store.Cursor{
				AccountID: "a", Folder: "INBOX", UIDValidity: 3, LastUID: uid,
			})
			assert.NoError(t, err)
		}(uid)
	}
	wg.Wait()

	cur, err := s.GetCursor(ctx, "a", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, uint32(50), cur.LastUID)
}

func TestAdvanceCursor_RejectsOtherUIDValidity(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.AdvanceCursor(ctx, store.Cursor{AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 5})
	require.NoError(t, err)

	ok, err := s.AdvanceCursor(ctx, store.Cursor{AccountID: "a", Folder: "INBOX", UIDValidity: 2, LastUID: 9})
	require.NoError(t, err)
	assert.False(t, ok)

	cur, err := s.GetCursor(ctx, "a", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cur.UIDValidity)
	assert.Equal(t, uint32(5), cur.LastUID)
}

func TestResetCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.AdvanceCursor(ctx, store.Cursor{
		AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 99, LastTimestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.ResetCursor(ctx, "a", "INBOX", 2))

	cur, err := s.GetCursor(ctx, "a", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cur.UIDValidity)
	assert.Zero(t, cur.LastUID)
	assert.True(t, cur.LastTimestamp.IsZero())

	ok, err := s.AdvanceCursor(ctx, store.Cursor{AccountID: "a", Folder: "INBOX", UIDValidity: 2, LastUID: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListCursors(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	for _, c := range []store.Cursor{
		{AccountID: "b", Folder: "INBOX", UIDValidity: 1, LastUID: 1},
		{AccountID: "a", Folder: "Sent", UIDValidity: 1, LastUID: 2},
		{AccountID: "a", Folder: "INBOX", UIDValidity: 1, LastUID: 3},
	} {
		_, err := s.AdvanceCursor(ctx, c)
		require.NoError(t, err)
	}

	cursors, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 3)
	assert.Equal(t, "a", cursors[0].AccountID)
	assert.Equal(t, "INBOX", cursors[0].Folder)
	assert.Equal(t, "Sent", cursors[1].Folder)
	assert.Equal(t, "b", cursors[2].AccountID)
}
