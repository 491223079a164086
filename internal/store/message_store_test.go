package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestUpsertMessage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := testutil.NewTestRecord("a", "INBOX", 7, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	rec.Cc = []string{"cc@example.com"}
	rec.References = []string{"root@x", "parent@x"}
	rec.ThreadID = "root@x"
	rec.InReplyTo = "parent@x"
	rec.Attachments = []model.Attachment{{Filename: "a.pdf", Size: 10, ContentType: "application/pdf"}}
	rec.BodyTruncated = true

	require.NoError(t, s.UpsertMessage(ctx, rec))

	got, err := s.GetMessage(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestUpsertMessage_IdempotentAndKeepsLabel(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	rec := testutil.NewTestRecord("a", "INBOX", 1, time.Now())
	require.NoError(t, s.UpsertMessage(ctx, rec))
	require.NoError(t, s.UpdateLabel(ctx, rec.ID, model.CategoryInterested))

	// Redelivery of the same record is a no-op apart from refreshed fields.
	again := *rec
	again.Subject = "edited"
	require.NoError(t, s.UpsertMessage(ctx, &again))
	require.NoError(t, s.UpsertMessage(ctx, &again))

	all, err := s.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "edited", all[0].Subject)
	assert.Equal(t, model.CategoryInterested, all[0].Label)
}

func TestListMessages_Filters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, r := range []*model.MessageRecord{
		testutil.NewTestRecord("a", "INBOX", 1, base),
		testutil.NewTestRecord("a", "INBOX", 2, base.Add(time.Hour)),
		testutil.NewTestRecord("a", "Sent", 3, base),
		testutil.NewTestRecord("b", "INBOX", 4, base),
	} {
		require.NoError(t, s.UpsertMessage(ctx, r), "record %d", i)
	}
	require.NoError(t, s.UpdateLabel(ctx, "a-INBOX-2", model.CategorySpam))

	inbox, err := s.ListMessages(ctx, store.MessageFilter{AccountID: "a", Folder: "INBOX"})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, uint32(2), inbox[0].UID, "newest first")

	spam := model.CategorySpam
	labelled, err := s.ListMessages(ctx, store.MessageFilter{Label: &spam})
	require.NoError(t, err)
	require.Len(t, labelled, 1)
	assert.Equal(t, "a-INBOX-2", labelled[0].ID)

	limited, err := s.ListMessages(ctx, store.MessageFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestUpdateLabel_Missing(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.UpdateLabel(context.Background(), "nope", model.CategorySpam)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.GetMessage(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	n := model.Notification{
		MessageID: "rec-1",
		AccountID: "a",
		Category:  model.CategoryInterested,
		Message:   "Interested reply from x",
	}
	require.NoError(t, s.CreateNotification(ctx, n))
	// Classifying the same record again does not notify twice.
	require.NoError(t, s.CreateNotification(ctx, n))

	unread, err := s.GetUnreadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "rec-1", unread[0].MessageID)
	assert.Equal(t, model.CategoryInterested, unread[0].Category)
	assert.NotEmpty(t, unread[0].ID)

	require.NoError(t, s.MarkNotificationRead(ctx, unread[0].ID))
	unread, err = s.GetUnreadNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestDeliveryLog(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	f := store.DeliveryFailure{
		AccountID: "a", Folder: "INBOX", UIDValidity: 1, UID: 5,
		RecordID: "rec-5", Reason: "sink down",
	}

	attempts, quarantined, err := s.RecordFailure(ctx, f, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, quarantined)

	// Success clears the counter.
	require.NoError(t, s.ClearFailure(ctx, "a", "INBOX", 1, 5))
	attempts, _, err = s.RecordFailure(ctx, f, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	_, _, err = s.RecordFailure(ctx, f, 3)
	require.NoError(t, err)
	attempts, quarantined, err = s.RecordFailure(ctx, f, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, quarantined)

	// Quarantined entries survive ClearFailure.
	require.NoError(t, s.ClearFailure(ctx, "a", "INBOX", 1, 5))
	entries, err := s.ListQuarantine(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rec-5", entries[0].RecordID)
	assert.Equal(t, uint32(5), entries[0].UID)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "sink down", entries[0].Reason)
}
