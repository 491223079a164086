package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestRecord returns a minimal record for account/folder/uid with a
// deterministic id.
func NewTestRecord(accountID, folder string, uid uint32, ts time.Time) *model.MessageRecord {
	return &model.MessageRecord{
		ID:        fmt.Sprintf("%s-%s-%d", accountID, folder, uid),
		AccountID: accountID,
		Folder:    folder,
		UID:       uid,
		MessageID: fmt.Sprintf("%d@%s.test", uid, accountID),
		From:      "sender@example.com",
		To:        []string{"me@example.com"},
		Subject:   fmt.Sprintf("message %d", uid),
		Timestamp: ts.UTC(),
		TextBody:  "hello",
		Label:     model.CategoryUnclassified,
		FetchedAt: ts.UTC(),
	}
}
