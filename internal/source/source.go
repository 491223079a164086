package source

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// FolderStatus is what the server reports when a folder is selected.
type FolderStatus struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	NumMessages uint32
}

// Query selects candidate messages in the selected folder. A non-zero
// AfterUID takes precedence over Since.
type Query struct {
	Since    time.Time
	AfterUID uint32
}

// MessageMeta is the lightweight per-message data used to order a fetch
// before the bodies are downloaded.
type MessageMeta struct {
	UID          uint32
	InternalDate time.Time
	Date         time.Time // envelope date, zero when missing
}

// SortTime is the instant a message is ordered by: the envelope date,
// or the server arrival time when the header is missing.
func (m MessageMeta) SortTime() time.Time {
	if !m.Date.IsZero() {
		return m.Date
	}
	return m.InternalDate
}

// Dialer opens connections for one account.
type Dialer interface {
	// Dial connects and waits for the server greeting. Errors are
	// *ConnectionError.
	Dial(ctx context.Context, account model.AccountConfig) (Conn, error)
}

// Conn is one exclusively owned protocol connection. Methods must not be
// called concurrently.
type Conn interface {
	// Login authenticates with the account credentials. A rejection is a
	// *ConnectionError wrapping *AuthError.
	Login(ctx context.Context) error

	// Select opens folder read-only.
	Select(ctx context.Context, folder string) (FolderStatus, error)

	// Search returns the UIDs matching q in the selected folder.
	Search(ctx context.Context, q Query) ([]uint32, error)

	// FetchMeta returns ordering metadata for uids.
	FetchMeta(ctx context.Context, uids []uint32) ([]MessageMeta, error)

	// FetchRaw streams full message payloads for uids to fn. Messages are
	// not marked as seen. Returning an error from fn aborts the fetch.
	FetchRaw(ctx context.Context, uids []uint32, fn func(model.RawMessagePayload) error) error

	// Idle waits until a folder reports new messages and returns the
	// folders that did, including those reported since the last call. It
	// returns ctx.Err() when ctx ends first.
	Idle(ctx context.Context) ([]string, error)

	// Close releases the connection. Safe to call more than once, and from
	// another goroutine to abort a blocked call.
	Close() error
}
