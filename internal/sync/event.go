package sync

import (
	"time"

	"github.com/nhle/mailsync/internal/source"
)

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventBackfillComplete EventKind = "backfill_complete"
	EventFetchBatch       EventKind = "fetch_batch"
	EventError            EventKind = "error"
	EventStateChanged     EventKind = "state_changed"
)

// Event is an observability notification from a session. Failures never
// leave a session any other way.
type Event struct {
	AccountID string
	Folder    string
	Kind      EventKind

	// State is set for EventStateChanged.
	State State

	// Count is the number of records forwarded for EventFetchBatch and
	// EventBackfillComplete.
	Count int

	// ErrKind and Err are set for EventError.
	ErrKind source.ErrorKind
	Err     error

	Message string
	At      time.Time
}
