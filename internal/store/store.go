package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Cursor is the sync watermark of one (account, folder) pair.
type Cursor struct {
	AccountID   string `json:"account_id"`
	Folder      string `json:"folder"`
	UIDValidity uint32 `json:"uid_validity"`

	// LastUID is the highest UID below which every message has been
	// handed to the ingestion sink.
	LastUID uint32 `json:"last_uid"`

	// LastTimestamp is the newest message timestamp forwarded so far.
	LastTimestamp time.Time `json:"last_timestamp"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryFailure identifies one message whose sink upsert failed.
type DeliveryFailure struct {
	AccountID   string
	Folder      string
	UIDValidity uint32
	UID         uint32
	RecordID    string
	Reason      string
}

// QuarantineEntry is a message that exhausted its delivery attempts.
type QuarantineEntry struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	Folder      string    `json:"folder" db:"folder"`
	UIDValidity uint32    `json:"uid_validity" db:"uid_validity"`
	UID         uint32    `json:"uid" db:"uid"`
	RecordID    string    `json:"record_id" db:"record_id"`
	Attempts    int       `json:"attempts" db:"attempts"`
	Reason      string    `json:"reason" db:"reason"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	AccountID string
	Folder    string
	Label     *model.Category
	Limit     int
}

// CursorStore persists sync watermarks. Implementations must be safe for
// concurrent use by many sessions.
type CursorStore interface {
	// GetCursor returns nil when the folder has never been synced.
	GetCursor(ctx context.Context, accountID, folder string) (*Cursor, error)

	// AdvanceCursor moves the watermark forward. A write that would move
	// LastUID backwards, or that carries a different UIDVALIDITY, is
	// ignored and reported as false.
	AdvanceCursor(ctx context.Context, c Cursor) (bool, error)

	// ResetCursor starts the folder over under a new UIDVALIDITY.
	ResetCursor(ctx context.Context, accountID, folder string, uidValidity uint32) error

	ListCursors(ctx context.Context) ([]Cursor, error)
}

// DeliveryLog counts failed sink deliveries across sessions.
type DeliveryLog interface {
	// RecordFailure increments the attempt counter for f and returns it.
	// Once the counter reaches maxAttempts the entry is quarantined.
	RecordFailure(ctx context.Context, f DeliveryFailure, maxAttempts int) (attempts int, quarantined bool, err error)

	// ClearFailure forgets earlier failures once delivery succeeded.
	ClearFailure(ctx context.Context, accountID, folder string, uidValidity, uid uint32) error

	ListQuarantine(ctx context.Context) ([]QuarantineEntry, error)
}

// MessageStore persists normalized message records.
type MessageStore interface {
	// UpsertMessage inserts or refreshes rec by id. An existing label is
	// never overwritten.
	UpsertMessage(ctx context.Context, rec *model.MessageRecord) error
	GetMessage(ctx context.Context, id string) (*model.MessageRecord, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]model.MessageRecord, error)
	UpdateLabel(ctx context.Context, id string, label model.Category) error
}

// NotificationStore persists high-value notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	GetUnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Store is the full persistence interface of the service.
type Store interface {
	CursorStore
	DeliveryLog
	MessageStore
	NotificationStore
	Close() error
}
