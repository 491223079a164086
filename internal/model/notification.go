package model

import "time"

// Notification records that a message was flagged as high-value.
// Delivery to people happens outside this service.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	// MessageID links this notification to the originating record.
	MessageID string `json:"message_id" db:"message_id"`

	// AccountID identifies the mailbox the record came from.
	AccountID string `json:"account_id" db:"account_id"`

	// Category is the label that triggered the notification.
	Category Category `json:"category" db:"category"`

	// Message is the human-readable notification text.
	Message string `json:"message" db:"message"`

	// Read indicates whether the notification has been handled.
	Read bool `json:"read" db:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
