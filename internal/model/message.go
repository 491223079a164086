package model

import "time"

// Category is the classification label attached to a message record.
type Category string

const (
	CategoryUnclassified  Category = "unclassified"
	CategoryInterested    Category = "interested"
	CategoryMeetingBooked Category = "meeting_booked"
	CategoryNotInterested Category = "not_interested"
	CategorySpam          Category = "spam"
	CategoryOutOfOffice   Category = "out_of_office"
	CategoryUncategorized Category = "uncategorized"
)

// HighValue reports whether records with this label should raise a
// notification.
func (c Category) HighValue() bool {
	return c == CategoryInterested
}

// RawMessagePayload is an unparsed RFC 5322 message together with where
// it was fetched from. It only lives between fetch and parse.
type RawMessagePayload struct {
	AccountID   string
	Folder      string
	UIDValidity uint32
	UID         uint32 // 0 when the server did not report one

	// InternalDate is the server-side arrival time, zero if unknown.
	InternalDate time.Time

	// FetchedAt is when the payload was read off the connection.
	FetchedAt time.Time

	Data []byte
}

// Attachment holds metadata about a message attachment. Content is
// never retained.
type Attachment struct {
	Filename    string `json:"filename" db:"filename"`
	Size        int64  `json:"size" db:"size"`
	ContentType string `json:"content_type" db:"content_type"`
}

// MessageRecord is the normalized representation of one fetched message.
type MessageRecord struct {
	// ID is deterministic for a given payload, see parser.RecordID.
	ID string `json:"id"`

	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	UID       uint32 `json:"uid,omitempty"`

	// MessageID is the Message-ID header without angle brackets.
	MessageID string `json:"message_id,omitempty"`

	From string   `json:"from"`
	To   []string `json:"to,omitempty"`
	Cc   []string `json:"cc,omitempty"`
	Bcc  []string `json:"bcc,omitempty"`

	Subject string `json:"subject"`

	// Timestamp is the Date header, or a fallback when DateFallback is set.
	Timestamp    time.Time `json:"timestamp"`
	DateFallback bool      `json:"date_fallback,omitempty"`

	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`

	// BodyTruncated is set when a body exceeded the parser's size limit.
	BodyTruncated bool `json:"body_truncated,omitempty"`

	InReplyTo  string   `json:"in_reply_to,omitempty"`
	ThreadID   string   `json:"thread_id,omitempty"`
	References []string `json:"references,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Label is only changed by the classifier through an id-keyed update.
	Label Category `json:"label"`

	FetchedAt time.Time `json:"fetched_at"`
}
