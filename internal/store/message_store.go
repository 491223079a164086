package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// messageRow mirrors a messages row. List columns hold JSON arrays.
type messageRow struct {
	ID            string    `db:"id"`
	AccountID     string    `db:"account_id"`
	Folder        string    `db:"folder"`
	UID           int64     `db:"uid"`
	MessageID     string    `db:"message_id"`
	Sender        string    `db:"sender"`
	To            string    `db:"recipients_to"`
	Cc            string    `db:"recipients_cc"`
	Bcc           string    `db:"recipients_bcc"`
	Subject       string    `db:"subject"`
	Timestamp     time.Time `db:"timestamp"`
	DateFallback  bool      `db:"date_fallback"`
	TextBody      string    `db:"text_body"`
	HTMLBody      string    `db:"html_body"`
	BodyTruncated bool      `db:"body_truncated"`
	InReplyTo     string    `db:"in_reply_to"`
	ThreadID      string    `db:"thread_id"`
	References    string    `db:"refs"`
	Attachments   string    `db:"attachments"`
	Label         string    `db:"label"`
	FetchedAt     time.Time `db:"fetched_at"`
}

const messageColumns = `
	id, account_id, folder, uid, message_id, sender,
	recipients_to, recipients_cc, recipients_bcc,
	subject, timestamp, date_fallback, text_body, html_body, body_truncated,
	in_reply_to, thread_id, refs, attachments, label, fetched_at`

// UpsertMessage inserts rec, or refreshes the stored copy when a record
// with the same id exists. The label column is left untouched on
// conflict so a re-delivered message keeps its classification.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, rec *model.MessageRecord) error {
	to, err := marshalList(rec.To)
	if err != nil {
		return fmt.Errorf("marshaling recipients for message %s: %w", rec.ID, err)
	}
	cc, err := marshalList(rec.Cc)
	if err != nil {
		return fmt.Errorf("marshaling recipients for message %s: %w", rec.ID, err)
	}
	bcc, err := marshalList(rec.Bcc)
	if err != nil {
		return fmt.Errorf("marshaling recipients for message %s: %w", rec.ID, err)
	}
	refs, err := marshalList(rec.References)
	if err != nil {
		return fmt.Errorf("marshaling references for message %s: %w", rec.ID, err)
	}
	attachments, err := json.Marshal(nonNil(rec.Attachments))
	if err != nil {
		return fmt.Errorf("marshaling attachments for message %s: %w", rec.ID, err)
	}

	label := rec.Label
	if label == "" {
		label = model.CategoryUnclassified
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?
		)
		ON CONFLICT (id) DO UPDATE SET
			uid            = excluded.uid,
			message_id     = excluded.message_id,
			sender         = excluded.sender,
			recipients_to  = excluded.recipients_to,
			recipients_cc  = excluded.recipients_cc,
			recipients_bcc = excluded.recipients_bcc,
			subject        = excluded.subject,
			timestamp      = excluded.timestamp,
			date_fallback  = excluded.date_fallback,
			text_body      = excluded.text_body,
			html_body      = excluded.html_body,
			body_truncated = excluded.body_truncated,
			in_reply_to    = excluded.in_reply_to,
			thread_id      = excluded.thread_id,
			refs           = excluded.refs,
			attachments    = excluded.attachments,
			fetched_at     = excluded.fetched_at`,
		rec.ID, rec.AccountID, rec.Folder, int64(rec.UID), rec.MessageID, rec.From,
		to, cc, bcc,
		rec.Subject, rec.Timestamp.UTC(), boolToInt(rec.DateFallback),
		rec.TextBody, rec.HTMLBody, boolToInt(rec.BodyTruncated),
		rec.InReplyTo, rec.ThreadID, refs, string(attachments), string(label),
		rec.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", rec.ID, err)
	}
	return nil
}

// GetMessage retrieves a single message by its record id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListMessages retrieves messages matching f, newest first.
func (s *SQLiteStore) ListMessages(
	ctx context.Context, f MessageFilter,
) ([]model.MessageRecord, error) {
	var conditions []string
	var args []interface{}

	if f.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, f.Folder)
	}
	if f.Label != nil {
		conditions = append(conditions, "label = ?")
		args = append(args, string(*f.Label))
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, uid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	records := make([]model.MessageRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// UpdateLabel sets the classification label of one record.
func (s *SQLiteStore) UpdateLabel(ctx context.Context, id string, label model.Category) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET label = ? WHERE id = ?", string(label), id,
	)
	if err != nil {
		return fmt.Errorf("updating label of message %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating label of message %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("updating label of message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r messageRow) record() (model.MessageRecord, error) {
	rec := model.MessageRecord{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Folder:        r.Folder,
		UID:           uint32(r.UID),
		MessageID:     r.MessageID,
		From:          r.Sender,
		Subject:       r.Subject,
		Timestamp:     r.Timestamp.UTC(),
		DateFallback:  r.DateFallback,
		TextBody:      r.TextBody,
		HTMLBody:      r.HTMLBody,
		BodyTruncated: r.BodyTruncated,
		InReplyTo:     r.InReplyTo,
		ThreadID:      r.ThreadID,
		Label:         model.Category(r.Label),
		FetchedAt:     r.FetchedAt.UTC(),
	}

	for _, col := range []struct {
		raw string
		dst *[]string
	}{
		{r.To, &rec.To},
		{r.Cc, &rec.Cc},
		{r.Bcc, &rec.Bcc},
		{r.References, &rec.References},
	} {
		list, err := unmarshalList(col.raw)
		if err != nil {
			return model.MessageRecord{}, fmt.Errorf("unmarshaling message %s: %w", r.ID, err)
		}
		*col.dst = list
	}

	if r.Attachments != "" && r.Attachments != "[]" {
		if err := json.Unmarshal([]byte(r.Attachments), &rec.Attachments); err != nil {
			return model.MessageRecord{}, fmt.Errorf("unmarshaling attachments of %s: %w", r.ID, err)
		}
	}

	return rec, nil
}

func marshalList(list []string) (string, error) {
	b, err := json.Marshal(nonNil(list))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalList decodes a JSON array column; empty arrays become nil so
// records round-trip unchanged.
func unmarshalList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
