// Package natsjs publishes message records and high-value events to NATS
// JetStream.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/parser"
)

// Publisher wraps NATS JetStream for publishing records and events.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher connects to NATS and creates a JetStream context.
func NewPublisher(url, stream string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the stream holding every mail.> subject unless it
// exists. The duplicate window makes republishing a record id a no-op.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("creating stream %s: %w", p.stream, err)
	}

	return nil
}

// Upsert publishes rec with its id as the JetStream message id, so a
// redelivered record is dropped by the server. Records over the server's
// payload limit are slimmed, see encodeRecord. It implements ingest.Sink.
func (p *Publisher) Upsert(ctx context.Context, rec *model.MessageRecord) error {
	payload, err := encodeRecord(rec, int(p.nc.MaxPayload())-headerReserve)
	if err != nil {
		return err
	}
	return p.publish(ctx, MessageSubject(rec.AccountID), payload, rec.ID)
}

// headerReserve is left of max_payload for the message headers.
const headerReserve = 1024

// encodeRecord marshals rec to at most limit bytes. An oversized record
// loses its HTML body first, then the tail of its text body, and is
// marked BodyTruncated. The full record stays in the local store.
func encodeRecord(rec *model.MessageRecord, limit int) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	if limit <= 0 || len(payload) <= limit {
		return payload, nil
	}

	slim := *rec
	slim.HTMLBody = ""
	slim.BodyTruncated = true
	for {
		payload, err = json.Marshal(&slim)
		if err != nil {
			return nil, fmt.Errorf("marshaling record %s: %w", rec.ID, err)
		}
		if len(payload) <= limit {
			return payload, nil
		}
		if slim.TextBody == "" {
			return nil, fmt.Errorf("record %s is %d bytes without bodies, limit %d", rec.ID, len(payload), limit)
		}
		// Every dropped byte shrinks the encoding by at least one byte.
		keep := len(slim.TextBody) - (len(payload) - limit)
		if keep <= 0 {
			slim.TextBody = ""
			continue
		}
		slim.TextBody, _ = parser.TruncateUTF8(slim.TextBody, keep)
	}
}

// HighValueEvent is published when a record is labelled high-value.
type HighValueEvent struct {
	RecordID  string         `json:"record_id"`
	AccountID string         `json:"account_id"`
	Folder    string         `json:"folder"`
	From      string         `json:"from"`
	Subject   string         `json:"subject"`
	Label     model.Category `json:"label"`
	Timestamp time.Time      `json:"timestamp"`
}

// NotifyHighValue publishes a HighValueEvent on mail.<account>.<label>.
// It implements ingest.Notifier.
func (p *Publisher) NotifyHighValue(
	ctx context.Context, rec *model.MessageRecord, label model.Category,
) error {
	payload, err := json.Marshal(newHighValueEvent(rec, label))
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", rec.ID, err)
	}
	msgID := rec.ID + ":" + string(label)
	return p.publish(ctx, LabelSubject(rec.AccountID, label), payload, msgID)
}

func newHighValueEvent(rec *model.MessageRecord, label model.Category) HighValueEvent {
	return HighValueEvent{
		RecordID:  rec.ID,
		AccountID: rec.AccountID,
		Folder:    rec.Folder,
		From:      rec.From,
		Subject:   rec.Subject,
		Label:     label,
		Timestamp: rec.Timestamp,
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// MessageSubject is the subject records of one account are published on.
func MessageSubject(accountID string) string {
	return "mail." + subjectToken(accountID) + ".message"
}

// LabelSubject is the subject high-value events are published on, e.g.
// mail.work.interested.
func LabelSubject(accountID string, label model.Category) string {
	return "mail." + subjectToken(accountID) + "." + subjectToken(string(label))
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	s = tokenReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}
