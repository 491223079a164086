// Package parser normalizes raw RFC 5322 payloads into message records.
package parser

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register legacy charsets
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/threading"
)

// NoSubject replaces a missing or empty Subject header.
const NoSubject = "(no subject)"

// Options configures a Parser.
type Options struct {
	// MaxBodyBytes truncates the text and HTML bodies independently. Zero
	// keeps bodies whole.
	MaxBodyBytes int
}

// Parser converts raw payloads into records. It holds no mutable state
// and is safe for concurrent use.
type Parser struct {
	maxBodyBytes int
}

// New creates a Parser.
func New(opts Options) *Parser {
	return &Parser{maxBodyBytes: opts.MaxBodyBytes}
}

// Parse normalizes p. The result depends only on p, so parsing the same
// payload twice yields the same record. A payload that is not a message
// at all is reported as *source.ParseError.
func (p *Parser) Parse(payload model.RawMessagePayload) (*model.MessageRecord, error) {
	parseErr := func(err error) error {
		return &source.ParseError{Folder: payload.Folder, UID: payload.UID, Err: err}
	}

	if len(bytes.TrimSpace(payload.Data)) == 0 {
		return nil, parseErr(errors.New("empty payload"))
	}

	mr, err := mail.CreateReader(bytes.NewReader(payload.Data))
	if mr == nil {
		return nil, parseErr(err)
	}
	defer mr.Close()

	h := mr.Header
	if h.Len() == 0 {
		return nil, parseErr(errors.New("no header fields"))
	}

	messageID, err := h.MessageID()
	if err != nil || messageID == "" {
		messageID = threading.NormalizeID(h.Get("Message-Id"))
	}

	rec := &model.MessageRecord{
		ID:        RecordID(payload, messageID),
		AccountID: payload.AccountID,
		Folder:    payload.Folder,
		UID:       payload.UID,
		MessageID: messageID,
		From:      sender(h),
		To:        addresses(h, "To"),
		Cc:        addresses(h, "Cc"),
		Bcc:       addresses(h, "Bcc"),
		Subject:   subject(h),
		Label:     model.CategoryUnclassified,
		FetchedAt: payload.FetchedAt,
	}

	rec.Timestamp, rec.DateFallback = timestamp(h, payload)

	if replyTo := threading.ExtractMessageIDs(h.Get("In-Reply-To")); len(replyTo) > 0 {
		rec.InReplyTo = replyTo[0]
	}
	rec.References = threading.ExtractMessageIDs(h.Get("References"))
	rec.ThreadID = threading.ThreadID(rec.References, rec.InReplyTo, messageID)

	text, html, attachments := readParts(mr)
	if text == "" && html != "" {
		text = htmlToText(html)
	}

	var truncText, truncHTML bool
	rec.TextBody, truncText = TruncateUTF8(text, p.maxBodyBytes)
	rec.HTMLBody, truncHTML = TruncateUTF8(html, p.maxBodyBytes)
	rec.BodyTruncated = truncText || truncHTML
	rec.Attachments = attachments

	return rec, nil
}

// readParts walks the MIME tree. The first text/plain and text/html
// inline parts become the bodies; other parts are recorded as attachment
// metadata and their content is discarded.
func readParts(mr *mail.Reader) (text, html string, attachments []model.Attachment) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			switch {
			case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
				body, readErr := io.ReadAll(part.Body)
				if readErr == nil && text == "" {
					text = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				body, readErr := io.ReadAll(part.Body)
				if readErr == nil && html == "" {
					html = string(body)
				}
			default:
				// Inline images and the like are attachments for our purposes.
				attachments = append(attachments, attachmentMeta(
					inlineFilename(h.Header), contentType, part.Body,
				))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			attachments = append(attachments, attachmentMeta(filename, contentType, part.Body))
		}
	}
	return text, html, attachments
}

// attachmentMeta reads body only to learn its decoded size.
func attachmentMeta(filename, contentType string, body io.Reader) model.Attachment {
	size, _ := io.Copy(io.Discard, body)
	if filename == "" {
		filename = "attachment"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return model.Attachment{
		Filename:    filename,
		Size:        size,
		ContentType: contentType,
	}
}

func inlineFilename(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		s = h.Get("Subject")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return NoSubject
	}
	return s
}

// timestamp returns the Date header in UTC, falling back to the server
// arrival time and then to the fetch time. The flag reports a fallback.
func timestamp(h mail.Header, p model.RawMessagePayload) (time.Time, bool) {
	if date, err := h.Date(); err == nil && !date.IsZero() {
		return date.UTC(), false
	}
	if !p.InternalDate.IsZero() {
		return p.InternalDate.UTC(), true
	}
	return p.FetchedAt.UTC(), true
}

func sender(h mail.Header) string {
	list, err := h.AddressList("From")
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(h.Get("From"))
	}
	return formatAddress(list[0])
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		if raw := strings.TrimSpace(h.Get(key)); raw != "" {
			return []string{raw}
		}
		return nil
	}
	var out []string
	for _, addr := range list {
		if addr.Address != "" {
			out = append(out, addr.Address)
		} else if addr.Name != "" {
			out = append(out, addr.Name)
		}
	}
	return out
}

func formatAddress(addr *mail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return addr.Name + " <" + addr.Address + ">"
}

// htmlToText renders HTML as Markdown so HTML-only mail has an indexable
// text body.
func htmlToText(html string) string {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return html
	}
	return strings.TrimSpace(md)
}
