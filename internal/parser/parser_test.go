package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

var (
	internalDate = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	fetchedAt    = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
)

func payload(raw string) model.RawMessagePayload {
	return model.RawMessagePayload{
		AccountID:    "acct-a",
		Folder:       "INBOX",
		UIDValidity:  7,
		UID:          42,
		InternalDate: internalDate,
		FetchedAt:    fetchedAt,
		Data:         []byte(strings.ReplaceAll(raw, "\n", "\r\n")),
	}
}

const plainMessage = `From: Alice Example <alice@example.com>
To: bob@example.com, Carol <carol@example.com>
Cc: dave@example.com
Subject: Quarterly numbers
Date: Fri, 28 Feb 2025 17:04:05 +0100
Message-ID: <q1-report@example.com>
In-Reply-To: <parent@example.com>
References: <root@example.com> <parent@example.com>
Content-Type: text/plain; charset=utf-8

Hi Bob,
the numbers are attached.
`

func TestParse_PlainMessage(t *testing.T) {
	p := New(Options{})

	rec, err := p.Parse(payload(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "acct-a", rec.AccountID)
	assert.Equal(t, "INBOX", rec.Folder)
	assert.Equal(t, uint32(42), rec.UID)
	assert.Equal(t, "q1-report@example.com", rec.MessageID)
	assert.Equal(t, "Alice Example <alice@example.com>", rec.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, rec.To)
	assert.Equal(t, []string{"dave@example.com"}, rec.Cc)
	assert.Empty(t, rec.Bcc)
	assert.Equal(t, "Quarterly numbers", rec.Subject)
	assert.Equal(t, time.Date(2025, 2, 28, 16, 4, 5, 0, time.UTC), rec.Timestamp)
	assert.False(t, rec.DateFallback)
	assert.Contains(t, rec.TextBody, "the numbers are attached.")
	assert.Empty(t, rec.HTMLBody)
	assert.Equal(t, "parent@example.com", rec.InReplyTo)
	assert.Equal(t, []string{"root@example.com", "parent@example.com"}, rec.References)
	assert.Equal(t, "root@example.com", rec.ThreadID)
	assert.Equal(t, model.CategoryUnclassified, rec.Label)
	assert.Equal(t, fetchedAt, rec.FetchedAt)
	assert.False(t, rec.BodyTruncated)
}

func TestParse_Idempotent(t *testing.T) {
	p := New(Options{MaxBodyBytes: 64})
	in := payload(plainMessage)

	first, err := p.Parse(in)
	require.NoError(t, err)
	second, err := p.Parse(in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first, second)
}

func TestParse_MalformedHeadersYieldPlaceholders(t *testing.T) {
	raw := `From: someone@example.com
Date: not a date at all
Content-Type: text/plain

body survives
`
	rec, err := New(Options{}).Parse(payload(raw))
	require.NoError(t, err)

	assert.Equal(t, NoSubject, rec.Subject)
	assert.True(t, rec.DateFallback)
	assert.Equal(t, internalDate, rec.Timestamp)
	assert.Contains(t, rec.TextBody, "body survives")
}

func TestParse_DateFallsBackToFetchTime(t *testing.T) {
	in := payload("Subject: hi\n\nbody\n")
	in.InternalDate = time.Time{}

	rec, err := New(Options{}).Parse(in)
	require.NoError(t, err)

	assert.True(t, rec.DateFallback)
	assert.Equal(t, fetchedAt, rec.Timestamp)
}

func TestParse_AbsentBody(t *testing.T) {
	rec, err := New(Options{}).Parse(payload("Subject: empty\nMessage-ID: <e@x>\n\n"))
	require.NoError(t, err)

	assert.Empty(t, rec.TextBody)
	assert.Empty(t, rec.HTMLBody)
	assert.Empty(t, rec.Attachments)
}

func TestParse_HTMLOnlyGetsTextRendition(t *testing.T) {
	raw := `Subject: Newsletter
Message-ID: <news@example.com>
Content-Type: text/html; charset=utf-8

<html><body><h1>Launch</h1><p>We are <b>live</b>.</p></body></html>
`
	rec, err := New(Options{}).Parse(payload(raw))
	require.NoError(t, err)

	assert.Contains(t, rec.HTMLBody, "<h1>Launch</h1>")
	assert.Contains(t, rec.TextBody, "Launch")
	assert.Contains(t, rec.TextBody, "**live**")
	assert.NotContains(t, rec.TextBody, "<p>")
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	raw := `Subject: Report
Message-ID: <mp@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

plain version
--inner
Content-Type: text/html; charset=utf-8

<p>html version</p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`
	rec, err := New(Options{}).Parse(payload(raw))
	require.NoError(t, err)

	assert.Contains(t, rec.TextBody, "plain version")
	assert.Contains(t, rec.HTMLBody, "<p>html version</p>")
	require.Len(t, rec.Attachments, 1)
	assert.Equal(t, "report.pdf", rec.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", rec.Attachments[0].ContentType)
	assert.Equal(t, int64(9), rec.Attachments[0].Size) // "%PDF-1.4\n"
}

func TestParse_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 20) // 40 bytes
	raw := "Subject: long\nContent-Type: text/plain; charset=utf-8\n\n" + body

	rec, err := New(Options{MaxBodyBytes: 11}).Parse(payload(raw))
	require.NoError(t, err)

	assert.True(t, rec.BodyTruncated)
	assert.Equal(t, strings.Repeat("é", 5), rec.TextBody)
}

func TestParse_LegacyCharset(t *testing.T) {
	raw := "Subject: =?ISO-8859-1?Q?Caf=E9?=\nContent-Type: text/plain; charset=iso-8859-1\nContent-Transfer-Encoding: quoted-printable\n\nna=EFve\n"

	rec, err := New(Options{}).Parse(payload(raw))
	require.NoError(t, err)

	assert.Equal(t, "Café", rec.Subject)
	assert.Contains(t, rec.TextBody, "naïve")
}

func TestParse_Unparseable(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"whitespace", "  \r\n"},
		{"not a header", "this is not a header line\r\n\r\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := payload("")
			in.Data = []byte(tt.data)

			_, err := New(Options{}).Parse(in)
			require.Error(t, err)

			var parseErr *source.ParseError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, uint32(42), parseErr.UID)
		})
	}
}

func TestRecordID(t *testing.T) {
	base := payload(plainMessage)

	t.Run("message id scoped by folder", func(t *testing.T) {
		other := base
		other.Folder = "Archive"
		assert.NotEqual(t, RecordID(base, "m@x"), RecordID(other, "m@x"))
	})

	t.Run("message id ignores uid", func(t *testing.T) {
		moved := base
		moved.UID = 99
		assert.Equal(t, RecordID(base, "m@x"), RecordID(moved, "m@x"))
	})

	t.Run("uid fallback", func(t *testing.T) {
		next := base
		next.UID = 43
		assert.NotEqual(t, RecordID(base, ""), RecordID(next, ""))
		assert.Equal(t, RecordID(base, ""), RecordID(base, ""))
	})

	t.Run("content fallback", func(t *testing.T) {
		a := base
		a.UID = 0
		b := a
		b.Data = []byte("Subject: different\r\n\r\n")
		assert.NotEqual(t, RecordID(a, ""), RecordID(b, ""))
		assert.Equal(t, RecordID(a, ""), RecordID(a, ""))
	})
}

func TestTruncateUTF8(t *testing.T) {
	s, cut := TruncateUTF8("hello", 0)
	assert.Equal(t, "hello", s)
	assert.False(t, cut)

	s, cut = TruncateUTF8("hello", 10)
	assert.Equal(t, "hello", s)
	assert.False(t, cut)

	s, cut = TruncateUTF8("a€b", 2) // € is 3 bytes
	assert.Equal(t, "a", s)
	assert.True(t, cut)
}
