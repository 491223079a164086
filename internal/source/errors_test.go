package source

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"config", &ConfigError{Field: "accounts", Message: "empty"}, KindConfig},
		{"auth wrapped in connection", &ConnectionError{AccountID: "a", Op: "login", Err: &AuthError{AccountID: "a", Message: "bad"}}, KindAuth},
		{"connection", &ConnectionError{AccountID: "a", Op: "dial", Err: base}, KindConnection},
		{"protocol", fmt.Errorf("selecting: %w", &ProtocolError{Op: "select", Err: base}), KindProtocol},
		{"parse", &ParseError{Folder: "INBOX", UID: 3, Err: base}, KindParse},
		{"ingest", &IngestError{RecordID: "x", Err: base}, KindIngest},
		{"classify", &ClassifyError{RecordID: "x", Err: base}, KindClassify},
		{"other", base, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestIsSessionError(t *testing.T) {
	assert.True(t, IsSessionError(&ConnectionError{Err: errors.New("eof")}))
	assert.True(t, IsSessionError(fmt.Errorf("fetch: %w", &ProtocolError{Op: "fetch", Err: errors.New("bad")})))
	assert.False(t, IsSessionError(&ParseError{Err: errors.New("bad")}))
	assert.False(t, IsSessionError(&IngestError{Err: errors.New("bad")}))
}
