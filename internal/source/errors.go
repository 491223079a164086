package source

import (
	"errors"
	"fmt"
)

// ErrorKind names a class in the error taxonomy. Each class has exactly
// one propagation rule, applied by the sync engine.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"     // fatal at startup
	KindConnection ErrorKind = "connection" // session reconnects with backoff
	KindAuth       ErrorKind = "auth"       // connection error, logged distinctly
	KindProtocol   ErrorKind = "protocol"   // treated as connection loss
	KindParse      ErrorKind = "parse"      // message skipped
	KindIngest     ErrorKind = "ingest"     // retried, then quarantined
	KindClassify   ErrorKind = "classify"   // logged only
	KindUnknown    ErrorKind = "unknown"
)

// ConfigError reports an invalid account list or setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error (%s): %s", e.Field, e.Message)
}

// AuthError indicates that the server rejected the account credentials.
// It is always wrapped in a ConnectionError.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.AccountID, e.Message)
}

// ConnectionError reports a failure to establish or keep a connection.
type ConnectionError struct {
	AccountID string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s) %s: %v", e.AccountID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or failed server response in the
// middle of a session.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseError reports a payload that could not be normalized.
type ParseError struct {
	Folder string
	UID    uint32
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error %s/%d: %v", e.Folder, e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IngestError reports a failed upsert into the ingestion sink.
type IngestError struct {
	RecordID string
	Err      error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest error %s: %v", e.RecordID, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// ClassifyError reports a failed classification.
type ClassifyError struct {
	RecordID string
	Err      error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("classify error %s: %v", e.RecordID, e.Err)
}

func (e *ClassifyError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsSessionError reports whether err should end the current connection.
func IsSessionError(err error) bool {
	var connErr *ConnectionError
	var protoErr *ProtocolError
	return errors.As(err, &connErr) || errors.As(err, &protoErr)
}

// Kind classifies err for event reporting.
func Kind(err error) ErrorKind {
	var (
		cfgErr      *ConfigError
		connErr     *ConnectionError
		protoErr    *ProtocolError
		parseErr    *ParseError
		ingestErr   *IngestError
		classifyErr *ClassifyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfig
	case IsAuthError(err):
		return KindAuth
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &ingestErr):
		return KindIngest
	case errors.As(err, &classifyErr):
		return KindClassify
	default:
		return KindUnknown
	}
}
