package beamerr

import (
	"errors"
	"fmt"
)

// Code classifies a transfer failure for the caller.
type Code string

const (
	CodeProtocol       Code = "PROTOCOL_ERROR"
	CodeInvalidParty   Code = "INVALID_PARTY"
	CodeInvalidChunk   Code = "INVALID_CHUNK"
	CodeTimeout        Code = "TIMEOUT"
	CodeConnectionLost Code = "CONNECTION_LOST"
	CodeSessionExpired Code = "SESSION_EXPIRED"
	CodeCancelled      Code = "CANCELLED"
)

// Error is the typed error surfaced to engine callers. SessionID is empty
// when the failure happened before a session was established.
type Error struct {
	Code      Code
	SessionID string
	Msg       string
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s [session=%s]: %s", e.Code, e.SessionID, e.Msg)
}

// Is matches errors of the same code, so callers can test with
// errors.Is(err, beamerr.Protocolf("", "")) style sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newf(code Code, session, format string, args ...interface{}) *Error {
	return &Error{Code: code, SessionID: session, Msg: fmt.Sprintf(format, args...)}
}

func Protocolf(session, format string, args ...interface{}) *Error {
	return newf(CodeProtocol, session, format, args...)
}

func InvalidPartyf(session, format string, args ...interface{}) *Error {
	return newf(CodeInvalidParty, session, format, args...)
}

func InvalidChunkf(session, format string, args ...interface{}) *Error {
	return newf(CodeInvalidChunk, session, format, args...)
}

func ConnectionLostf(session, format string, args ...interface{}) *Error {
	return newf(CodeConnectionLost, session, format, args...)
}

func SessionExpiredf(session, format string, args ...interface{}) *Error {
	return newf(CodeSessionExpired, session, format, args...)
}

func Cancelledf(session, format string, args ...interface{}) *Error {
	return newf(CodeCancelled, session, format, args...)
}

// CodeOf extracts the code from any error, or empty when it is not a beam error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
