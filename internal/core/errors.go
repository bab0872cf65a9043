package core

import "errors"

// Error codes carried by error frames.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeAlreadyJoined = "already_joined"
	ErrCodeNotInSession  = "not_in_session"
	ErrCodeSessionFull   = "session_full"
	ErrCodeReplaced      = "replaced"
	ErrCodeWrongChannel  = "wrong_channel"
)

var ErrHubClosed = errors.New("hub closed")

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
