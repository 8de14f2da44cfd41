package types

import "errors"

// Machine-readable reason codes carried in error envelopes. Fatal categories
// (auth, authorization) close the connection; the rest leave it open.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeEngineError      = "ENGINE_ERROR"
	CodePersistenceError = "PERSISTENCE_ERROR"
	CodeNotRecoverable   = "NOT_RECOVERABLE"
)

var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidGroupID     = errors.New("group ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrMissingMessageType = errors.New("message type is required")
	ErrInvalidMessageType = errors.New("unknown message type")
	ErrInvalidTransition  = errors.New("illegal session state transition")
	ErrContentTooLarge    = errors.New("message payload exceeds 64KB limit")
)

// ErrorEnvelope builds the standard error reply: a machine-readable code, a
// human message and a retry hint. The connection stays open for every code
// except the fatal ones, which the transport layer maps to close frames.
func ErrorEnvelope(code, message string, retryable bool) *Envelope {
	env := NewEnvelope(MessageTypeError, map[string]interface{}{
		"code":      code,
		"retryable": retryable,
	})
	env.Error = message
	return env
}
