package types

import (
	"encoding/json"
	"regexp"
)

// Compiled once at package initialization; envelope validation runs on every
// inbound frame.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxPayloadBytes bounds the serialized size of an envelope's data payload.
const maxPayloadBytes = 65536

// Validate checks an inbound envelope's shape: a known type tag and a
// payload within the size bound. It does not interpret the payload; that is
// the dispatcher's job.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingMessageType
	}
	if !IsClientMessageType(e.Type) {
		return ErrInvalidMessageType
	}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return ErrInvalidMessageType
		}
		if len(raw) > maxPayloadBytes {
			return ErrContentTooLarge
		}
	}
	return nil
}

// IsClientMessageType reports whether the type tag is one a client may send.
func IsClientMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeStartAssessment,
		MessageTypeGetQuestion,
		MessageTypeSubmitAnswer,
		MessageTypeGetProgress,
		MessageTypeChatMessage,
		MessageTypeHeartbeat,
		MessageTypeCompleteAssessment,
		MessageTypeDebugSnapshot:
		return true
	default:
		return false
	}
}

// IsValidUserID checks identity tokens extracted from credentials. The 1-50
// character limit keeps identifiers database- and log-friendly.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return identifierRegex.MatchString(userID)
}

// IsValidGroupID checks session-group identifiers supplied at connect time.
func IsValidGroupID(groupID string) bool {
	if len(groupID) < 1 || len(groupID) > 50 {
		return false
	}
	return identifierRegex.MatchString(groupID)
}

// String returns the data field under key as a string, or "" when absent or
// of another type. Handlers use it to pull required fields out of payloads.
func (e *Envelope) String(key string) string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}
