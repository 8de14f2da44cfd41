package types

import (
	"strings"
	"testing"
)

func TestEnvelope_ValidateKnownTypes(t *testing.T) {
	for _, msgType := range []string{
		MessageTypeStartAssessment,
		MessageTypeGetQuestion,
		MessageTypeSubmitAnswer,
		MessageTypeGetProgress,
		MessageTypeChatMessage,
		MessageTypeHeartbeat,
		MessageTypeCompleteAssessment,
		MessageTypeDebugSnapshot,
	} {
		env := &Envelope{Type: msgType}
		if err := env.Validate(); err != nil {
			t.Errorf("Validate(%s) returned error: %v", msgType, err)
		}
	}
}

func TestEnvelope_ValidateRejectsMissingType(t *testing.T) {
	env := &Envelope{}
	if err := env.Validate(); err != ErrMissingMessageType {
		t.Errorf("Expected ErrMissingMessageType, got %v", err)
	}
}

func TestEnvelope_ValidateRejectsUnknownType(t *testing.T) {
	env := &Envelope{Type: "drop_tables"}
	if err := env.Validate(); err != ErrInvalidMessageType {
		t.Errorf("Expected ErrInvalidMessageType, got %v", err)
	}

	// Server-to-client types are not valid inbound
	env = &Envelope{Type: MessageTypeQuestion}
	if err := env.Validate(); err != ErrInvalidMessageType {
		t.Errorf("Expected ErrInvalidMessageType for server type, got %v", err)
	}
}

func TestEnvelope_ValidateRejectsOversizedPayload(t *testing.T) {
	env := &Envelope{
		Type: MessageTypeChatMessage,
		Data: map[string]interface{}{"message": strings.Repeat("x", maxPayloadBytes+1)},
	}
	if err := env.Validate(); err != ErrContentTooLarge {
		t.Errorf("Expected ErrContentTooLarge, got %v", err)
	}
}

func TestEnvelope_StringAccessor(t *testing.T) {
	env := &Envelope{
		Type: MessageTypeSubmitAnswer,
		Data: map[string]interface{}{"question_id": "q1", "count": 3},
	}
	if got := env.String("question_id"); got != "q1" {
		t.Errorf("String(question_id) = %q, want q1", got)
	}
	if got := env.String("count"); got != "" {
		t.Errorf("String on non-string value = %q, want empty", got)
	}
	if got := env.String("missing"); got != "" {
		t.Errorf("String on missing key = %q, want empty", got)
	}
	empty := &Envelope{Type: MessageTypeHeartbeat}
	if got := empty.String("anything"); got != "" {
		t.Errorf("String on nil data = %q, want empty", got)
	}
}

func TestSessionState_AllowsGating(t *testing.T) {
	cases := []struct {
		state   SessionState
		msgType string
		allowed bool
	}{
		{StateConnected, MessageTypeStartAssessment, true},
		{StateConnected, MessageTypeHeartbeat, true},
		{StateConnected, MessageTypeGetProgress, false},
		{StateConnected, MessageTypeSubmitAnswer, false},
		{StateAwaitingEngine, MessageTypeHeartbeat, true},
		{StateAwaitingEngine, MessageTypeStartAssessment, false},
		{StateAwaitingEngine, MessageTypeSubmitAnswer, false},
		{StateActive, MessageTypeSubmitAnswer, true},
		{StateActive, MessageTypeGetQuestion, true},
		{StateActive, MessageTypeChatMessage, true},
		{StateActive, MessageTypeStartAssessment, true},
		{StateCompleted, MessageTypeGetProgress, true},
		{StateCompleted, MessageTypeSubmitAnswer, false},
		{StateCompleted, MessageTypeChatMessage, false},
		{StateClosed, MessageTypeHeartbeat, false},
		{StateUnauthenticated, MessageTypeHeartbeat, false},
	}

	for _, c := range cases {
		if got := c.state.Allows(c.msgType); got != c.allowed {
			t.Errorf("%s.Allows(%s) = %v, want %v", c.state, c.msgType, got, c.allowed)
		}
	}
}

func TestSessionState_Transitions(t *testing.T) {
	cases := []struct {
		from, to SessionState
		legal    bool
	}{
		{StateUnauthenticated, StateConnected, true},
		{StateUnauthenticated, StateClosed, true},
		{StateUnauthenticated, StateActive, false},
		{StateConnected, StateAwaitingEngine, true},
		{StateConnected, StateActive, false},
		{StateAwaitingEngine, StateActive, true},
		{StateAwaitingEngine, StateConnected, true},
		{StateActive, StateCompleted, true},
		{StateActive, StateConnected, false},
		{StateCompleted, StateClosed, true},
		{StateCompleted, StateActive, false},
		{StateClosed, StateConnected, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.legal {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.legal)
		}
	}

	// Every non-terminal state must be able to reach Closed
	for _, s := range []SessionState{StateUnauthenticated, StateConnected, StateAwaitingEngine, StateActive, StateCompleted} {
		if !s.CanTransition(StateClosed) {
			t.Errorf("%s cannot reach Closed", s)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	valid := []string{"user123", "a", "candidate-42", "user_name"}
	invalid := []string{"", strings.Repeat("a", 51), "user with spaces", "user@domain", "émigré"}

	for _, id := range valid {
		if !IsValidUserID(id) {
			t.Errorf("IsValidUserID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if IsValidUserID(id) {
			t.Errorf("IsValidUserID(%q) = true, want false", id)
		}
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope(CodeEngineError, "engine unavailable", true)
	if env.Type != MessageTypeError {
		t.Errorf("Expected error type, got %s", env.Type)
	}
	if env.Error != "engine unavailable" {
		t.Errorf("Expected human message, got %q", env.Error)
	}
	if env.Data["code"] != CodeEngineError {
		t.Errorf("Expected code %s, got %v", CodeEngineError, env.Data["code"])
	}
	if env.Data["retryable"] != true {
		t.Error("Expected retryable=true")
	}
	if env.Timestamp == "" {
		t.Error("Expected timestamp to be set")
	}
}
