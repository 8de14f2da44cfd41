package types

import (
	"time"
)

// Client-to-server message types. The set is closed: the dispatcher routes
// with an exhaustive switch and anything else is a protocol error.
const (
	MessageTypeStartAssessment    = "start_assessment"
	MessageTypeGetQuestion        = "get_question"
	MessageTypeSubmitAnswer       = "submit_answer"
	MessageTypeGetProgress        = "get_progress"
	MessageTypeChatMessage        = "chat_message"
	MessageTypeHeartbeat          = "heartbeat"
	MessageTypeCompleteAssessment = "complete_assessment"
	MessageTypeDebugSnapshot      = "get_debug_snapshot"
)

// Server-to-client message types.
const (
	MessageTypeAuthSuccess         = "auth_success"
	MessageTypeAssessmentStarted   = "assessment_started"
	MessageTypeAssessmentRecovered = "assessment_recovered"
	MessageTypeQuestion            = "question"
	MessageTypeAnswerFeedback      = "answer_feedback"
	MessageTypeProgressUpdate      = "progress_update"
	MessageTypeAssessmentCompleted = "assessment_completed"
	MessageTypeSystemMessage       = "system_message"
	MessageTypePong                = "pong"
	MessageTypeError               = "error"
)

// Envelope is the wire format in both directions. Data is kept as a generic
// map so payloads stay flexible across message types while remaining
// JSON-compatible for WebSocket transport.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// NewEnvelope builds an outbound envelope stamped with the current time.
func NewEnvelope(msgType string, data map[string]interface{}) *Envelope {
	return &Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Question is one multiple-choice question. The correct answer never crosses
// the wire inside a question envelope; it is revealed only in feedback after
// the candidate has answered.
type Question struct {
	ID      string   `json:"question_id"`
	Prompt  string   `json:"prompt"`
	Choices []Choice `json:"choices"`
	Skill   string   `json:"skill,omitempty"`
	Answer  string   `json:"-"`
}

// Choice is a single selectable option, keyed "A", "B", ...
type Choice struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Feedback is the result of evaluating one submitted answer.
type Feedback struct {
	QuestionID    string `json:"question_id"`
	Selected      string `json:"selected_option"`
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correct_answer"`
	Message       string `json:"message"`
}

// Progress describes how far an assessment has advanced.
type Progress struct {
	Answered        int     `json:"answered"`
	Correct         int     `json:"correct"`
	Total           int     `json:"total"`
	PercentComplete float64 `json:"percentage_complete"`
}

// Result is the final outcome of a completed assessment.
type Result struct {
	ThreadID       string  `json:"thread_id"`
	TotalQuestions int     `json:"total_questions"`
	TotalCorrect   int     `json:"total_correct"`
	Score          float64 `json:"score"`
}
