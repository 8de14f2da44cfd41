package interfaces

import (
	"context"
	"time"

	"proctor/pkg/types"
)

// AssessmentStatus is the durable lifecycle of one assessment attempt.
type AssessmentStatus string

const (
	StatusNotStarted AssessmentStatus = "not_started"
	StatusInProgress AssessmentStatus = "in_progress"
	StatusCompleted  AssessmentStatus = "completed"
	StatusAbandoned  AssessmentStatus = "abandoned"
)

// Recoverable reports whether an attempt in this status may be resumed after
// a disconnect. Completed and abandoned attempts are final.
func (s AssessmentStatus) Recoverable() bool {
	return s == StatusNotStarted || s == StatusInProgress
}

// Assessment is the durable record of one attempt. Its ID doubles as the
// thread identifier that keys the engine's conversation state.
type Assessment struct {
	ID          string           `json:"assessment_id"`
	UserID      string           `json:"user_id"`
	GroupID     string           `json:"group_id"`
	Status      AssessmentStatus `json:"status"`
	Score       float64          `json:"score"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// AnswerRecord is the audit row written once per submitted answer.
type AnswerRecord struct {
	AssessmentID string    `json:"assessment_id"`
	QuestionID   string    `json:"question_id"`
	Selected     string    `json:"selected_option"`
	Correct      bool      `json:"correct"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// AssessmentStore is the durable persistence collaborator. The session core
// consumes assessment records and engine checkpoints by identifier only; the
// reference implementation lives in internal/database.
type AssessmentStore interface {
	// CreateAssessment inserts a new attempt in status not_started and
	// returns it with a freshly assigned ID.
	CreateAssessment(ctx context.Context, userID, groupID string) (*Assessment, error)

	// GetAssessment returns the attempt with the given ID, or
	// ErrAssessmentNotFound.
	GetAssessment(ctx context.Context, id string) (*Assessment, error)

	// FindLatest returns the most recent attempt for (user, group) across
	// all statuses, or ErrAssessmentNotFound when the user has never
	// attempted this group. The caller inspects Status to decide whether
	// the attempt is resumable.
	FindLatest(ctx context.Context, userID, groupID string) (*Assessment, error)

	// SetStatus updates an attempt's status. Score and completedAt are
	// applied when non-nil, which happens on completion only.
	SetStatus(ctx context.Context, id string, status AssessmentStatus, score *float64, completedAt *time.Time) error

	// RecordAnswer upserts the audit row for one answer. Re-submitting the
	// same (assessment, question) pair replaces the row, which keeps the
	// answer-submission path safe to retry.
	RecordAnswer(ctx context.Context, rec *AnswerRecord) error

	// GroupExists reports whether a session-group has a question set,
	// which is what grants access to it.
	GroupExists(ctx context.Context, groupID string) (bool, error)

	// LoadQuestions returns the question set for a session-group in
	// authoring order.
	LoadQuestions(ctx context.Context, groupID string) ([]types.Question, error)

	// SeedQuestions installs the question set for a session-group.
	SeedQuestions(ctx context.Context, groupID string, questions []types.Question) error

	// Engine checkpoint operations, keyed by thread ID. The payload is
	// opaque to the store.
	SaveEngineState(ctx context.Context, threadID string, state []byte) error
	LoadEngineState(ctx context.Context, threadID string) ([]byte, error)
	EngineStateExists(ctx context.Context, threadID string) (bool, error)

	// HealthCheck verifies connectivity; used by the status API.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases the underlying handle.
	Close() error
}
