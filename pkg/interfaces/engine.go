package interfaces

import (
	"context"

	"proctor/pkg/types"
)

// Engine is the external question-generation collaborator: a stateful,
// durably checkpointed conversation keyed by thread ID. The session core
// treats it as opaque beyond this contract.
//
// Initialize must be called at most once per thread ID. Initializing a
// thread that already has state would silently discard prior conversation
// progress, so every caller checks StateExists first and resumes instead.
type Engine interface {
	// StateExists reports whether durable conversation state exists for
	// the thread.
	StateExists(ctx context.Context, threadID string) (bool, error)

	// Initialize creates fresh conversation state for the thread from the
	// session-group's question set.
	Initialize(ctx context.Context, threadID, groupID string) error

	// Progress reports the thread's current position.
	Progress(ctx context.Context, threadID string) (*types.Progress, error)

	// NextQuestion returns the next pending question. done is true when
	// the question queue is exhausted and the assessment should finalize.
	NextQuestion(ctx context.Context, threadID string) (q *types.Question, done bool, err error)

	// SubmitAnswer evaluates one answer, advances the conversation and
	// checkpoints. Re-submitting an already-answered question returns the
	// recorded feedback without advancing again, so the caller may retry
	// after a downstream failure.
	SubmitAnswer(ctx context.Context, threadID, questionID, selected string) (*types.Feedback, *types.Progress, bool, error)

	// ChatReply answers free-form candidate chat without revealing
	// solutions.
	ChatReply(ctx context.Context, threadID, message string) (string, error)

	// Finalize computes the final result for the thread. The conversation
	// state is left in place; finalization of the durable assessment
	// record is the caller's responsibility.
	Finalize(ctx context.Context, threadID string) (*types.Result, error)
}
