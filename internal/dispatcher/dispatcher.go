package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"proctor/internal/recovery"
	"proctor/internal/registry"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Dispatcher routes validated client envelopes to the engine, the
// coordinator and the store, and produces the ordered replies for the
// connection. One Dispatch call handles one inbound message; the transport
// calls it from the connection's read loop, so per-connection handling is
// naturally serialized.
type Dispatcher struct {
	registry    *registry.Registry
	coordinator *recovery.Coordinator
	engine      interfaces.Engine
	store       interfaces.AssessmentStore
	allowRetake bool
}

func New(reg *registry.Registry, coord *recovery.Coordinator, eng interfaces.Engine, store interfaces.AssessmentStore, allowRetake bool) *Dispatcher {
	return &Dispatcher{
		registry:    reg,
		coordinator: coord,
		engine:      eng,
		store:       store,
		allowRetake: allowRetake,
	}
}

// Dispatch handles one inbound envelope and returns the replies to send, in
// order. A non-nil error is fatal for the connection; recoverable faults
// come back as error envelopes instead.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, env *types.Envelope) ([]*types.Envelope, error) {
	rec, ok := d.registry.Lookup(connectionID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	rec.Touch()

	if err := env.Validate(); err != nil {
		return replies(types.ErrorEnvelope(types.CodeProtocolError, err.Error(), false)), nil
	}

	if !rec.State().Allows(env.Type) {
		msg := fmt.Sprintf("message %s is not allowed in state %s", env.Type, rec.State())
		return replies(types.ErrorEnvelope(types.CodeProtocolError, msg, false)), nil
	}

	switch env.Type {
	case types.MessageTypeHeartbeat:
		return replies(types.NewEnvelope(types.MessageTypePong, nil)), nil
	case types.MessageTypeStartAssessment:
		return d.handleStart(ctx, rec)
	case types.MessageTypeGetQuestion:
		return d.handleGetQuestion(ctx, rec)
	case types.MessageTypeSubmitAnswer:
		return d.handleSubmitAnswer(ctx, rec, env)
	case types.MessageTypeGetProgress:
		return d.handleGetProgress(ctx, rec)
	case types.MessageTypeChatMessage:
		return d.handleChat(ctx, rec, env)
	case types.MessageTypeCompleteAssessment:
		return d.handleComplete(ctx, rec)
	case types.MessageTypeDebugSnapshot:
		return replies(types.NewEnvelope(types.MessageTypeSystemMessage, rec.Snapshot())), nil
	default:
		// Validate covers the closed type set; this is unreachable
		return replies(types.ErrorEnvelope(types.CodeProtocolError, "unhandled message type", false)), nil
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, rec *registry.ConnectionRecord) ([]*types.Envelope, error) {
	if rec.GroupID == "" {
		return replies(types.ErrorEnvelope(types.CodeProtocolError,
			"connection has no session group, reconnect with group_id", false)), nil
	}

	// A bound connection re-sending start_assessment gets an idempotent
	// recovered reply and must not leave the active state
	if rec.State() == types.StateConnected {
		if err := rec.SetState(types.StateAwaitingEngine); err != nil {
			return nil, err
		}
	}

	outcome, err := d.coordinator.Establish(ctx, rec)
	if err != nil {
		return d.startFallback(ctx, rec, err)
	}
	return d.startReplies(ctx, rec, outcome)
}

// startFallback handles a failed establish: the retake path when policy
// allows it, an error envelope otherwise. The connection returns to the
// connected state so the client may retry.
func (d *Dispatcher) startFallback(ctx context.Context, rec *registry.ConnectionRecord, establishErr error) ([]*types.Envelope, error) {
	if errors.Is(establishErr, recovery.ErrNotRecoverable) && d.allowRetake {
		outcome, err := d.coordinator.StartFresh(ctx, rec)
		if err == nil {
			return d.startReplies(ctx, rec, outcome)
		}
		establishErr = err
	}

	if rec.State() == types.StateAwaitingEngine {
		if err := rec.SetState(types.StateConnected); err != nil {
			return nil, err
		}
	}

	if errors.Is(establishErr, recovery.ErrNotRecoverable) {
		return replies(types.ErrorEnvelope(types.CodeNotRecoverable,
			"this assessment has already been completed", false)), nil
	}

	log.Printf("Failed to establish assessment for user %s: %v", rec.UserID, establishErr)
	return replies(types.ErrorEnvelope(types.CodeEngineError,
		"could not start the assessment, please retry", true)), nil
}

func (d *Dispatcher) startReplies(ctx context.Context, rec *registry.ConnectionRecord, outcome *recovery.Outcome) ([]*types.Envelope, error) {
	if !rec.EngineReady() {
		if err := rec.MarkEngineReady(); err != nil {
			return nil, err
		}
	}
	if rec.State() == types.StateAwaitingEngine {
		if err := rec.SetState(types.StateActive); err != nil {
			return nil, err
		}
	}

	startType := types.MessageTypeAssessmentStarted
	if outcome.Recovered {
		startType = types.MessageTypeAssessmentRecovered
	}
	out := replies(types.NewEnvelope(startType, map[string]interface{}{
		"thread_id": outcome.ThreadID,
		"progress":  outcome.Progress,
	}))

	// The first pending question follows immediately so the client never
	// has to ask after starting or resuming
	q, done, err := d.engine.NextQuestion(ctx, rec.ThreadID())
	if err != nil {
		log.Printf("Failed to fetch first question for thread %s: %v", rec.ThreadID(), err)
		return append(out, types.ErrorEnvelope(types.CodeEngineError,
			"could not fetch the next question, please retry", true)), nil
	}
	if done {
		return append(out, allAnsweredNotice()), nil
	}
	return append(out, questionEnvelope(q)), nil
}

func (d *Dispatcher) handleGetQuestion(ctx context.Context, rec *registry.ConnectionRecord) ([]*types.Envelope, error) {
	q, done, err := d.engine.NextQuestion(ctx, rec.ThreadID())
	if err != nil {
		log.Printf("Failed to fetch question for thread %s: %v", rec.ThreadID(), err)
		return replies(types.ErrorEnvelope(types.CodeEngineError,
			"could not fetch the next question, please retry", true)), nil
	}
	if done {
		return replies(allAnsweredNotice()), nil
	}
	return replies(questionEnvelope(q)), nil
}

func (d *Dispatcher) handleSubmitAnswer(ctx context.Context, rec *registry.ConnectionRecord, env *types.Envelope) ([]*types.Envelope, error) {
	questionID := env.String("question_id")
	selected := env.String("selected_option")
	if questionID == "" || selected == "" {
		return replies(types.ErrorEnvelope(types.CodeProtocolError,
			"submit_answer requires question_id and selected_option", false)), nil
	}

	feedback, progress, complete, err := d.engine.SubmitAnswer(ctx, rec.ThreadID(), questionID, selected)
	if err != nil {
		return replies(submitErrorEnvelope(err)), nil
	}

	record := &interfaces.AnswerRecord{
		AssessmentID: rec.ThreadID(),
		QuestionID:   questionID,
		Selected:     feedback.Selected,
		Correct:      feedback.Correct,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := d.store.RecordAnswer(ctx, record); err != nil {
		// The engine checkpoint landed but the audit row did not. No
		// feedback goes out and the client retries; the engine replays
		// the recorded outcome on the retry.
		log.Printf("Failed to record answer for thread %s question %s: %v", rec.ThreadID(), questionID, err)
		return replies(types.ErrorEnvelope(types.CodePersistenceError,
			"could not record the answer, please retry", true)), nil
	}

	out := replies(feedbackEnvelope(feedback), progressEnvelope(progress))
	if !complete {
		return out, nil
	}

	finalized, err := d.finalize(ctx, rec)
	if err != nil {
		return append(out, types.ErrorEnvelope(types.CodePersistenceError,
			"could not finalize the assessment, send complete_assessment to retry", true)), nil
	}
	return append(out, finalized...), nil
}

func (d *Dispatcher) handleComplete(ctx context.Context, rec *registry.ConnectionRecord) ([]*types.Envelope, error) {
	out, err := d.finalize(ctx, rec)
	if err != nil {
		return replies(types.ErrorEnvelope(types.CodePersistenceError,
			"could not finalize the assessment, please retry", true)), nil
	}
	return out, nil
}

// finalize computes the result, persists the final status and moves the
// session to completed. The state transition happens last: a persistence
// failure leaves the session active so the client can retry.
func (d *Dispatcher) finalize(ctx context.Context, rec *registry.ConnectionRecord) ([]*types.Envelope, error) {
	result, err := d.engine.Finalize(ctx, rec.ThreadID())
	if err != nil {
		log.Printf("Failed to finalize thread %s: %v", rec.ThreadID(), err)
		return nil, err
	}

	completedAt := time.Now().UTC()
	if err := d.store.SetStatus(ctx, rec.ThreadID(), interfaces.StatusCompleted, &result.Score, &completedAt); err != nil {
		log.Printf("Failed to persist completion for thread %s: %v", rec.ThreadID(), err)
		return nil, err
	}

	if rec.State() == types.StateActive {
		if err := rec.SetState(types.StateCompleted); err != nil {
			return nil, err
		}
	}

	return replies(types.NewEnvelope(types.MessageTypeAssessmentCompleted, map[string]interface{}{
		"result": result,
	})), nil
}

func (d *Dispatcher) handleGetProgress(ctx context.Context, rec *registry.ConnectionRecord) ([]*types.Envelope, error) {
	progress, err := d.engine.Progress(ctx, rec.ThreadID())
	if err != nil {
		log.Printf("Failed to read progress for thread %s: %v", rec.ThreadID(), err)
		return replies(types.ErrorEnvelope(types.CodeEngineError,
			"could not read progress, please retry", true)), nil
	}
	return replies(progressEnvelope(progress)), nil
}

func (d *Dispatcher) handleChat(ctx context.Context, rec *registry.ConnectionRecord, env *types.Envelope) ([]*types.Envelope, error) {
	content := env.String("content")
	if content == "" {
		return replies(types.ErrorEnvelope(types.CodeProtocolError,
			"chat_message requires content", false)), nil
	}

	reply, err := d.engine.ChatReply(ctx, rec.ThreadID(), content)
	if err != nil {
		log.Printf("Failed chat reply for thread %s: %v", rec.ThreadID(), err)
		return replies(types.ErrorEnvelope(types.CodeEngineError,
			"could not answer right now, please retry", true)), nil
	}
	return replies(types.NewEnvelope(types.MessageTypeSystemMessage, map[string]interface{}{
		"content": reply,
	})), nil
}

func submitErrorEnvelope(err error) *types.Envelope {
	switch {
	case errors.Is(err, interfaces.ErrQuestionNotFound):
		return types.ErrorEnvelope(types.CodeProtocolError, "unknown question", false)
	case errors.Is(err, interfaces.ErrUnexpectedQuestion),
		errors.Is(err, interfaces.ErrUnknownChoice):
		return types.ErrorEnvelope(types.CodeProtocolError, err.Error(), false)
	default:
		log.Printf("Answer submission failed: %v", err)
		return types.ErrorEnvelope(types.CodeEngineError,
			"could not grade the answer, please retry", true)
	}
}

func questionEnvelope(q *types.Question) *types.Envelope {
	return types.NewEnvelope(types.MessageTypeQuestion, map[string]interface{}{
		"question": q,
	})
}

func feedbackEnvelope(fb *types.Feedback) *types.Envelope {
	return types.NewEnvelope(types.MessageTypeAnswerFeedback, map[string]interface{}{
		"feedback": fb,
	})
}

func progressEnvelope(p *types.Progress) *types.Envelope {
	return types.NewEnvelope(types.MessageTypeProgressUpdate, map[string]interface{}{
		"progress": p,
	})
}

func allAnsweredNotice() *types.Envelope {
	return types.NewEnvelope(types.MessageTypeSystemMessage, map[string]interface{}{
		"content": "All questions are answered. Send complete_assessment to receive your result.",
	})
}

func replies(envs ...*types.Envelope) []*types.Envelope {
	return envs
}
