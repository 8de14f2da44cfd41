package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// threadState is the durable conversation checkpoint, one row per thread.
// It records which questions remain and how the answered ones went; the
// question content itself stays in the store and is re-read on each call.
type threadState struct {
	GroupID  string                 `json:"group_id"`
	Queue    []string               `json:"queue"`
	Answered map[string]answerEntry `json:"answered"`
	Correct  int                    `json:"correct"`
}

type answerEntry struct {
	Selected string `json:"selected"`
	Correct  bool   `json:"correct"`
}

// MCQEngine runs multiple-choice assessments. It is stateless between
// calls: every operation loads the thread checkpoint, mutates it and
// saves it back before returning, so a process restart never loses an
// answered question.
type MCQEngine struct {
	store interfaces.AssessmentStore
}

func NewMCQEngine(store interfaces.AssessmentStore) *MCQEngine {
	return &MCQEngine{store: store}
}

func (e *MCQEngine) StateExists(ctx context.Context, threadID string) (bool, error) {
	return e.store.EngineStateExists(ctx, threadID)
}

func (e *MCQEngine) Initialize(ctx context.Context, threadID, groupID string) error {
	exists, err := e.store.EngineStateExists(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to check engine state: %w", err)
	}
	if exists {
		return ErrStateExists
	}

	questions, err := e.store.LoadQuestions(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to load questions for group %s: %w", groupID, err)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	state := &threadState{
		GroupID:  groupID,
		Queue:    make([]string, 0, len(questions)),
		Answered: make(map[string]answerEntry),
	}
	for _, q := range questions {
		state.Queue = append(state.Queue, q.ID)
	}

	return e.saveState(ctx, threadID, state)
}

func (e *MCQEngine) Progress(ctx context.Context, threadID string) (*types.Progress, error) {
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return state.progress(), nil
}

func (e *MCQEngine) NextQuestion(ctx context.Context, threadID string) (*types.Question, bool, error) {
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return nil, false, err
	}
	if len(state.Queue) == 0 {
		return nil, true, nil
	}

	q, err := e.findQuestion(ctx, state.GroupID, state.Queue[0])
	if err != nil {
		return nil, false, err
	}
	return q, false, nil
}

func (e *MCQEngine) SubmitAnswer(ctx context.Context, threadID, questionID, selected string) (*types.Feedback, *types.Progress, bool, error) {
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return nil, nil, false, err
	}

	q, err := e.findQuestion(ctx, state.GroupID, questionID)
	if err != nil {
		return nil, nil, false, err
	}

	// Retried submission after a downstream failure: replay the recorded
	// outcome without touching the checkpoint.
	if prior, ok := state.Answered[questionID]; ok {
		return feedbackFor(q, prior.Selected, prior.Correct), state.progress(), len(state.Queue) == 0, nil
	}

	if len(state.Queue) == 0 || state.Queue[0] != questionID {
		return nil, nil, false, interfaces.ErrUnexpectedQuestion
	}
	if !hasChoice(q, selected) {
		return nil, nil, false, interfaces.ErrUnknownChoice
	}

	correct := selected == q.Answer
	state.Queue = state.Queue[1:]
	state.Answered[questionID] = answerEntry{Selected: selected, Correct: correct}
	if correct {
		state.Correct++
	}

	if err := e.saveState(ctx, threadID, state); err != nil {
		return nil, nil, false, err
	}

	return feedbackFor(q, selected, correct), state.progress(), len(state.Queue) == 0, nil
}

func (e *MCQEngine) ChatReply(ctx context.Context, threadID, message string) (string, error) {
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return "", err
	}

	p := state.progress()
	if p.Answered >= p.Total {
		return "You have answered every question. Send complete_assessment to receive your result.", nil
	}
	return fmt.Sprintf(
		"I can't discuss answers during the assessment. You have answered %d of %d questions; request the next question when you're ready.",
		p.Answered, p.Total), nil
}

func (e *MCQEngine) Finalize(ctx context.Context, threadID string) (*types.Result, error) {
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}

	total := len(state.Queue) + len(state.Answered)
	score := 0.0
	if total > 0 {
		score = math.Round(float64(state.Correct)/float64(total)*10000) / 100
	}
	return &types.Result{
		ThreadID:       threadID,
		TotalQuestions: total,
		TotalCorrect:   state.Correct,
		Score:          score,
	}, nil
}

func (e *MCQEngine) loadState(ctx context.Context, threadID string) (*threadState, error) {
	raw, err := e.store.LoadEngineState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state := &threadState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("corrupt engine state for thread %s: %w", threadID, err)
	}
	if state.Answered == nil {
		state.Answered = make(map[string]answerEntry)
	}
	return state, nil
}

func (e *MCQEngine) saveState(ctx context.Context, threadID string, state *threadState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode engine state: %w", err)
	}
	if err := e.store.SaveEngineState(ctx, threadID, raw); err != nil {
		return fmt.Errorf("failed to save engine state: %w", err)
	}
	return nil
}

func (e *MCQEngine) findQuestion(ctx context.Context, groupID, questionID string) (*types.Question, error) {
	questions, err := e.store.LoadQuestions(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions for group %s: %w", groupID, err)
	}
	for i := range questions {
		if questions[i].ID == questionID {
			return &questions[i], nil
		}
	}
	return nil, interfaces.ErrQuestionNotFound
}

func (s *threadState) progress() *types.Progress {
	total := len(s.Queue) + len(s.Answered)
	p := &types.Progress{
		Answered: len(s.Answered),
		Correct:  s.Correct,
		Total:    total,
	}
	if total > 0 {
		p.PercentComplete = math.Round(float64(p.Answered)/float64(total)*10000) / 100
	}
	return p
}

func feedbackFor(q *types.Question, selected string, correct bool) *types.Feedback {
	fb := &types.Feedback{
		QuestionID:    q.ID,
		Selected:      selected,
		Correct:       correct,
		CorrectAnswer: q.Answer,
	}
	if correct {
		fb.Message = "Correct."
	} else {
		fb.Message = fmt.Sprintf("Incorrect. The correct answer was %s.", q.Answer)
	}
	return fb
}

func hasChoice(q *types.Question, key string) bool {
	for _, c := range q.Choices {
		if c.Key == key {
			return true
		}
	}
	return false
}
