package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// memStore is an in-memory AssessmentStore covering what the engine
// touches. Assessment-record methods are unused here and return zero values.
type memStore struct {
	questions map[string][]types.Question
	states    map[string][]byte
	saveErr   error
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		questions: make(map[string][]types.Question),
		states:    make(map[string][]byte),
	}
}

func (m *memStore) CreateAssessment(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	return nil, nil
}
func (m *memStore) GetAssessment(ctx context.Context, id string) (*interfaces.Assessment, error) {
	return nil, interfaces.ErrAssessmentNotFound
}
func (m *memStore) FindLatest(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	return nil, interfaces.ErrAssessmentNotFound
}
func (m *memStore) SetStatus(ctx context.Context, id string, status interfaces.AssessmentStatus, score *float64, completedAt *time.Time) error {
	return nil
}
func (m *memStore) RecordAnswer(ctx context.Context, rec *interfaces.AnswerRecord) error { return nil }
func (m *memStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	_, ok := m.questions[groupID]
	return ok, nil
}
func (m *memStore) LoadQuestions(ctx context.Context, groupID string) ([]types.Question, error) {
	return m.questions[groupID], nil
}
func (m *memStore) SeedQuestions(ctx context.Context, groupID string, questions []types.Question) error {
	m.questions[groupID] = questions
	return nil
}
func (m *memStore) SaveEngineState(ctx context.Context, threadID string, state []byte) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.states[threadID] = state
	return nil
}
func (m *memStore) LoadEngineState(ctx context.Context, threadID string) ([]byte, error) {
	raw, ok := m.states[threadID]
	if !ok {
		return nil, interfaces.ErrEngineStateNotFound
	}
	return raw, nil
}
func (m *memStore) EngineStateExists(ctx context.Context, threadID string) (bool, error) {
	_, ok := m.states[threadID]
	return ok, nil
}
func (m *memStore) HealthCheck(ctx context.Context) error { return nil }
func (m *memStore) Close() error                          { return nil }

func sampleQuestions() []types.Question {
	return []types.Question{
		{
			ID:     "q1",
			Prompt: "2 + 2 = ?",
			Choices: []types.Choice{
				{Key: "a", Text: "3"},
				{Key: "b", Text: "4"},
			},
			Skill:  "arithmetic",
			Answer: "b",
		},
		{
			ID:     "q2",
			Prompt: "3 * 3 = ?",
			Choices: []types.Choice{
				{Key: "a", Text: "9"},
				{Key: "b", Text: "6"},
			},
			Skill:  "arithmetic",
			Answer: "a",
		},
	}
}

func newTestEngine(t *testing.T) (*MCQEngine, *memStore) {
	t.Helper()
	store := newMemStore()
	if err := store.SeedQuestions(context.Background(), "G1", sampleQuestions()); err != nil {
		t.Fatalf("Failed to seed questions: %v", err)
	}
	return NewMCQEngine(store), store
}

func TestInitialize(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Initialize(ctx, "thread-1", "G1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	exists, err := eng.StateExists(ctx, "thread-1")
	if err != nil || !exists {
		t.Fatalf("StateExists = %v, %v; want true", exists, err)
	}

	p, err := eng.Progress(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if p.Answered != 0 || p.Total != 2 {
		t.Errorf("Fresh progress = %d/%d, want 0/2", p.Answered, p.Total)
	}
}

func TestInitialize_RefusesExistingState(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Initialize(ctx, "thread-1", "G1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := eng.Initialize(ctx, "thread-1", "G1"); err != ErrStateExists {
		t.Errorf("Expected ErrStateExists on re-initialize, got %v", err)
	}
}

func TestInitialize_EmptyGroup(t *testing.T) {
	eng, store := newTestEngine(t)
	store.questions["empty"] = nil

	if err := eng.Initialize(context.Background(), "thread-1", "empty"); err != ErrNoQuestions {
		t.Errorf("Expected ErrNoQuestions, got %v", err)
	}
}

func TestNextQuestion(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	q, done, err := eng.NextQuestion(ctx, "thread-1")
	if err != nil {
		t.Fatalf("NextQuestion failed: %v", err)
	}
	if done {
		t.Fatal("Fresh assessment reported done")
	}
	if q.ID != "q1" {
		t.Errorf("First question = %s, want q1", q.ID)
	}

	// Repeated peeks return the same question until it is answered
	again, _, err := eng.NextQuestion(ctx, "thread-1")
	if err != nil {
		t.Fatalf("NextQuestion failed: %v", err)
	}
	if again.ID != "q1" {
		t.Errorf("Repeated peek = %s, want q1", again.ID)
	}
}

func TestSubmitAnswer_FullRun(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	fb, p, complete, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "b")
	if err != nil {
		t.Fatalf("SubmitAnswer failed: %v", err)
	}
	if !fb.Correct {
		t.Error("q1 answer b should be correct")
	}
	if complete {
		t.Error("Assessment complete after one of two answers")
	}
	if p.Answered != 1 || p.Correct != 1 {
		t.Errorf("Progress = answered %d correct %d, want 1/1", p.Answered, p.Correct)
	}

	fb, p, complete, err = eng.SubmitAnswer(ctx, "thread-1", "q2", "b")
	if err != nil {
		t.Fatalf("SubmitAnswer failed: %v", err)
	}
	if fb.Correct {
		t.Error("q2 answer b should be incorrect")
	}
	if fb.CorrectAnswer != "a" {
		t.Errorf("Feedback correct answer = %s, want a", fb.CorrectAnswer)
	}
	if !complete {
		t.Error("Assessment should be complete after both answers")
	}

	result, err := eng.Finalize(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if result.TotalQuestions != 2 || result.TotalCorrect != 1 {
		t.Errorf("Result = %d/%d, want 1/2", result.TotalCorrect, result.TotalQuestions)
	}
	if result.Score != 50.0 {
		t.Errorf("Score = %v, want 50.0", result.Score)
	}
}

func TestSubmitAnswer_Idempotent(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "b"); err != nil {
		t.Fatalf("SubmitAnswer failed: %v", err)
	}
	savesAfterFirst := store.saves

	// Re-submit with a different option: replays the recorded outcome,
	// does not re-grade and does not write
	fb, p, _, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "a")
	if err != nil {
		t.Fatalf("Retried SubmitAnswer failed: %v", err)
	}
	if fb.Selected != "b" || !fb.Correct {
		t.Errorf("Replay feedback = (%s, %v), want original (b, true)", fb.Selected, fb.Correct)
	}
	if p.Answered != 1 || p.Correct != 1 {
		t.Errorf("Replay progress = %d/%d", p.Answered, p.Correct)
	}
	if store.saves != savesAfterFirst {
		t.Error("Replay should not checkpoint again")
	}
}

func TestSubmitAnswer_Validation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "q2", "a"); err != interfaces.ErrUnexpectedQuestion {
		t.Errorf("Out-of-order answer: expected ErrUnexpectedQuestion, got %v", err)
	}
	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "z"); err != interfaces.ErrUnknownChoice {
		t.Errorf("Unknown option: expected ErrUnknownChoice, got %v", err)
	}
	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "missing", "a"); !errors.Is(err, interfaces.ErrQuestionNotFound) {
		t.Errorf("Unknown question: expected ErrQuestionNotFound, got %v", err)
	}
}

func TestSubmitAnswer_SaveFailureLeavesStateUntouched(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	store.saveErr = errors.New("disk full")
	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "b"); err == nil {
		t.Fatal("Expected error when checkpoint fails")
	}
	store.saveErr = nil

	// The durable checkpoint still has q1 pending, so the retry succeeds
	p, err := eng.Progress(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if p.Answered != 0 {
		t.Errorf("Failed submit leaked into checkpoint: answered = %d", p.Answered)
	}
	if _, _, _, err := eng.SubmitAnswer(ctx, "thread-1", "q1", "b"); err != nil {
		t.Errorf("Retry after failed checkpoint failed: %v", err)
	}
}

func TestChatReply(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	_ = eng.Initialize(ctx, "thread-1", "G1")

	reply, err := eng.ChatReply(ctx, "thread-1", "what is the answer to q1?")
	if err != nil {
		t.Fatalf("ChatReply failed: %v", err)
	}
	if reply == "" {
		t.Error("Expected a non-empty chat reply")
	}
}

func TestOperationsRequireState(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Progress(ctx, "ghost"); !errors.Is(err, interfaces.ErrEngineStateNotFound) {
		t.Errorf("Expected ErrEngineStateNotFound, got %v", err)
	}
	if _, _, err := eng.NextQuestion(ctx, "ghost"); !errors.Is(err, interfaces.ErrEngineStateNotFound) {
		t.Errorf("Expected ErrEngineStateNotFound, got %v", err)
	}
	if _, err := eng.Finalize(ctx, "ghost"); !errors.Is(err, interfaces.ErrEngineStateNotFound) {
		t.Errorf("Expected ErrEngineStateNotFound, got %v", err)
	}
}
