package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proctor/internal/auth"
	"proctor/internal/registry"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

type stubStore struct {
	healthErr error
	seedErr   error
	questions map[string][]types.Question
	seeded    map[string][]types.Question
}

func newStubStore() *stubStore {
	return &stubStore{
		questions: make(map[string][]types.Question),
		seeded:    make(map[string][]types.Question),
	}
}

func (s *stubStore) CreateAssessment(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStore) GetAssessment(ctx context.Context, id string) (*interfaces.Assessment, error) {
	return nil, interfaces.ErrAssessmentNotFound
}

func (s *stubStore) FindLatest(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	return nil, interfaces.ErrAssessmentNotFound
}

func (s *stubStore) SetStatus(ctx context.Context, id string, status interfaces.AssessmentStatus, score *float64, completedAt *time.Time) error {
	return nil
}

func (s *stubStore) RecordAnswer(ctx context.Context, rec *interfaces.AnswerRecord) error {
	return nil
}

func (s *stubStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	_, ok := s.questions[groupID]
	return ok, nil
}

func (s *stubStore) LoadQuestions(ctx context.Context, groupID string) ([]types.Question, error) {
	return s.questions[groupID], nil
}

func (s *stubStore) SeedQuestions(ctx context.Context, groupID string, questions []types.Question) error {
	if s.seedErr != nil {
		return s.seedErr
	}
	s.seeded[groupID] = questions
	s.questions[groupID] = questions
	return nil
}

func (s *stubStore) SaveEngineState(ctx context.Context, threadID string, state []byte) error {
	return nil
}

func (s *stubStore) LoadEngineState(ctx context.Context, threadID string) ([]byte, error) {
	return nil, interfaces.ErrEngineStateNotFound
}

func (s *stubStore) EngineStateExists(ctx context.Context, threadID string) (bool, error) {
	return false, nil
}

func (s *stubStore) HealthCheck(ctx context.Context) error { return s.healthErr }

func (s *stubStore) Close() error { return nil }

type fakeConn struct{}

func (f *fakeConn) WriteJSON(v interface{}) error { return nil }
func (f *fakeConn) Close() error { return nil }
func (f *fakeConn) CloseWithCode(code int, reason string) error { return nil }

func newTestServer(t *testing.T) (*Server, *stubStore, *registry.Registry) {
	t.Helper()
	store := newStubStore()
	reg := registry.NewRegistry()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	return NewServer(store, reg, verifier), store, reg
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck_Healthy(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "healthy" {
		t.Errorf("expected healthy status, got %q", resp.Status)
	}
	if resp.Database != "healthy" {
		t.Errorf("expected healthy database, got %q", resp.Database)
	}
	if resp.Connections == nil {
		t.Error("expected connection stats in response")
	}
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.healthErr = errors.New("database locked")

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %q", resp.Status)
	}
}

func TestStats(t *testing.T) {
	s, _, reg := newTestServer(t)
	if _, err := reg.Admit("alice", "quiz-1", &fakeConn{}); err != nil {
		t.Fatalf("admit: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats map[string]int
	decodeBody(t, rec, &stats)
	if stats["total_connections"] != 1 {
		t.Errorf("expected 1 total connection, got %d", stats["total_connections"])
	}
	if stats["active_groups"] != 1 {
		t.Errorf("expected 1 active group, got %d", stats["active_groups"])
	}
}

func TestStats_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodDelete, "/api/stats", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected error code in body, got %d", resp.Code)
	}
}

func TestConnectionByUser(t *testing.T) {
	s, _, reg := newTestServer(t)
	if _, err := reg.Admit("alice", "quiz-1", &fakeConn{}); err != nil {
		t.Fatalf("admit: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/connections/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var snapshot map[string]interface{}
	decodeBody(t, rec, &snapshot)
	if snapshot["user_id"] != "alice" {
		t.Errorf("expected user_id alice in snapshot, got %v", snapshot["user_id"])
	}
}

func TestConnectionByUser_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/connections/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConnectionByUser_MissingID(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/connections/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func seedPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(seedQuestionsRequest{
		Questions: []seedQuestion{
			{
				ID:     "q1",
				Prompt: "What does SELECT do?",
				Choices: []types.Choice{
					{Key: "a", Text: "Deletes rows"},
					{Key: "b", Text: "Reads rows"},
				},
				Skill:  "sql",
				Answer: "b",
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestSeedQuestions(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/groups/quiz-1/questions", seedPayload(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	seeded := store.seeded["quiz-1"]
	if len(seeded) != 1 {
		t.Fatalf("expected 1 seeded question, got %d", len(seeded))
	}
	if seeded[0].Answer != "b" {
		t.Errorf("expected answer key to reach the store, got %q", seeded[0].Answer)
	}
}

func TestSeedQuestions_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad JSON", "{not json"},
		{"empty set", `{"questions":[]}`},
		{"missing prompt", `{"questions":[{"id":"q1","choices":[{"key":"a","text":"x"},{"key":"b","text":"y"}],"answer":"a"}]}`},
		{"one choice", `{"questions":[{"id":"q1","prompt":"p","choices":[{"key":"a","text":"x"}],"answer":"a"}]}`},
		{"answer not a choice", `{"questions":[{"id":"q1","prompt":"p","choices":[{"key":"a","text":"x"},{"key":"b","text":"y"}],"answer":"z"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPut, "/api/groups/quiz-1/questions", []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestSeedQuestions_InvalidGroup(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/groups/bad%20group/questions", seedPayload(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListQuestions_HidesAnswerKey(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.questions["quiz-1"] = []types.Question{
		{
			ID:     "q1",
			Prompt: "p",
			Choices: []types.Choice{
				{Key: "a", Text: "x"},
				{Key: "b", Text: "y"},
			},
			Answer: "b",
		},
	}

	rec := doRequest(t, s, http.MethodGet, "/api/groups/quiz-1/questions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(`"answer"`)) {
		t.Error("answer key leaked into question listing")
	}

	var resp struct {
		GroupID   string           `json:"group_id"`
		Questions []types.Question `json:"questions"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Questions) != 1 || resp.Questions[0].ID != "q1" {
		t.Errorf("unexpected question listing: %+v", resp.Questions)
	}
}

func TestListGroupConnections(t *testing.T) {
	s, _, reg := newTestServer(t)
	if _, err := reg.Admit("alice", "quiz-1", &fakeConn{}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := reg.Admit("bob", "quiz-2", &fakeConn{}); err != nil {
		t.Fatalf("admit: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/groups/quiz-1/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		GroupID     string                   `json:"group_id"`
		Connections []map[string]interface{} `json:"connections"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Connections) != 1 {
		t.Fatalf("expected 1 connection in quiz-1, got %d", len(resp.Connections))
	}
	if resp.Connections[0]["user_id"] != "alice" {
		t.Errorf("expected alice's snapshot, got %v", resp.Connections[0]["user_id"])
	}
}

func TestListQuestions_UnknownGroup(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/groups/quiz-9/questions", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIssueToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/tokens", []byte(`{"user_id":"alice"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp tokenResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("expected a token in the response")
	}

	verifier := auth.NewVerifier("test-secret", time.Hour)
	userID, err := verifier.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token failed verification: %v", err)
	}
	if userID != "alice" {
		t.Errorf("expected token for alice, got %q", userID)
	}
}

func TestIssueToken_InvalidUser(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/tokens", []byte(`{"user_id":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodOptions, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
}
