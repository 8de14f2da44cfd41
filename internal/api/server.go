package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"proctor/internal/auth"
	"proctor/internal/registry"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Server is the HTTP status and operations surface next to the WebSocket
// endpoint: health, connection introspection, question-set management and
// token issuance. No assessment logic lives here.
type Server struct {
	store    interfaces.AssessmentStore
	registry *registry.Registry
	verifier *auth.Verifier
	router   *http.ServeMux
}

func NewServer(store interfaces.AssessmentStore, reg *registry.Registry, verifier *auth.Verifier) *Server {
	s := &Server{
		store:    store,
		registry: reg,
		verifier: verifier,
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/api/connections/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConnectionByUser))))
	s.router.Handle("/api/groups/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleGroupQuestions))))
	s.router.Handle("/api/tokens", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTokens))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = json.NewEncoder(w).Encode(s.registry.Stats())
}

// GET /api/connections/{userID}
func (s *Server) handleConnectionByUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/api/connections/")
	if userID == "" || strings.Contains(userID, "/") {
		s.sendError(w, "User ID required", http.StatusBadRequest)
		return
	}

	record, ok := s.registry.LookupByUser(userID)
	if !ok {
		s.sendError(w, "No active connection for user", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(record.Snapshot())
}

type seedQuestionsRequest struct {
	Questions []seedQuestion `json:"questions"`
}

type seedQuestion struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Choices []types.Choice `json:"choices"`
	Skill   string         `json:"skill,omitempty"`
	Answer  string         `json:"answer"`
}

// /api/groups/{groupID}/questions and /api/groups/{groupID}/connections
func (s *Server) handleGroupQuestions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/groups/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}
	groupID := parts[0]
	if !types.IsValidGroupID(groupID) {
		s.sendError(w, types.ErrInvalidGroupID.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case parts[1] == "questions" && r.Method == http.MethodPut:
		s.seedQuestions(w, r, groupID)
	case parts[1] == "questions" && r.Method == http.MethodGet:
		s.listQuestions(w, r, groupID)
	case parts[1] == "connections" && r.Method == http.MethodGet:
		s.listGroupConnections(w, groupID)
	case parts[1] == "questions" || parts[1] == "connections":
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

// listGroupConnections returns a snapshot of every live connection in a
// session-group, for operator diagnostics.
func (s *Server) listGroupConnections(w http.ResponseWriter, groupID string) {
	records := s.registry.GroupConnections(groupID)
	snapshots := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		snapshots = append(snapshots, record.Snapshot())
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"group_id":    groupID,
		"connections": snapshots,
	})
}

func (s *Server) seedQuestions(w http.ResponseWriter, r *http.Request, groupID string) {
	var req seedQuestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Questions) == 0 {
		s.sendError(w, "At least one question is required", http.StatusBadRequest)
		return
	}

	questions := make([]types.Question, 0, len(req.Questions))
	for _, q := range req.Questions {
		if q.ID == "" || q.Prompt == "" || len(q.Choices) < 2 || q.Answer == "" {
			s.sendError(w, fmt.Sprintf("Question %q is incomplete", q.ID), http.StatusBadRequest)
			return
		}
		if !hasChoice(q.Choices, q.Answer) {
			s.sendError(w, fmt.Sprintf("Question %q answer is not among its choices", q.ID), http.StatusBadRequest)
			return
		}
		questions = append(questions, types.Question{
			ID:      q.ID,
			Prompt:  q.Prompt,
			Choices: q.Choices,
			Skill:   q.Skill,
			Answer:  q.Answer,
		})
	}

	if err := s.store.SeedQuestions(r.Context(), groupID, questions); err != nil {
		s.sendError(w, "Failed to store question set", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"group_id":  groupID,
		"questions": len(questions),
	})
}

// listQuestions returns the set without answer keys; it serves client
// preview tooling, not the assessment flow.
func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request, groupID string) {
	questions, err := s.store.LoadQuestions(r.Context(), groupID)
	if err != nil {
		s.sendError(w, "Failed to load question set", http.StatusInternalServerError)
		return
	}
	if len(questions) == 0 {
		s.sendError(w, "Group not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"group_id":  groupID,
		"questions": questions,
	})
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// POST /api/tokens
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.UserID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	token, err := s.verifier.Issue(req.UserID)
	if err != nil {
		s.sendError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token, UserID: req.UserID})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func hasChoice(choices []types.Choice, key string) bool {
	for _, c := range choices {
		if c.Key == key {
			return true
		}
	}
	return false
}
