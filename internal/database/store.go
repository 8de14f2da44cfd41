package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "proctor/pkg/database"
	"proctor/pkg/interfaces"
	"proctor/pkg/types"
)

// Store is the SQLite implementation of interfaces.AssessmentStore. Reads
// run concurrently on the connection pool; writes are serialized through a
// single goroutine, which is how SQLite wants to be written to.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewStore opens the database, runs pending migrations and starts the
// write loop.
func NewStore(config *dbconfig.Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	store := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store is shutting down")
	}
}

func (s *Store) CreateAssessment(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	assessment := &interfaces.Assessment{
		ID:        uuid.New().String(),
		UserID:    userID,
		GroupID:   groupID,
		Status:    interfaces.StatusNotStarted,
		StartedAt: time.Now().UTC(),
	}

	err := s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO assessments (id, user_id, group_id, status, score, started_at)
			VALUES (?, ?, ?, ?, 0, ?)
		`
		_, err := db.ExecContext(ctx, query,
			assessment.ID,
			assessment.UserID,
			assessment.GroupID,
			string(assessment.Status),
			assessment.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert assessment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return assessment, nil
}

func (s *Store) GetAssessment(ctx context.Context, id string) (*interfaces.Assessment, error) {
	query := `
		SELECT id, user_id, group_id, status, score, started_at, completed_at
		FROM assessments
		WHERE id = ?
	`
	return scanAssessment(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) FindLatest(ctx context.Context, userID, groupID string) (*interfaces.Assessment, error) {
	query := `
		SELECT id, user_id, group_id, status, score, started_at, completed_at
		FROM assessments
		WHERE user_id = ? AND group_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`
	return scanAssessment(s.db.QueryRowContext(ctx, query, userID, groupID))
}

func (s *Store) SetStatus(ctx context.Context, id string, status interfaces.AssessmentStatus, score *float64, completedAt *time.Time) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE assessments
			SET status = ?,
			    score = COALESCE(?, score),
			    completed_at = COALESCE(?, completed_at)
			WHERE id = ?
		`
		result, err := db.ExecContext(ctx, query, string(status), score, completedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update assessment status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrAssessmentNotFound
		}
		return nil
	})
}

func (s *Store) RecordAnswer(ctx context.Context, rec *interfaces.AnswerRecord) error {
	return s.executeWrite(func(db *sql.DB) error {
		// Upsert keeps answer submission safe to retry
		query := `
			INSERT OR REPLACE INTO answers (assessment_id, question_id, selected, correct, submitted_at)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			rec.AssessmentID,
			rec.QuestionID,
			rec.Selected,
			rec.Correct,
			rec.SubmittedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert answer: %w", err)
		}
		return nil
	})
}

// Answers returns the audit rows for one assessment in submission order.
func (s *Store) Answers(ctx context.Context, assessmentID string) ([]*interfaces.AnswerRecord, error) {
	query := `
		SELECT assessment_id, question_id, selected, correct, submitted_at
		FROM answers
		WHERE assessment_id = ?
		ORDER BY submitted_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*interfaces.AnswerRecord
	for rows.Next() {
		var rec interfaces.AnswerRecord
		if err := rows.Scan(&rec.AssessmentID, &rec.QuestionID, &rec.Selected, &rec.Correct, &rec.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating answer rows: %w", err)
	}

	return records, nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM questions WHERE group_id = ?", groupID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check group: %w", err)
	}
	return count > 0, nil
}

func (s *Store) LoadQuestions(ctx context.Context, groupID string) ([]types.Question, error) {
	query := `
		SELECT payload
		FROM questions
		WHERE group_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var questions []types.Question
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		var q storedQuestion
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			return nil, fmt.Errorf("corrupt question payload in group %s: %w", groupID, err)
		}
		questions = append(questions, q.toQuestion())
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question rows: %w", err)
	}

	return questions, nil
}

func (s *Store) SeedQuestions(ctx context.Context, groupID string, questions []types.Question) error {
	return s.executeWrite(func(db *sql.DB) error {
		// Replacing a question set is atomic: the old set is gone only if
		// the new one lands
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM questions WHERE group_id = ?", groupID); err != nil {
			return fmt.Errorf("failed to clear question set: %w", err)
		}

		for i, q := range questions {
			payload, err := json.Marshal(fromQuestion(q))
			if err != nil {
				return fmt.Errorf("failed to marshal question %s: %w", q.ID, err)
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO questions (group_id, position, payload) VALUES (?, ?, ?)",
				groupID, i, string(payload))
			if err != nil {
				return fmt.Errorf("failed to insert question %s: %w", q.ID, err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit question set: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveEngineState(ctx context.Context, threadID string, state []byte) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT OR REPLACE INTO engine_states (thread_id, state, updated_at)
			VALUES (?, ?, ?)
		`
		if _, err := db.ExecContext(ctx, query, threadID, string(state), time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to save engine state: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadEngineState(ctx context.Context, threadID string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM engine_states WHERE thread_id = ?", threadID).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrEngineStateNotFound
		}
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}
	return []byte(state), nil
}

func (s *Store) EngineStateExists(ctx context.Context, threadID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM engine_states WHERE thread_id = ?", threadID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check engine state: %w", err)
	}
	return count > 0, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assessments").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close drains the write loop and closes the connection. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func scanAssessment(row *sql.Row) (*interfaces.Assessment, error) {
	var a interfaces.Assessment
	var status string
	var completedAt sql.NullTime

	err := row.Scan(&a.ID, &a.UserID, &a.GroupID, &status, &a.Score, &a.StartedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrAssessmentNotFound
		}
		return nil, fmt.Errorf("failed to scan assessment: %w", err)
	}

	a.Status = interfaces.AssessmentStatus(status)
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return &a, nil
}

// storedQuestion is the on-disk question shape. types.Question hides the
// answer key from JSON so clients never see it; the store needs it
// persisted, hence the separate struct.
type storedQuestion struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Choices []types.Choice `json:"choices"`
	Skill   string         `json:"skill,omitempty"`
	Answer  string         `json:"answer"`
}

func (sq storedQuestion) toQuestion() types.Question {
	return types.Question{
		ID:      sq.ID,
		Prompt:  sq.Prompt,
		Choices: sq.Choices,
		Skill:   sq.Skill,
		Answer:  sq.Answer,
	}
}

func fromQuestion(q types.Question) storedQuestion {
	return storedQuestion{
		ID:      q.ID,
		Prompt:  q.Prompt,
		Choices: q.Choices,
		Skill:   q.Skill,
		Answer:  q.Answer,
	}
}
