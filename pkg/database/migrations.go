package database

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// builtinMigrations is the full schema history, applied in order. Keeping
// the SQL in the binary means a fresh database is usable without shipping a
// migrations directory alongside the executable.
var builtinMigrations = []Migration{
	{
		Version:     "001",
		Description: "initial_schema",
		SQL: `
			CREATE TABLE assessments (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL,
				group_id     TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'not_started'
					CHECK (status IN ('not_started', 'in_progress', 'completed', 'abandoned')),
				score        REAL NOT NULL DEFAULT 0,
				started_at   DATETIME NOT NULL,
				completed_at DATETIME
			);

			CREATE INDEX idx_assessments_user_group ON assessments(user_id, group_id, started_at);
			CREATE INDEX idx_assessments_status ON assessments(status);

			CREATE TABLE answers (
				assessment_id TEXT NOT NULL REFERENCES assessments(id),
				question_id   TEXT NOT NULL,
				selected      TEXT NOT NULL,
				correct       INTEGER NOT NULL,
				submitted_at  DATETIME NOT NULL,
				PRIMARY KEY (assessment_id, question_id)
			);

			CREATE INDEX idx_answers_assessment ON answers(assessment_id);

			CREATE TABLE engine_states (
				thread_id  TEXT PRIMARY KEY,
				state      TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			);

			CREATE TABLE questions (
				group_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				payload  TEXT NOT NULL,
				PRIMARY KEY (group_id, position)
			);

			CREATE INDEX idx_questions_group ON questions(group_id);
		`,
	},
}

// MigrationManager applies pending schema migrations and tracks them in the
// schema_migrations table so restarts are idempotent.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager for the given handle.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies every migration not yet recorded, each inside its
// own transaction so a failure leaves the schema at a known version.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range builtinMigrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

// ValidateSchema ensures the database matches the expected structure before
// the store starts serving. Missing tables fail startup rather than the
// first query.
func (m *MigrationManager) ValidateSchema() error {
	for _, table := range []string{"assessments", "answers", "engine_states", "questions"} {
		exists, err := m.tableExists(table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	for _, index := range []string{"idx_assessments_user_group", "idx_assessments_status", "idx_answers_assessment", "idx_questions_group"} {
		exists, err := m.indexExists(index)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MigrationManager) tableExists(name string) (bool, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	return count > 0, err
}

func (m *MigrationManager) indexExists(name string) (bool, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", name,
	).Scan(&count)
	return count > 0, err
}
