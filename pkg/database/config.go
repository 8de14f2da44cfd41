package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration for the SQLite-backed store.
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns production-ready database settings. SQLite handles
// assessment-scale concurrency comfortably with a small pool; writes are
// funneled through a single writer anyway.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/proctor.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate ensures the configuration is usable before a connection is opened.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be positive")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be positive")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be positive")
	}
	return nil
}

// DSN builds the SQLite connection string with the pragmas the store relies
// on: WAL journaling for concurrent readers, a busy timeout instead of
// immediate SQLITE_BUSY failures, and enforced foreign keys.
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

const sqliteOptimizations = `
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -2000;
	PRAGMA temp_store = MEMORY;
`

// ApplyOptimizations applies per-connection SQLite pragmas.
func ApplyOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
