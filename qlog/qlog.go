// Package qlog records answered queries to a SQLite audit log. Every
// entry captures what was asked, how retrieval ran, and what the model
// returned, so operators can review answer quality after the fact.
package qlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    query TEXT NOT NULL,
    intent TEXT NOT NULL DEFAULT '',
    retrieval_mode TEXT NOT NULL DEFAULT '',
    answer TEXT NOT NULL DEFAULT '',
    citation_count INTEGER NOT NULL DEFAULT 0,
    sources JSON NOT NULL DEFAULT '[]',
    model TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);
`

// migration represents a single schema migration. New migrations are
// appended at the end; never modify existing entries.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema (applied via schemaSQL)",
		apply:       func(tx *sql.Tx) error { return nil },
	},
	{
		version:     2,
		description: "add latency tracking to query_log",
		apply: func(tx *sql.Tx) error {
			// Present in the base schema for fresh databases, so the
			// ALTER may fail on an existing column.
			if _, err := tx.Exec("ALTER TABLE query_log ADD COLUMN latency_ms INTEGER NOT NULL DEFAULT 0"); err != nil {
				slog.Debug("migration 2: column may already exist", "error", err)
			}
			return nil
		},
	},
}

// Entry is one row of the query audit log.
type Entry struct {
	ID               int64  `json:"id"`
	Query            string `json:"query"`
	Intent           string `json:"intent"`
	RetrievalMode    string `json:"retrieval_mode"`
	Answer           string `json:"answer"`
	CitationCount    int    `json:"citation_count"`
	Sources          any    `json:"sources"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
	CreatedAt        string `json:"created_at"`
}

// Store wraps the SQLite query log database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the query log database at the given path and
// initialises its schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Log writes one entry. Callers treat a failure here as non-fatal; an
// unlogged answer is still a served answer.
func (s *Store) Log(ctx context.Context, e Entry) error {
	sourcesJSON, _ := json.Marshal(e.Sources)
	if e.Sources == nil {
		sourcesJSON = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, intent, retrieval_mode, answer, citation_count, sources, model, prompt_tokens, completion_tokens, total_tokens, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Query, e.Intent, e.RetrievalMode, e.Answer, e.CitationCount, string(sourcesJSON),
		e.Model, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.LatencyMs)
	return err
}

// Recent returns the newest entries, most recent first. limit is
// clamped to 1..200 with a default of 20.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, intent, retrieval_mode, answer, citation_count, sources, model, prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		FROM query_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var sources string
		if err := rows.Scan(&e.ID, &e.Query, &e.Intent, &e.RetrievalMode, &e.Answer,
			&e.CitationCount, &sources, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Sources = json.RawMessage(sources)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports the total number of logged queries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_log").Scan(&n)
	return n, err
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		slog.Info("applying migration", "version", m.version, "description", m.description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}
