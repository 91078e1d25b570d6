// Package history keeps a record of prover runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	options     TEXT,
	input_bytes INTEGER NOT NULL,
	state       TEXT NOT NULL,
	outcome     TEXT,
	error       TEXT,
	line_count  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TEXT NOT NULL
)`

// Run is one prover invocation or resumption.
type Run struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"sessionId"`
	Mode       string        `json:"mode"`
	Options    []string      `json:"options"`
	InputBytes int           `json:"inputBytes"`
	State      string        `json:"state"`
	Outcome    string        `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`
	LineCount  int           `json:"lineCount"`
	Duration   time.Duration `json:"durationNs"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Store writes and reads runs.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path. ":memory:" gives
// a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection: an in-memory database is per connection and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts run and returns its id.
func (s *Store) Record(ctx context.Context, run Run) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (session_id, mode, options, input_bytes, state, outcome, error, line_count, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SessionID,
		run.Mode,
		nullIfEmpty(strings.Join(run.Options, "\x1f")),
		run.InputBytes,
		run.State,
		nullIfEmpty(run.Outcome),
		nullIfEmpty(run.Error),
		run.LineCount,
		run.Duration.Milliseconds(),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent runs, newest first. An empty sessionID lists
// runs of all sessions.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, session_id, mode, options, input_bytes, state, outcome, error, line_count, duration_ms, created_at
		FROM runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r                       Run
			options, outcome, errms sql.NullString
			durationMS              int64
			createdAt               string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Mode, &options, &r.InputBytes, &r.State,
			&outcome, &errms, &r.LineCount, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if options.Valid {
			r.Options = strings.Split(options.String, "\x1f")
		}
		r.Outcome = outcome.String
		r.Error = errms.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of run %d: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
