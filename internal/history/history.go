// Package history records manifest file events in an embedded SQLite
// database so they can be inspected after the fact.
//
// The database runs in embedded mode with WAL, so `manifestd history` can
// read while a server is recording.
//
// Layout:
//   - sessions: one row per serve run, with the roots it watched
//   - events: one row per watch event, tagged with its session
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/manifestd/internal/manifest"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one stored file event.
type Record struct {
	ID      int64     `json:"id"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	Op      string    `json:"op"`
	Root    string    `json:"root"`
	Path    string    `json:"path"`
	URL     string    `json:"url"`
}

// Session is one serve run.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Roots     []string  `json:"roots"`
	Events    int       `json:"events"`
}

// Query filters List.
type Query struct {
	// Since excludes events before this time. Zero means no bound.
	Since time.Time
	// URLPrefix keeps only events whose URL starts with it.
	URLPrefix string
	// Session keeps only events from one session.
	Session string
	// Limit caps the number of results, newest first. Zero means 100.
	Limit int
}

// Store wraps the database connection.
type Store struct {
	conn    *sql.DB
	path    string
	session string
}

// Open creates or opens the history database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		roots TEXT NOT NULL  -- JSON array
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		at TEXT NOT NULL,
		op TEXT NOT NULL,
		root TEXT NOT NULL,
		path TEXT NOT NULL,
		url TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	CREATE INDEX IF NOT EXISTS idx_events_url ON events(url);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// BeginSession starts a new session for roots. Events recorded afterwards
// belong to it.
func (s *Store) BeginSession(ctx context.Context, roots []string) (string, error) {
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return "", fmt.Errorf("failed to marshal roots: %w", err)
	}

	id := uuid.NewString()
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, roots) VALUES (?, ?, ?)`,
		id, formatTime(time.Now()), string(rootsJSON))
	if err != nil {
		return "", fmt.Errorf("failed to begin session: %w", err)
	}
	s.session = id
	return id, nil
}

// Session returns the current session id, or "" before BeginSession.
func (s *Store) Session() string {
	return s.session
}

// Record stores ev with the current time.
func (s *Store) Record(ctx context.Context, ev manifest.Event) error {
	return s.RecordAt(ctx, ev, time.Now())
}

// RecordAt stores ev as having happened at at.
func (s *Store) RecordAt(ctx context.Context, ev manifest.Event, at time.Time) error {
	if s.session == "" {
		return fmt.Errorf("failed to record event for %s: no session", ev.Path)
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO events (session_id, at, op, root, path, url) VALUES (?, ?, ?, ?, ?, ?)`,
		s.session, formatTime(at), ev.Op.String(), ev.Root, ev.Path, ev.URL)
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", ev.Path, err)
	}
	return nil
}

// List returns recorded events matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if q.URLPrefix != "" {
		where = append(where, "instr(url, ?) = 1")
		args = append(args, q.URLPrefix)
	}
	if q.Session != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.Session)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, session_id, at, op, root, path, url FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.ID, &r.Session, &at, &r.Op, &r.Root, &r.Path, &r.URL); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if r.Time, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("invalid event time %q: %w", at, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return records, nil
}

// Sessions returns every session with its event count, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT s.id, s.started_at, s.roots, COUNT(e.id)
	FROM sessions s
	LEFT JOIN events e ON e.session_id = s.id
	GROUP BY s.id
	ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			started   string
			rootsJSON string
		)
		if err := rows.Scan(&sess.ID, &started, &rootsJSON, &sess.Events); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if sess.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("invalid session time %q: %w", started, err)
		}
		if err := json.Unmarshal([]byte(rootsJSON), &sess.Roots); err != nil {
			return nil, fmt.Errorf("invalid session roots: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
