// Package store provides a SQLite-backed history of completed analyses. Each
// analysis is stored with its headline fields for listing and the full JSON
// result for retrieval, so past results survive server restarts and can be
// served without re-running the models.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ErrNotFound is returned by Get when no analysis has the requested id.
var ErrNotFound = errors.New("store: analysis not found")

// Analysis is one stored analysis.
type Analysis struct {
	// ID is the analysis id (a UUID).
	ID string `json:"id"`
	// PreviewFile is the stored name of the uploaded preview clip.
	PreviewFile string `json:"preview_file"`
	// FullFile is the stored name of the full-length upload, if any.
	FullFile string `json:"full_file,omitempty"`
	// TrackType is the classification (acapella, instrumental, song).
	TrackType string `json:"track_type"`
	// Tags are the track-level tags.
	Tags []string `json:"tags"`
	// Summary is the track-level summary.
	Summary string `json:"summary"`
	// Result is the full analysis record. Recent leaves it nil.
	Result json.RawMessage `json:"result,omitempty"`
	// CreatedAt is when the analysis was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// AnalysisStore persists and retrieves analyses. Implementations must be
// safe for concurrent use.
type AnalysisStore interface {
	// Put stores a, replacing any analysis with the same id.
	Put(ctx context.Context, a *Analysis) error
	// Get returns the analysis with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Analysis, error)
	// Recent returns up to n analyses, newest first, without their results.
	Recent(ctx context.Context, n int) ([]Analysis, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is an AnalysisStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the analysis history database.
// It resolves to ~/.sonitag/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".sonitag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS analyses (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT    NOT NULL UNIQUE,
    preview_file TEXT    NOT NULL,
    full_file    TEXT    NOT NULL DEFAULT '',
    track_type   TEXT    NOT NULL DEFAULT '',
    tags         TEXT    NOT NULL DEFAULT '[]', -- JSON array
    summary      TEXT    NOT NULL DEFAULT '',
    result       TEXT    NOT NULL,              -- full JSON record
    created_at   INTEGER NOT NULL               -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_analyses_created
    ON analyses (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Put stores a. A zero CreatedAt is set to the current time.
func (s *SQLiteStore) Put(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		return fmt.Errorf("store: put: id is required")
	}
	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return fmt.Errorf("store: put: marshal tags: %w", err)
	}
	result := a.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	const q = `
INSERT INTO analyses (id, preview_file, full_file, track_type, tags, summary, result, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    preview_file = excluded.preview_file,
    full_file    = excluded.full_file,
    track_type   = excluded.track_type,
    tags         = excluded.tags,
    summary      = excluded.summary,
    result       = excluded.result,
    created_at   = excluded.created_at`
	if _, err := s.db.ExecContext(ctx, q,
		a.ID, a.PreviewFile, a.FullFile, a.TrackType, string(tags), a.Summary, string(result), a.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("store: put %s: %w", a.ID, err)
	}
	return nil
}

// Get returns the analysis with the given id, result included.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Analysis, error) {
	const q = `
SELECT id, preview_file, full_file, track_type, tags, summary, result, created_at
FROM   analyses
WHERE  id = ?`

	var (
		a      Analysis
		tags   string
		result string
		ts     int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.PreviewFile, &a.FullFile, &a.TrackType, &tags, &a.Summary, &result, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("store: get %s: decode tags: %w", id, err)
	}
	a.Result = json.RawMessage(result)
	a.CreatedAt = time.Unix(ts, 0)
	return &a, nil
}

// Recent returns up to n analyses, newest first. Results are omitted.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Analysis, error) {
	const q = `
SELECT id, preview_file, full_file, track_type, tags, summary, created_at
FROM   analyses
ORDER  BY created_at DESC, seq DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var (
			a    Analysis
			tags string
			ts   int64
		)
		if err := rows.Scan(&a.ID, &a.PreviewFile, &a.FullFile, &a.TrackType, &tags, &a.Summary, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
			return nil, fmt.Errorf("store: recent: decode tags of %s: %w", a.ID, err)
		}
		a.CreatedAt = time.Unix(ts, 0)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
