package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps the history of bypass runs in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the history database at dbPath.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; runs are sequential anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		portal_url TEXT NOT NULL,
		backend TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		succeeded BOOLEAN NOT NULL,
		ended_in TEXT NOT NULL,
		navigation_error TEXT,
		checkbox_clicks INTEGER NOT NULL DEFAULT 0,
		button_keyword TEXT,
		lookup_failures INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		portal_text TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_portal_url ON runs(portal_url);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts a run record.
func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, portal_url, backend, started_at, duration_ms, succeeded,
			ended_in, navigation_error, checkbox_clicks, button_keyword,
			lookup_failures, error, portal_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PortalURL, r.Backend, r.StartedAt.UTC(), r.Duration.Milliseconds(), r.Succeeded,
		r.EndedIn, r.NavigationError, r.CheckboxClicks, r.ButtonKeyword,
		r.LookupFailures, r.Error, r.PortalText)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portal_url, backend, started_at, duration_ms, succeeded,
			ended_in, navigation_error, checkbox_clicks, button_keyword,
			lookup_failures, error, portal_text
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRuns(rows)
}

// LastSuccess returns the most recent successful run for portalURL, or nil.
func (s *Store) LastSuccess(ctx context.Context, portalURL string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portal_url, backend, started_at, duration_ms, succeeded,
			ended_in, navigation_error, checkbox_clicks, button_keyword,
			lookup_failures, error, portal_text
		FROM runs
		WHERE portal_url = ? AND succeeded
		ORDER BY started_at DESC
		LIMIT 1
	`, portalURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var r Run
		var durationMS int64
		var navErr, button, runErr, text sql.NullString

		err := rows.Scan(
			&r.ID, &r.PortalURL, &r.Backend, &r.StartedAt, &durationMS, &r.Succeeded,
			&r.EndedIn, &navErr, &r.CheckboxClicks, &button,
			&r.LookupFailures, &runErr, &text,
		)
		if err != nil {
			return nil, err
		}

		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.NavigationError = navErr.String
		r.ButtonKeyword = button.String
		r.Error = runErr.String
		r.PortalText = text.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
