// Package db persists the daemon's lifecycle event log in sqlite. The
// profile registry itself lives in a JSON file; this store only records
// what happened, for inspection via the events command and debugging after
// a crash.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tabmux/tabmux/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertEvent appends one lifecycle event.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, kind, profile, tab, detail, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.Kind, ev.Profile, ev.Tab, ev.Detail, ts(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first, optionally
// filtered by profile.
func (s *Store) ListEvents(ctx context.Context, profile string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT event_id, kind, profile, tab, detail, recorded_at
FROM events`
	args := []any{}
	if profile != "" {
		query += ` WHERE profile = ?`
		args = append(args, profile)
	}
	query += ` ORDER BY recorded_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var recorded string
		if err := rows.Scan(&ev.EventID, &ev.Kind, &ev.Profile, &ev.Tab, &ev.Detail, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RecordedAt = parseTS(recorded)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeEventsBefore deletes events recorded before cutoff, returning the
// number removed.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE recorded_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
