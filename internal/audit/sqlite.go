package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps security events in SQLite for the /audit endpoint and for
// after-the-fact review.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the audit database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id        TEXT PRIMARY KEY,
			ts        INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			subject   TEXT NOT NULL DEFAULT '',
			reason    TEXT NOT NULL DEFAULT '',
			remote    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Record inserts ev.
func (s *Store) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO security_events (id, ts, kind, component, subject, reason, remote)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UnixNano(), string(ev.Kind), ev.Component, ev.Subject, ev.Reason, ev.Remote,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty kind matches all.
func (s *Store) Recent(ctx context.Context, kind Kind, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, ts, kind, component, subject, reason, remote FROM security_events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			ts   int64
			kind string
		)
		if err := rows.Scan(&ev.ID, &ts, &kind, &ev.Component, &ev.Subject, &ev.Reason, &ev.Remote); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		ev.Kind = Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
