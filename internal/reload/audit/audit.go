// Package audit implements the append-only SQLite-backed trail of
// configuration reload attempts.
// It records reload attempts, never configuration snapshots, and the
// engine never reads it back to reconstruct state.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/anthropics/reloadcore/internal/reload"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log is an append-only audit trail backed by a local SQLite file.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and applies any
// pending goose migrations.
func Open(ctx context.Context, path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run audit migrations: %w", err)
	}

	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one reload attempt. It never mutates or evicts prior
// entries; retention/rotation of the audit database is an operational
// concern outside the engine.
func (l *Log) Append(ctx context.Context, entry reload.AuditLogEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (request_id, triggered_by, started_at, finished_at, outcome, version_before, version_after, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, string(entry.Trigger), entry.StartedAt, entry.FinishedAt,
		string(entry.Outcome), entry.VersionBefore, entry.VersionAfter, entry.Summary,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]reload.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, request_id, triggered_by, started_at, finished_at, outcome, version_before, version_after, summary
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []reload.AuditLogEntry
	for rows.Next() {
		var e reload.AuditLogEntry
		var trigger, outcome string
		var started, finished time.Time
		if err := rows.Scan(&e.ID, &e.RequestID, &trigger, &started, &finished, &outcome, &e.VersionBefore, &e.VersionAfter, &e.Summary); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Trigger = reload.ReloadTrigger(trigger)
		e.Outcome = reload.ReloadOutcome(outcome)
		e.StartedAt = started
		e.FinishedAt = finished
		out = append(out, e)
	}
	return out, rows.Err()
}
