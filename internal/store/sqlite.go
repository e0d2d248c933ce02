package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id                 TEXT PRIMARY KEY,
	ts                 INTEGER NOT NULL,
	request_id         TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	outcome            TEXT NOT NULL DEFAULT '',
	passthrough_reason TEXT NOT NULL DEFAULT '',
	strategy           TEXT NOT NULL DEFAULT '',
	original_size      INTEGER NOT NULL DEFAULT 0,
	compressed_size    INTEGER NOT NULL DEFAULT 0,
	status_code        INTEGER NOT NULL DEFAULT 0,
	expanded           INTEGER NOT NULL DEFAULT 0,
	duration_ms        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS cycles_ts ON cycles(ts);
`

// SQLiteStore keeps cycle history in a SQLite file (modernc.org/sqlite,
// no cgo). Retention is applied on every Append.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", url.QueryEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

// Append inserts a record and prunes expired and excess rows.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	prepare(rec)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO cycles
		(id, ts, request_id, provider, model, outcome, passthrough_reason, strategy,
		 original_size, compressed_size, status_code, expanded, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.RequestID, rec.Provider, rec.Model,
		rec.Outcome, rec.PassthroughReason, rec.Strategy,
		rec.OriginalSize, rec.CompressedSize, rec.StatusCode, boolInt(rec.Expanded), rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert cycle record: %w", err)
	}

	cutoff := time.Now().Add(-s.opts.TTL).UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune expired records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cycles WHERE rowid NOT IN
		(SELECT rowid FROM cycles ORDER BY ts DESC, rowid DESC LIMIT ?)`, s.opts.MaxRecords); err != nil {
		return fmt.Errorf("failed to prune excess records: %w", err)
	}
	return tx.Commit()
}

// Recent returns unexpired records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	cutoff := time.Now().Add(-s.opts.TTL).UnixNano()

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, ts, request_id, provider, model, outcome, passthrough_reason, strategy,
		original_size, compressed_size, status_code, expanded, duration_ms
		FROM cycles WHERE ts >= ? ORDER BY ts DESC, rowid DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			ts       int64
			expanded int
		)
		if err := rows.Scan(&r.ID, &ts, &r.RequestID, &r.Provider, &r.Model, &r.Outcome,
			&r.PassthroughReason, &r.Strategy, &r.OriginalSize, &r.CompressedSize,
			&r.StatusCode, &expanded, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan cycle record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		r.Expanded = expanded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
