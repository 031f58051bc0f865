package summary

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores summaries and conversation turns in SQLite.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers while calls finish
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		phone TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		end_reason TEXT NOT NULL,
		variables_json TEXT NOT NULL,
		flags TEXT NOT NULL,
		stats_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls(ended_at);

	CREATE TABLE IF NOT EXISTS turns (
		call_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		at INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		assets TEXT,
		response_ms INTEGER,
		PRIMARY KEY (call_id, idx)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Emit upserts the call row and replaces its turns in one transaction.
func (s *SQLiteSink) Emit(ctx context.Context, e Event) error {
	vars, err := json.Marshal(e.Variables)
	if err != nil {
		return err
	}
	stats, err := json.Marshal(e.Stats)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO calls (call_id, event_id, direction, phone, started_at, ended_at, duration_ms, end_reason, variables_json, flags, stats_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(call_id) DO UPDATE SET
		event_id = excluded.event_id,
		ended_at = excluded.ended_at,
		duration_ms = excluded.duration_ms,
		end_reason = excluded.end_reason,
		variables_json = excluded.variables_json,
		flags = excluded.flags,
		stats_json = excluded.stats_json`,
		e.CallID, e.ID, e.Direction, e.Phone,
		e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(), e.DurationMs,
		e.EndReason, string(vars), strings.Join(e.SetFlags(), ","), string(stats))
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE call_id = ?`, e.CallID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for i, t := range e.Turns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (call_id, idx, at, speaker, kind, content, assets, response_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.CallID, i, t.At.UnixMilli(), t.Speaker, t.Kind, t.Content, strings.Join(t.Assets, ","), t.ResponseMs)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads a stored summary without its turns. It returns sql.ErrNoRows
// when the call is unknown.
func (s *SQLiteSink) Get(ctx context.Context, callID string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, direction, phone, started_at, ended_at, duration_ms, end_reason, variables_json, flags, stats_json
		FROM calls WHERE call_id = ?`, callID)
	var (
		e                  Event
		phone              sql.NullString
		started, ended     int64
		vars, flags, stats string
	)
	if err := row.Scan(&e.ID, &e.Direction, &phone, &started, &ended, &e.DurationMs, &e.EndReason, &vars, &flags, &stats); err != nil {
		return Event{}, err
	}
	e.CallID = callID
	e.Phone = phone.String
	e.StartedAt = time.UnixMilli(started)
	e.EndedAt = time.UnixMilli(ended)
	if err := json.Unmarshal([]byte(vars), &e.Variables); err != nil {
		return Event{}, fmt.Errorf("decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &e.Stats); err != nil {
		return Event{}, fmt.Errorf("decode stats: %w", err)
	}
	e.Flags = make(map[string]bool)
	for _, f := range strings.Split(flags, ",") {
		if f != "" {
			e.Flags[f] = true
		}
	}
	return e, nil
}

// TurnCount returns how many turns are stored for callID.
func (s *SQLiteSink) TurnCount(ctx context.Context, callID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE call_id = ?`, callID).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
