package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/helmd/helmd/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS launch_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		kind TEXT NOT NULL,
		profile_id TEXT,
		workflow_id TEXT,
		event_type TEXT NOT NULL,
		status TEXT,
		pid INTEGER,
		exit_code INTEGER,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_history(occurred_at, kind, profile_id, workflow_id, event_type, status, pid, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Kind), e.ProfileID, e.WorkflowID, e.EventType, e.Status, e.PID, e.ExitCode, e.Detail)
	return err
}

// Recent returns the newest records, most recent first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, kind, profile_id, workflow_id, event_type, status, pid, exit_code, detail
		FROM launch_history ORDER BY occurred_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var e history.Event
		var kind string
		if err := rows.Scan(&e.OccurredAt, &kind, &e.ProfileID, &e.WorkflowID, &e.EventType, &e.Status, &e.PID, &e.ExitCode, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = history.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
