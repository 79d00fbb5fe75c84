package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"backchannel/orchestra/internal/types"
)

// Retention modes.
const (
	Ephemeral  = "ephemeral"
	Persistent = "persistent"
)

// Journal is a SQLite copy of session records and events. In ephemeral mode
// every method is a no-op.
type Journal struct {
	db      *sql.DB
	timeout time.Duration
}

// Open prepares the journal at path. Ephemeral retention opens nothing.
func Open(ctx context.Context, retention, path string) (*Journal, error) {
	j := &Journal{timeout: 2 * time.Second}
	if retention != Persistent {
		return j, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j.db = db
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    initial_mode TEXT,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether writes reach the database.
func (j *Journal) Enabled() bool { return j.db != nil }

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordSession upserts a session row.
func (j *Journal) RecordSession(sess types.Session) error {
	if j.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	var ended any
	if sess.EndedAt != nil {
		ended = sess.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote_addr, initial_mode, status, created_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at`,
		sess.ID, sess.RemoteAddr, sess.InitialMode, sess.Status, sess.CreatedAt.UTC().Format(time.RFC3339Nano), ended)
	return err
}

// RecordEvent appends one event.
func (j *Journal) RecordEvent(sessionID string, evt types.Event) error {
	if j.db == nil {
		return nil
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, evt.Type, string(payload), evt.Ts.UTC().Format(time.RFC3339Nano))
	return err
}

// ListEvents returns up to limit events for a session in insertion order.
func (j *Journal) ListEvents(ctx context.Context, sessionID string, limit int) ([]types.Event, error) {
	if j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT event_type, payload, created_at FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			e       types.Event
			payload sql.NullString
			created string
		)
		if err := rows.Scan(&e.Type, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.Ts = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSession reads one session row.
func (j *Journal) GetSession(ctx context.Context, id string) (types.Session, bool, error) {
	if j.db == nil {
		return types.Session{}, false, nil
	}
	var (
		s            types.Session
		remote, mode sql.NullString
		created      string
		ended        sql.NullString
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT session_id, remote_addr, initial_mode, status, created_at, ended_at FROM sessions WHERE session_id = ?`, id).
		Scan(&s.ID, &remote, &mode, &s.Status, &created, &ended)
	if err == sql.ErrNoRows {
		return types.Session{}, false, nil
	}
	if err != nil {
		return types.Session{}, false, err
	}
	s.RemoteAddr = remote.String
	s.InitialMode = mode.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		s.CreatedAt = ts
	}
	if ended.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, ended.String); err == nil {
			s.EndedAt = &ts
		}
	}
	return s, true, nil
}
