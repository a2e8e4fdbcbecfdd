package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/codewiresh/drivewire/internal/protocol"
)

// SQLiteStore implements TraceStore using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex // serializes writes (SQLite is single-writer)
}

var _ TraceStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the SQLite database at path and runs
// schema migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating trace dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trace_sessions (
			id TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trace_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES trace_sessions(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			msg_id INTEGER,
			guid TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_messages_session ON trace_messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES trace_sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events(session_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// --- Writes ---

func (s *SQLiteStore) Begin(ctx context.Context, transport, endpoint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO trace_sessions (id, transport, endpoint, started_at) VALUES (?, ?, ?, ?)",
		id, transport, endpoint, time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) Record(ctx context.Context, session, direction string, msg *protocol.Message) error {
	payload, err := protocol.Serialize(msg)
	if err != nil {
		return fmt.Errorf("encoding traced message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_messages (session_id, direction, msg_id, guid, method, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session, direction, msg.ID, msg.GUID, msg.Method, payload, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) Event(ctx context.Context, session, kind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO trace_events (session_id, kind, detail, recorded_at) VALUES (?, ?, ?, ?)",
		session, kind, detail, time.Now().UTC(),
	)
	return err
}

// --- Reads ---

const sessionColumns = `s.id, s.transport, s.endpoint, s.started_at,
	(SELECT COUNT(*) FROM trace_messages m WHERE m.session_id = s.id)`

func (s *SQLiteStore) Session(ctx context.Context, idOrPrefix string) (*TraceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idOrPrefix == "" {
		return nil, ErrSessionNotFound
	}
	// Escape LIKE wildcards so only a literal prefix matches.
	pattern := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(idOrPrefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM trace_sessions s WHERE s.id LIKE ? ESCAPE '\' LIMIT 2`,
		pattern,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []TraceSession
	for rows.Next() {
		var ts TraceSession
		if err := rows.Scan(&ts.ID, &ts.Transport, &ts.Endpoint, &ts.StartedAt, &ts.Messages); err != nil {
			return nil, err
		}
		found = append(found, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, idOrPrefix)
	case 1:
		return &found[0], nil
	default:
		for i := range found {
			if found[i].ID == idOrPrefix {
				return &found[i], nil
			}
		}
		return nil, fmt.Errorf("trace session prefix %q is ambiguous", idOrPrefix)
	}
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]TraceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM trace_sessions s ORDER BY s.started_at, s.rowid",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []TraceSession
	for rows.Next() {
		var ts TraceSession
		if err := rows.Scan(&ts.ID, &ts.Transport, &ts.Endpoint, &ts.StartedAt, &ts.Messages); err != nil {
			return nil, err
		}
		sessions = append(sessions, ts)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Messages(ctx context.Context, session string) ([]TraceMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, direction, msg_id, guid, method, payload, recorded_at
		 FROM trace_messages WHERE session_id = ? ORDER BY seq`,
		session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []TraceMessage
	for rows.Next() {
		var (
			m       TraceMessage
			msgID   sql.NullInt64
			payload []byte
		)
		if err := rows.Scan(&m.Seq, &m.Direction, &msgID, &m.GUID, &m.Method, &payload, &m.RecordedAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		if msgID.Valid {
			m.ID = protocol.IntPtr(int(msgID.Int64))
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Events(ctx context.Context, session string) ([]TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, kind, detail, recorded_at FROM trace_events WHERE session_id = ? ORDER BY seq",
		session,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TraceEvent
	for rows.Next() {
		var e TraceEvent
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Retention ---

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = cutoff.UTC()
	for _, table := range []string{"trace_messages", "trace_events"} {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE session_id IN (SELECT id FROM trace_sessions WHERE started_at < ?)",
			cutoff,
		); err != nil {
			return 0, err
		}
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM trace_sessions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
