// Package store provides durable thread metadata and message-log
// persistence using SQLite.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mensahq/mensad/internal/thread"
)

// retryAttempts and retryBaseDelay bound the exponential backoff applied
// to write operations before a persistence error is surfaced.
const (
	retryAttempts  = 4
	retryBaseDelay = 50 * time.Millisecond
)

// Store manages thread and message persistence in SQLite.
// A successful return from any write method is a commit point: the data
// has been durably written.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'idle',
			preview        TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			thread_id   TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			interrupted INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (thread_id, seq),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);

		CREATE TABLE IF NOT EXISTS tool_activity (
			thread_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			tool_id    TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			phase      TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '',
			is_error   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (thread_id, seq),
			FOREIGN KEY (thread_id) REFERENCES threads(id)
		);

		CREATE TABLE IF NOT EXISTS app_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs op, retrying with bounded exponential backoff.
// The final error is wrapped as thread.ErrPersistence.
func withRetry(op func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < retryAttempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %v", thread.ErrPersistence, err)
}

// SaveThread inserts or updates a thread metadata record.
func (s *Store) SaveThread(t *thread.Thread) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO threads (id, title, workspace_path, status, preview, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				title = excluded.title, status = excluded.status,
				preview = excluded.preview, last_error = excluded.last_error,
				updated_at = excluded.updated_at`,
			t.ID, t.Title, t.WorkspacePath, t.Status, t.Preview,
			t.LastError, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
}

// LoadThreads returns all persisted thread metadata records. A corrupt or
// unreadable individual record is skipped and reported, not fatal to
// loading the remaining threads. IsStreaming always starts false.
func (s *Store) LoadThreads() ([]*thread.Thread, error) {
	rows, err := s.db.Query(
		`SELECT id, title, workspace_path, status, preview, last_error, created_at, updated_at
		 FROM threads ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	defer rows.Close()

	var threads []*thread.Thread
	for rows.Next() {
		t := &thread.Thread{}
		if err := rows.Scan(&t.ID, &t.Title, &t.WorkspacePath, &t.Status,
			&t.Preview, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			log.Printf("store: skipping unreadable thread record: %v", err)
			continue
		}
		if !validStatus(t.Status) {
			log.Printf("store: skipping thread %s with corrupt status %q", t.ID, t.Status)
			continue
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func validStatus(st thread.Status) bool {
	switch st {
	case thread.StatusActive, thread.StatusIdle, thread.StatusArchived:
		return true
	}
	return false
}

// DeleteThread removes a thread and its message and tool logs irreversibly.
func (s *Store) DeleteThread(id string) error {
	return withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM tool_activity WHERE thread_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AppendMessage durably appends a message to a thread's log.
func (s *Store) AppendMessage(m *thread.Message) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO messages (thread_id, seq, role, content, interrupted, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ThreadID, m.Seq, m.Role, m.Content, m.Interrupted, m.CreatedAt,
		)
		return err
	})
}

// LoadMessages returns a thread's messages in sequence order.
func (s *Store) LoadMessages(threadID string) ([]*thread.Message, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, seq, role, content, interrupted, created_at
		 FROM messages WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	defer rows.Close()

	var msgs []*thread.Message
	for rows.Next() {
		m := &thread.Message{}
		if err := rows.Scan(&m.ThreadID, &m.Seq, &m.Role, &m.Content,
			&m.Interrupted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendTool durably appends a tool activity record to a thread's log.
func (s *Store) AppendTool(r *thread.ToolRecord) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO tool_activity (thread_id, seq, tool_id, name, phase, payload, is_error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ThreadID, r.Seq, r.ToolID, r.Name, r.Phase, r.Payload, r.IsError, r.CreatedAt,
		)
		return err
	})
}

// LoadTools returns a thread's tool activity records in sequence order.
func (s *Store) LoadTools(threadID string) ([]*thread.ToolRecord, error) {
	rows, err := s.db.Query(
		`SELECT thread_id, seq, tool_id, name, phase, payload, is_error, created_at
		 FROM tool_activity WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	defer rows.Close()

	var recs []*thread.ToolRecord
	for rows.Next() {
		r := &thread.ToolRecord{}
		if err := rows.Scan(&r.ThreadID, &r.Seq, &r.ToolID, &r.Name,
			&r.Phase, &r.Payload, &r.IsError, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// MaxSeqs returns, per thread, the highest message and tool sequence
// numbers. Used on startup to resume the gapless per-thread counters.
func (s *Store) MaxSeqs() (msgs map[string]int64, tools map[string]int64, err error) {
	msgs = make(map[string]int64)
	tools = make(map[string]int64)

	rows, err := s.db.Query(`SELECT thread_id, MAX(seq) FROM messages GROUP BY thread_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, nil, err
		}
		msgs[id] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	trows, err := s.db.Query(`SELECT thread_id, MAX(seq) FROM tool_activity GROUP BY thread_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	defer trows.Close()
	for trows.Next() {
		var id string
		var seq int64
		if err := trows.Scan(&id, &seq); err != nil {
			return nil, nil, err
		}
		tools[id] = seq
	}
	return msgs, tools, trows.Err()
}

const activeThreadKey = "active_thread_id"

// SetActiveThread durably records the UI-visible thread id ("" for none).
func (s *Store) SetActiveThread(id string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO app_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			activeThreadKey, id,
		)
		return err
	})
}

// ActiveThread returns the last recorded UI-visible thread id, or "".
func (s *Store) ActiveThread() (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT value FROM app_state WHERE key = ?`, activeThreadKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", thread.ErrPersistence, err)
	}
	return id, nil
}
