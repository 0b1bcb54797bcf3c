// Package audit keeps a local SQLite log of every chat exchange: what
// the user asked, what the gate decided, which tools ran, and what the
// assistant answered. Redis holds the live conversation state with a
// TTL; the audit log is the durable record that survives it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audited chat exchange.
type Entry struct {
	ID             int64
	UserID         string
	ConversationID string
	Message        string
	Reply          string
	Decision       string // proceed, refuse, or clarify
	ToolsUsed      []string
	Rounds         int
	CreatedAt      time.Time
}

// Store is the SQLite-backed audit log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	message TEXT NOT NULL,
	reply TEXT NOT NULL,
	decision TEXT NOT NULL,
	tools_used TEXT NOT NULL DEFAULT '',
	rounds INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_audit_created ON chat_audit(created_at);
CREATE INDEX IF NOT EXISTS idx_chat_audit_user ON chat_audit(user_id, conversation_id);
`

// Open opens (creating if needed) the audit database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "audit")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one exchange to the log.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_audit (user_id, conversation_id, message, reply, decision, tools_used, rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.ConversationID, e.Message, e.Reply, e.Decision,
		strings.Join(e.ToolsUsed, ","), e.Rounds, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, message, reply, decision, tools_used, rounds, created_at
		 FROM chat_audit ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var toolsUsed string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.Message, &e.Reply,
			&e.Decision, &toolsUsed, &e.Rounds, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if toolsUsed != "" {
			e.ToolsUsed = strings.Split(toolsUsed, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
