// Package archive persists routed traffic and escalation outcomes to SQLite.
// The store is optional; the router runs fine without one.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MessageRecord is one archived message, inbound or outbound.
type MessageRecord struct {
	ID        int64
	Direction string // "inbound" | "outbound"
	Channel   string
	ChatID    string
	Sender    string
	Body      string
	CreatedAt time.Time
}

// EscalationRecord is one archived escalation outcome.
type EscalationRecord struct {
	ID        int64
	QueryID   string
	Customer  string
	Status    string // "forwarded" | "resolved"
	CreatedAt time.Time
}

// SQLiteStore archives traffic using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		direction   TEXT NOT NULL,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		sender      TEXT,
		body        TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS escalations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id    TEXT NOT NULL,
		customer    TEXT,
		status      TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_query ON escalations(query_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) RecordMessage(ctx context.Context, direction, channel, chatID, sender, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (direction, channel, chat_id, sender, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		direction, channel, chatID, sender, body, time.Now(),
	)
	return err
}

func (s *SQLiteStore) RecordEscalation(ctx context.Context, queryID, customer, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (query_id, customer, status, created_at)
		 VALUES (?, ?, ?, ?)`,
		queryID, customer, status, time.Now(),
	)
	return err
}

// RecentMessages returns the last limit messages for a chat, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, channel, chat_id, sender, body, created_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY created_at DESC LIMIT ?`, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var sender, body sql.NullString
		if err := rows.Scan(&m.ID, &m.Direction, &m.Channel, &m.ChatID,
			&sender, &body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Sender = sender.String
		m.Body = body.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// EscalationHistory returns the recorded transitions for a query, oldest first.
func (s *SQLiteStore) EscalationHistory(ctx context.Context, queryID string) ([]EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_id, customer, status, created_at
		 FROM escalations WHERE query_id = ?
		 ORDER BY created_at ASC`, queryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EscalationRecord
	for rows.Next() {
		var r EscalationRecord
		var customer sql.NullString
		if err := rows.Scan(&r.ID, &r.QueryID, &customer, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Customer = customer.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
