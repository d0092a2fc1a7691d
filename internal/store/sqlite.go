// ABOUTME: SQLite implementation of MessageStore and LogStore using modernc.org/sqlite
// ABOUTME: Provides chat/message persistence and stream event logs with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements MessageStore and LogStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parts_json TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			completed_at TEXT,
			event_count INTEGER NOT NULL DEFAULT 0,

			CHECK (state IN ('active', 'completed', 'failed', 'aborted'))
		);

		CREATE INDEX IF NOT EXISTS idx_streams_chat_created
			ON streams(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS stream_events (
			stream_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (stream_id, seq),
			FOREIGN KEY (stream_id) REFERENCES streams(stream_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "stream_id",
			apply:  `ALTER TABLE messages ADD COLUMN stream_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveMessage saves a message, creating its chat on first use
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var partsJSON any
	if len(msg.Parts) > 0 {
		b, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encoding message parts: %w", err)
		}
		partsJSON = string(b)
	}
	created := msg.CreatedAt.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, msg.ChatID, created, created)
	if err != nil {
		return fmt.Errorf("upserting chat: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, parts_json, stream_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ChatID,
		msg.Role,
		msg.Content,
		partsJSON,
		nullString(msg.StreamID),
		created,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "chat_id", msg.ChatID, "role", msg.Role, "parts", len(msg.Parts))
	return nil
}

const messageColumns = `id, chat_id, role, content, parts_json, stream_id, created_at`

// GetChatMessages retrieves messages for a chat, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetChatMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + messageColumns + `
			FROM (
				SELECT ` + messageColumns + `, rowid AS rid
				FROM messages
				WHERE chat_id = ?
				ORDER BY created_at DESC, rid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, rid ASC
		`
		args = []any{chatID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE chat_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{chatID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// LatestMessage returns the newest message of a chat with the given role
func (s *SQLiteStore) LatestMessage(ctx context.Context, chatID, role string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND role = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, chatID, role)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var partsJSON, streamID sql.NullString
	var createdAtStr string

	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &partsJSON, &streamID, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	var err error
	msg.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	if partsJSON.Valid && partsJSON.String != "" {
		var parts []segment.Part
		if err := json.Unmarshal([]byte(partsJSON.String), &parts); err != nil {
			return nil, fmt.Errorf("decoding message parts: %w", err)
		}
		msg.Parts = parts
	}
	msg.StreamID = streamID.String

	return &msg, nil
}

// CreateStream records a new active stream session
func (s *SQLiteStore) CreateStream(ctx context.Context, st *StreamSession) error {
	state := st.State
	if state == "" {
		state = StreamActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (stream_id, chat_id, state, created_at, event_count)
		VALUES (?, ?, ?, ?, 0)
	`,
		st.StreamID,
		st.ChatID,
		string(state),
		st.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateStream
		}
		return fmt.Errorf("inserting stream: %w", err)
	}

	s.logger.Debug("created stream", "stream_id", st.StreamID, "chat_id", st.ChatID)
	return nil
}

// AppendEvent stores one event at position seq
func (s *SQLiteStore) AppendEvent(ctx context.Context, streamID string, seq int, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	var count int
	err = tx.QueryRowContext(ctx, `SELECT state, event_count FROM streams WHERE stream_id = ?`, streamID).Scan(&state, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying stream: %w", err)
	}
	if StreamState(state).Terminal() {
		return ErrStreamClosed
	}
	if seq != count {
		return fmt.Errorf("append at %d but stream %s has %d events", seq, streamID, count)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_events (stream_id, seq, type, payload_json) VALUES (?, ?, ?, ?)
	`, streamID, seq, string(e.Type), string(payload)); err != nil {
		return fmt.Errorf("inserting stream event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE streams SET event_count = event_count + 1 WHERE stream_id = ?
	`, streamID); err != nil {
		return fmt.Errorf("updating event count: %w", err)
	}

	return tx.Commit()
}

// CompleteStream marks a stream session terminal
func (s *SQLiteStore) CompleteStream(ctx context.Context, streamID string, state StreamState, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE streams SET state = ?, completed_at = ?
		WHERE stream_id = ? AND state = 'active'
	`, string(state), at.UTC().Format(timeFormat), streamID)
	if err != nil {
		return fmt.Errorf("completing stream: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetStream(ctx, streamID); err != nil {
			return err
		}
		return ErrStreamClosed
	}

	s.logger.Debug("completed stream", "stream_id", streamID, "state", state)
	return nil
}

const streamColumns = `stream_id, chat_id, state, created_at, completed_at, event_count`

// GetStream retrieves a stream session by id
func (s *SQLiteStore) GetStream(ctx context.Context, streamID string) (*StreamSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE stream_id = ?`, streamID)
	return scanStream(row)
}

// LatestStream returns the most recently created stream for a chat
func (s *SQLiteStore) LatestStream(ctx context.Context, chatID string) (*StreamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE chat_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, chatID)
	return scanStream(row)
}

func scanStream(row rowScanner) (*StreamSession, error) {
	var st StreamSession
	var state, createdAtStr string
	var completedAtStr sql.NullString

	err := row.Scan(&st.StreamID, &st.ChatID, &state, &createdAtStr, &completedAtStr, &st.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying stream: %w", err)
	}
	st.State = StreamState(state)

	st.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAtStr.Valid {
		st.CompletedAt, err = time.Parse(timeFormat, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
	}

	return &st, nil
}

// ReadEvents returns the events of a stream from position from onwards
func (s *SQLiteStore) ReadEvents(ctx context.Context, streamID string, from int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_json FROM stream_events
		WHERE stream_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, streamID, from)
	if err != nil {
		return nil, fmt.Errorf("querying stream events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning stream event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decoding stream event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream events: %w", err)
	}
	return events, nil
}

// DeleteStreamsBefore removes terminal streams completed before cutoff
func (s *SQLiteStore) DeleteStreamsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const expired = `
		SELECT stream_id FROM streams
		WHERE state != 'active' AND completed_at IS NOT NULL AND completed_at < ?
	`
	ts := cutoff.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stream_events WHERE stream_id IN (`+expired+`)`, ts); err != nil {
		return 0, fmt.Errorf("deleting expired stream events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id IN (`+expired+`)`, ts)
	if err != nil {
		return 0, fmt.Errorf("deleting expired streams: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing stream cleanup: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("deleted expired streams", "count", rows)
	}
	return int(rows), nil
}
