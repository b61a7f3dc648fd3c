package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parley-ai/parley/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database. It is the default
// persistent store for self-hosted deployments; the driver is cgo-free.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	project    TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	position        INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	attachments     TEXT,
	tool_calls      TEXT,
	tool_results    TEXT,
	metadata        TEXT,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE(conversation_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_position
	ON messages(conversation_id, position);

CREATE TABLE IF NOT EXISTS tool_call_records (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	arguments       TEXT,
	tier            TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	is_error        INTEGER NOT NULL DEFAULT 0,
	failure_kind    TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
);
`

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// applies the schema. Use ":memory:" only in single-connection tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model, project, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Model, conv.Project, metadata, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, project, metadata, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	)
	return scanConversation(row)
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, project, metadata, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrConversationNotFound
	}

	var position int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to assign position: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID
	msg.Position = position

	attachments, err := marshalJSON(msg.Attachments)
	if err != nil {
		return 0, err
	}
	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return 0, err
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return 0, err
	}
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, position, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, position, string(msg.Role), msg.Content,
		attachments, toolCalls, toolResults, metadata, msg.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), conversationID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return position, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, fromPosition int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, position, role, content, attachments, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE conversation_id = ? AND position >= ?
		 ORDER BY position ASC`,
		conversationID, fromPosition,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Truncate(ctx context.Context, conversationID string, afterPosition int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND position > ?`,
		conversationID, afterPosition,
	)
	if err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordToolCall(ctx context.Context, conversationID string, call *models.ToolCall, result *models.ToolResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_call_records (id, conversation_id, name, arguments, tier, result, is_error, failure_kind, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, conversationID, call.Name, string(call.Arguments), string(call.Tier),
		result.Content, boolToInt(result.IsError), result.FailureKind,
		call.StartedAt, call.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListToolCalls(ctx context.Context, conversationID string) ([]*ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, arguments, tier, result, is_error, failure_kind, started_at, completed_at
		 FROM tool_call_records WHERE conversation_id = ?
		 ORDER BY completed_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*ToolCallRecord
	for rows.Next() {
		rec := &ToolCallRecord{ConversationID: conversationID}
		var args, tier string
		var isError int
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.Call.ID, &rec.Call.Name, &args, &tier,
			&rec.Result.Content, &isError, &rec.Result.FailureKind,
			&started, &completed); err != nil {
			return nil, err
		}
		rec.Call.Arguments = json.RawMessage(args)
		rec.Call.Tier = models.ToolTier(tier)
		rec.Call.StartedAt = started.Time
		rec.Call.CompletedAt = completed.Time
		rec.Result.ToolCallID = rec.Call.ID
		rec.Result.IsError = isError != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Fork(ctx context.Context, conversationID string, atPosition int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin fork: %w", err)
	}
	defer tx.Rollback()

	newID := uuid.New().String()
	now := time.Now()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model, project, metadata, created_at, updated_at)
		 SELECT ?, title, model, project, metadata, ?, ? FROM conversations WHERE id = ?`,
		newID, now, now, conversationID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to fork conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrConversationNotFound
	}

	// Prefix copy in one statement; new row IDs come from the database.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, position, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		 SELECT lower(hex(randomblob(16))), ?, position, role, content, attachments, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE conversation_id = ? AND position < ?`,
		newID, conversationID, atPosition,
	); err != nil {
		return "", fmt.Errorf("failed to copy message prefix: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit fork: %w", err)
	}
	return newID, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var metadata sql.NullString
	err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &conv.Project,
		&metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if err := unmarshalJSON(metadata, &conv.Metadata); err != nil {
		return nil, err
	}
	return conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var role string
	var attachments, toolCalls, toolResults, metadata sql.NullString
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Position, &role, &msg.Content,
		&attachments, &toolCalls, &toolResults, &metadata, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Role = models.Role(role)
	if err := unmarshalJSON(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(toolCalls, &msg.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(toolResults, &msg.ToolResults); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &msg.Metadata); err != nil {
		return nil, err
	}
	return msg, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal field: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal field: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
