package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/parley-ai/parley/pkg/models"
)

// PostgresStore implements Store on PostgreSQL for multi-node deployments.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtAppendMessage *sql.Stmt
	stmtListMessages  *sql.Stmt
	stmtTruncate      *sql.Stmt
	stmtNextPosition  *sql.Stmt
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "parley",
		Database:        "parley",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	project    TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	position        BIGINT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	attachments     JSONB,
	tool_calls      JSONB,
	tool_results    JSONB,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE(conversation_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_position
	ON messages(conversation_id, position);

CREATE TABLE IF NOT EXISTS tool_call_records (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	arguments       JSONB,
	tier            TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	is_error        BOOLEAN NOT NULL DEFAULT FALSE,
	failure_kind    TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
`

// NewPostgresStore connects, applies the schema, and prepares statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, config)
}

// NewPostgresStoreFromDSN connects using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// newPostgresStoreWithDB wraps an existing connection; used by tests.
func newPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtNextPosition, err = s.db.Prepare(
		`SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE conversation_id = $1`)
	if err != nil {
		return err
	}

	s.stmtAppendMessage, err = s.db.Prepare(
		`INSERT INTO messages (id, conversation_id, position, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}

	s.stmtListMessages, err = s.db.Prepare(
		`SELECT id, conversation_id, position, role, content, attachments, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE conversation_id = $1 AND position >= $2
		 ORDER BY position ASC`)
	if err != nil {
		return err
	}

	s.stmtTruncate, err = s.db.Prepare(
		`DELETE FROM messages WHERE conversation_id = $1 AND position > $2`)
	if err != nil {
		return err
	}

	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ID, conv.Title, conv.Model, conv.Project, metadata, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, project, metadata, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	)
	return scanConversation(row)
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
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

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	// Lock the conversation row to serialize the position counter.
	var exists string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}

	var position int64
	if err := tx.StmtContext(ctx, s.stmtNextPosition).
		QueryRowContext(ctx, conversationID).Scan(&position); err != nil {
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

	if _, err := tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID, conversationID, position, string(msg.Role), msg.Content,
		attachments, toolCalls, toolResults, metadata, msg.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, time.Now(), conversationID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, fromPosition int64) ([]*models.Message, error) {
	rows, err := s.stmtListMessages.QueryContext(ctx, conversationID, fromPosition)
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

func (s *PostgresStore) Truncate(ctx context.Context, conversationID string, afterPosition int64) error {
	if _, err := s.stmtTruncate.ExecContext(ctx, conversationID, afterPosition); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordToolCall(ctx context.Context, conversationID string, call *models.ToolCall, result *models.ToolResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_call_records (id, conversation_id, name, arguments, tier, result, is_error, failure_kind, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		call.ID, conversationID, call.Name, string(call.Arguments), string(call.Tier),
		result.Content, result.IsError, result.FailureKind,
		call.StartedAt, call.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListToolCalls(ctx context.Context, conversationID string) ([]*ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, arguments, tier, result, is_error, failure_kind, started_at, completed_at
		 FROM tool_call_records WHERE conversation_id = $1
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
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.Call.ID, &rec.Call.Name, &args, &tier,
			&rec.Result.Content, &rec.Result.IsError, &rec.Result.FailureKind,
			&started, &completed); err != nil {
			return nil, err
		}
		rec.Call.Arguments = json.RawMessage(args)
		rec.Call.Tier = models.ToolTier(tier)
		rec.Call.StartedAt = started.Time
		rec.Call.CompletedAt = completed.Time
		rec.Result.ToolCallID = rec.Call.ID
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Fork(ctx context.Context, conversationID string, atPosition int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin fork: %w", err)
	}
	defer tx.Rollback()

	newID := uuid.New().String()
	now := time.Now()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model, project, metadata, created_at, updated_at)
		 SELECT $1, title, model, project, metadata, $2, $3 FROM conversations WHERE id = $4`,
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
		 SELECT gen_random_uuid()::text, $1, position, role, content, attachments, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE conversation_id = $2 AND position < $3`,
		newID, conversationID, atPosition,
	); err != nil {
		return "", fmt.Errorf("failed to copy message prefix: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit fork: %w", err)
	}
	return newID, nil
}

func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtAppendMessage, s.stmtListMessages, s.stmtTruncate, s.stmtNextPosition} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
