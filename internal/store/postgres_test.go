package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/parley-ai/parley/pkg/models"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	mock.ExpectPrepare("SELECT COALESCE")
	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectPrepare("SELECT id, conversation_id, position")
	mock.ExpectPrepare("DELETE FROM messages")

	store, err := newPostgresStoreWithDB(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return db, mock, store
}

func TestPostgresAppendMessageAssignsPosition(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM conversations WHERE id = \\$1 FOR UPDATE").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			sqlmock.AnyArg(), // message id
			"conv-1",
			int64(7),
			"user",
			"hello",
			sqlmock.AnyArg(), // attachments
			sqlmock.AnyArg(), // tool calls
			sqlmock.AnyArg(), // tool results
			sqlmock.AnyArg(), // metadata
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs(sqlmock.AnyArg(), "conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pos, err := store.AppendMessage(context.Background(), "conv-1", &models.Message{
		Role:    models.RoleUser,
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if pos != 7 {
		t.Errorf("position = %d, want 7", pos)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendMessageUnknownConversation(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM conversations WHERE id = \\$1 FOR UPDATE").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.AppendMessage(context.Background(), "missing", &models.Message{Role: models.RoleUser})
	if err != ErrConversationNotFound {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestPostgresTruncateIsPositionAddressed(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM messages").
		WithArgs("conv-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	if err := store.Truncate(context.Background(), "conv-1", 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresForkCopiesPrefixInSQL(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	forkID, err := store.Fork(context.Background(), "conv-1", 5)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forkID == "" {
		t.Error("forkID is empty")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresForkUnknownConversation(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := store.Fork(context.Background(), "missing", 5); err != ErrConversationNotFound {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}
