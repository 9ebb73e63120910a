package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/aichat/internal/domain"
	"github.com/ashureev/aichat/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas apply to every pooled connection, not just the first.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		credits_used INTEGER NOT NULL DEFAULT 0,
		structured_data TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		credits_remaining INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (id, user_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "create conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.UserID, conv.Title,
			conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	convs := []domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv.CreatedAt = time.UnixMilli(createdAt)
		conv.UpdatedAt = time.UnixMilli(updatedAt)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// AppendMessage stores a message and bumps its conversation's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.StoredMessage) error {
	insert := `
	INSERT INTO messages (id, conversation_id, role, content, credits_used, structured_data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	touch := `UPDATE conversations SET updated_at = ? WHERE id = ?`

	var structured interface{}
	if msg.StructuredData != "" {
		structured = msg.StructuredData
	}

	return shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback append message", "error", rbErr)
			}
		}()

		if _, err := tx.ExecContext(ctx, insert,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
			msg.CreditsUsed, structured, msg.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, touch, msg.CreatedAt.UnixMilli(), msg.ConversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.StoredMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, credits_used, structured_data, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.StoredMessage{}
	for rows.Next() {
		var msg domain.StoredMessage
		var role string
		var structured sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &role, &msg.Content,
			&msg.CreditsUsed, &structured, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.StructuredData = structured.String
		msg.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// EnsureAccount returns the user's account, creating it with initialCredits if missing.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, userID string, initialCredits int) (*domain.Account, error) {
	insert := `
	INSERT INTO accounts (user_id, credits_remaining, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO NOTHING`

	err := shared.RetryOnConflict(ctx, s.retry, "ensure account", func() error {
		_, err := s.db.ExecContext(ctx, insert, userID, initialCredits, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	var acct domain.Account
	var updatedAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, credits_remaining, updated_at FROM accounts WHERE user_id = ?`, userID,
	).Scan(&acct.UserID, &acct.CreditsRemaining, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan account row: %w", err)
	}
	acct.UpdatedAt = time.UnixMilli(updatedAt)
	return &acct, nil
}

// DebitCredits atomically subtracts amount and returns the new balance.
func (s *SQLiteStore) DebitCredits(ctx context.Context, userID string, amount int) (int, error) {
	query := `
	UPDATE accounts SET credits_remaining = credits_remaining - ?, updated_at = ?
	WHERE user_id = ? AND credits_remaining >= ?
	RETURNING credits_remaining`

	var remaining int
	err := shared.RetryOnConflict(ctx, s.retry, "debit credits", func() error {
		return s.db.QueryRowContext(ctx, query, amount, time.Now().UnixMilli(), userID, amount).Scan(&remaining)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	return remaining, nil
}
