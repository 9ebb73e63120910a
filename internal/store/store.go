// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/aichat/internal/domain"
)

// ErrInsufficientCredits is returned by DebitCredits when the balance is too low.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Repository defines the interface for persisting conversations, messages and credit balances.
type Repository interface {
	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by ID. It returns nil, nil when not found.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns a user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// AppendMessage stores a message and bumps its conversation's updated_at.
	AppendMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.StoredMessage, error)

	// EnsureAccount returns the user's account, creating it with initialCredits if missing.
	EnsureAccount(ctx context.Context, userID string, initialCredits int) (*domain.Account, error)

	// DebitCredits atomically subtracts amount and returns the new balance.
	DebitCredits(ctx context.Context, userID string, amount int) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
