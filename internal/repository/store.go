package repository

import (
	"context"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store persists conversations and messages. Implementations return
// domain.ErrNotFound for missing records and wrap driver failures with
// domain.Persistence.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// GetOrCreateConversation is idempotent for a participant set regardless of order.
	GetOrCreateConversation(ctx context.Context, participants []string) (*domain.Conversation, error)
	// ListConversations returns the user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// CreateMessage stores m, assigning ID and timestamps, and points the
	// conversation's last message at it.
	CreateMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// History returns up to limit messages oldest first. When before is set only
	// messages persisted before that message are considered.
	History(ctx context.Context, conversationID string, limit int, before string) ([]domain.Message, error)
	// MarkRead flips read on messages not sent by readerID and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
