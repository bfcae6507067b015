package events

import (
	"context"
	"time"
)

const (
	TypeMessageSent      = "message.sent"
	TypeConversationRead = "conversation.read"
)

// Event is the domain event emitted after a successful delivery operation.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Recipients     []string  `json:"recipients,omitempty"`
	Updated        int64     `json:"updated,omitempty"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
