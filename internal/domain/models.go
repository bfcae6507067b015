package domain

import (
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type User struct {
	ID          string `bson:"-" json:"id"`
	Username    string `bson:"username" json:"username"`
	DisplayName string `bson:"displayName,omitempty" json:"displayName,omitempty"`
	Avatar      string `bson:"avatar,omitempty" json:"avatar,omitempty"`
}

type Conversation struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	ParticipantsKey string    `json:"-"`
	LastMessageID   string    `json:"lastMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ExpandedMessage is a message with its sender resolved to a display identity,
// which is the shape broadcast to clients and returned by history endpoints.
type ExpandedMessage struct {
	Message
	Sender User `json:"sender"`
}

// ConversationView is a conversation with its last message expanded.
type ConversationView struct {
	Conversation
	LastMessage *ExpandedMessage `json:"lastMessage,omitempty"`
}

func NewID() string { return primitive.NewObjectID().Hex() }

// ValidID reports whether id is a well-formed identifier (24 hex ObjectID).
func ValidID(id string) bool {
	return primitive.IsValidObjectID(id)
}

// NormalizeParticipants sorts and de-duplicates a participant set and returns
// it together with its canonical key.
func NormalizeParticipants(ids []string) ([]string, string) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, strings.Join(out, ":")
}
