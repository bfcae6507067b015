package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/events"
	"github.com/fathima-sithara/realtime-relay/internal/metrics"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
	"github.com/fathima-sithara/realtime-relay/internal/repository"
	"github.com/fathima-sithara/realtime-relay/internal/users"
)

const lockStripes = 64

// Broadcaster is the part of the room registry the pipeline fans out through.
type Broadcaster interface {
	Broadcast(room string, frame []byte, exceptConnID string) int
}

type Pipeline struct {
	store      repository.Store
	users      users.Directory
	rooms      Broadcaster
	publisher  events.Publisher
	log        *zap.Logger
	metrics    *metrics.Metrics
	maxContent int
	now        func() time.Time

	// persist and broadcast of one conversation happen under the same stripe,
	// so receivers see messages in persistence order
	locks [lockStripes]sync.Mutex
}

func New(store repository.Store, dir users.Directory, rooms Broadcaster, pub events.Publisher, log *zap.Logger, m *metrics.Metrics, maxContent int) *Pipeline {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pipeline{
		store:      store,
		users:      dir,
		rooms:      rooms,
		publisher:  pub,
		log:        log,
		metrics:    m,
		maxContent: maxContent,
		now:        time.Now,
	}
}

func (p *Pipeline) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &p.locks[h.Sum32()%lockStripes]
}

func notFound() error {
	return fmt.Errorf("%w: %w", domain.ErrNotFound, domain.Invalid("conversationId", "conversation not found"))
}

func notParticipant() error {
	return fmt.Errorf("%w: %w", domain.ErrNotParticipant, domain.Invalid("conversationId", "not a participant of this conversation"))
}

func checkID(field, id string) error {
	if !domain.ValidID(id) {
		return domain.Invalid(field, "must be a well-formed identifier")
	}
	return nil
}

// Conversation loads a conversation the user participates in.
func (p *Pipeline) Conversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	if err := checkID("conversationId", conversationID); err != nil {
		return nil, err
	}
	if err := checkID("userId", userID); err != nil {
		return nil, err
	}
	conv, err := p.store.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, notParticipant()
	}
	return conv, nil
}

// SendMessage persists a message and fans it out to the conversation room,
// then notifies the other participants' personal rooms. Nothing is broadcast
// when persistence fails.
func (p *Pipeline) SendMessage(ctx context.Context, conversationID, senderID, content string) (*domain.ExpandedMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domain.Invalid("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > p.maxContent {
		return nil, domain.Invalid("content", fmt.Sprintf("must be at most %d characters", p.maxContent))
	}
	conv, err := p.Conversation(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	sender := p.identity(ctx, senderID)

	out, err := p.persistAndBroadcast(ctx, conv, sender, content)
	if err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(conv.Participants)-1)
	for _, u := range conv.Participants {
		if u != senderID {
			recipients = append(recipients, u)
		}
	}
	p.publish(ctx, events.Event{
		Type:           events.TypeMessageSent,
		ConversationID: conv.ID,
		UserID:         senderID,
		MessageID:      out.ID,
		Recipients:     recipients,
		At:             out.CreatedAt,
	})
	return out, nil
}

func (p *Pipeline) persistAndBroadcast(ctx context.Context, conv *domain.Conversation, sender domain.User, content string) (*domain.ExpandedMessage, error) {
	mu := p.lockFor(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	msg := &domain.Message{ConversationID: conv.ID, SenderID: sender.ID, Content: content}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		if !errors.Is(err, domain.ErrPersistence) && !errors.Is(err, domain.ErrValidation) {
			err = domain.Persistence("create message", err)
		}
		return nil, err
	}
	out := &domain.ExpandedMessage{Message: *msg, Sender: sender}

	frame, err := protocol.Encode(protocol.EventReceiveMessage, sender.ID, out)
	if err != nil {
		return nil, err
	}
	n := p.rooms.Broadcast(presence.ConversationRoom(conv.ID), frame, "")

	note, err := protocol.Encode(protocol.EventMessageNotification, sender.ID,
		protocol.MessageNotification{ConversationID: conv.ID, Message: out})
	if err != nil {
		return nil, err
	}
	for _, u := range conv.Participants {
		if u != sender.ID {
			p.rooms.Broadcast(presence.PersonalRoom(u), note, "")
		}
	}
	p.log.Debug("message delivered",
		zap.String("conversation_id", conv.ID), zap.String("message_id", out.ID), zap.Int("connections", n))
	return out, nil
}

// MarkConversationRead flips read on every message of the conversation that
// userID did not send. Calling it again changes nothing.
func (p *Pipeline) MarkConversationRead(ctx context.Context, conversationID, userID string) (int64, error) {
	conv, err := p.Conversation(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	n, err := p.store.MarkRead(ctx, conv.ID, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.publish(ctx, events.Event{
			Type:           events.TypeConversationRead,
			ConversationID: conv.ID,
			UserID:         userID,
			Updated:        n,
			At:             p.now().UTC(),
		})
	}
	return n, nil
}

// History returns messages oldest first with senders expanded.
func (p *Pipeline) History(ctx context.Context, conversationID, userID string, limit int, before string) ([]domain.ExpandedMessage, error) {
	if before != "" {
		if err := checkID("before", before); err != nil {
			return nil, err
		}
	}
	conv, err := p.Conversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.store.History(ctx, conv.ID, limit, before)
	if err != nil {
		return nil, err
	}
	ids := newIdentityCache(p)
	out := make([]domain.ExpandedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.ExpandedMessage{Message: m, Sender: ids.get(ctx, m.SenderID)})
	}
	return out, nil
}

// ListConversations returns the user's conversations, most recent first, each
// with its last message expanded.
func (p *Pipeline) ListConversations(ctx context.Context, userID string) ([]domain.ConversationView, error) {
	if err := checkID("userId", userID); err != nil {
		return nil, err
	}
	convs, err := p.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := newIdentityCache(p)
	out := make([]domain.ConversationView, 0, len(convs))
	for _, c := range convs {
		view := domain.ConversationView{Conversation: c}
		if c.LastMessageID != "" {
			m, err := p.store.GetMessage(ctx, c.LastMessageID)
			switch {
			case err == nil:
				view.LastMessage = &domain.ExpandedMessage{Message: *m, Sender: ids.get(ctx, m.SenderID)}
			case errors.Is(err, domain.ErrNotFound):
			default:
				return nil, err
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// GetOrCreateConversation returns the conversation between callerID and
// others, creating it on first use. Every participant must be a known user.
func (p *Pipeline) GetOrCreateConversation(ctx context.Context, callerID string, others []string) (*domain.Conversation, error) {
	all := append([]string{callerID}, others...)
	for _, id := range all {
		if err := checkID("participants", id); err != nil {
			return nil, err
		}
	}
	ids, _ := domain.NormalizeParticipants(all)
	if len(ids) < 2 {
		return nil, domain.Invalid("participants", "at least one other user required")
	}
	for _, id := range ids {
		if id == callerID {
			continue
		}
		if _, err := p.users.Lookup(ctx, id); err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				return nil, domain.Invalid("participants", "unknown user "+id)
			}
			return nil, err
		}
	}
	return p.store.GetOrCreateConversation(ctx, ids)
}

// identity resolves a display identity, falling back to the bare id.
func (p *Pipeline) identity(ctx context.Context, userID string) domain.User {
	u, err := p.users.Lookup(ctx, userID)
	if err != nil {
		p.log.Warn("sender lookup failed", zap.String("user_id", userID), zap.Error(err))
		return domain.User{ID: userID}
	}
	return *u
}

func (p *Pipeline) publish(ctx context.Context, ev events.Event) {
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.metrics.PublishErrors.WithLabelValues(ev.Type).Inc()
		p.log.Warn("publish event failed", zap.String("type", ev.Type),
			zap.String("conversation_id", ev.ConversationID), zap.Error(err))
	}
}

type identityCache struct {
	p    *Pipeline
	seen map[string]domain.User
}

func newIdentityCache(p *Pipeline) *identityCache {
	return &identityCache{p: p, seen: make(map[string]domain.User)}
}

func (c *identityCache) get(ctx context.Context, id string) domain.User {
	if u, ok := c.seen[id]; ok {
		return u
	}
	u := c.p.identity(ctx, id)
	c.seen[id] = u
	return u
}
