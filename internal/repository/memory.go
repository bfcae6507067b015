package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

// MemoryStore keeps everything in process. Messages per conversation are
// kept in insertion order, which is persistence order.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	byKey         map[string]string
	messages      map[string]*domain.Message
	byConv        map[string][]string
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string]*domain.Message),
		byConv:        make(map[string][]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := copyConversation(c)
	return &cp, nil
}

func (s *MemoryStore) GetOrCreateConversation(_ context.Context, participants []string) (*domain.Conversation, error) {
	ids, key := domain.NormalizeParticipants(participants)
	if len(ids) < 2 {
		return nil, domain.Invalid("participants", "at least two distinct users required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		cp := copyConversation(s.conversations[id])
		return &cp, nil
	}
	now := s.now()
	c := &domain.Conversation{
		ID:              domain.NewID(),
		Participants:    ids,
		ParticipantsKey: key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.conversations[c.ID] = c
	s.byKey[key] = c.ID
	cp := copyConversation(c)
	return &cp, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return domain.ErrNotFound
	}
	now := s.now()
	m.ID = domain.NewID()
	m.CreatedAt = now
	m.UpdatedAt = now
	stored := *m
	s.messages[m.ID] = &stored
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	c.LastMessageID = m.ID
	c.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, limit int, before string) ([]domain.Message, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	end := len(ids)
	if before != "" {
		end = -1
		for i, id := range ids {
			if id == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, domain.Invalid("before", "unknown message in this conversation")
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.SenderID == readerID || m.Read {
			continue
		}
		m.Read = true
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func copyConversation(c *domain.Conversation) domain.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return cp
}
