package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// MemoryStore is an in-memory interfaces.DatabaseManager for tests
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*types.Conversation
	messages      map[string][]*types.ChatMessage
	readMarkers   map[string]map[string]time.Time

	// FailWith, when set, is returned by every call
	FailWith error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string][]*types.ChatMessage),
		readMarkers:   make(map[string]map[string]time.Time),
	}
}

var _ interfaces.DatabaseManager = (*MemoryStore)(nil)

// AddConversation is a convenience for seeding test data
func (s *MemoryStore) AddConversation(id string, participants ...string) *types.Conversation {
	now := time.Now().UTC()
	conv := &types.Conversation{ID: id, Participants: participants, CreatedAt: now, UpdatedAt: now}
	s.CreateConversation(context.Background(), conv)
	return conv
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return interfaces.ErrConversationExists
	}
	cp := *conv
	s.conversations[conv.ID] = &cp
	s.readMarkers[conv.ID] = make(map[string]time.Time)
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, interfaces.ErrConversationNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]*types.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []*types.ConversationSummary
	for _, conv := range s.conversations {
		member := false
		for _, p := range conv.Participants {
			member = member || p == userID
		}
		if !member {
			continue
		}
		summary := &types.ConversationSummary{
			ConversationID: conv.ID,
			Participants:   conv.Participants,
			UnreadCount:    s.unreadLocked(conv.ID, userID),
			UpdatedAt:      conv.UpdatedAt,
		}
		if msgs := s.messages[conv.ID]; len(msgs) > 0 {
			summary.LastMessage = msgs[len(msgs)-1]
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	conv, ok := s.conversations[message.ChannelID]
	if !ok {
		return interfaces.ErrConversationNotFound
	}
	s.messages[message.ChannelID] = append(s.messages[message.ChannelID], message)
	conv.UpdatedAt = message.CreatedAt
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, id string, before time.Time, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []*types.ChatMessage
	for _, m := range s.messages[id] {
		if before.IsZero() || m.CreatedAt.Before(before) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	markers, ok := s.readMarkers[id]
	if !ok {
		return interfaces.ErrConversationNotFound
	}
	if at.After(markers[userID]) {
		markers[userID] = at
	}
	return nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, id, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	return s.unreadLocked(id, userID), nil
}

func (s *MemoryStore) unreadLocked(id, userID string) int {
	marker := s.readMarkers[id][userID]
	n := 0
	for _, m := range s.messages[id] {
		if m.SenderID != userID && m.CreatedAt.After(marker) {
			n++
		}
	}
	return n
}

// MessageCount returns how many messages are stored for a conversation
func (s *MemoryStore) MessageCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[id])
}

// ReadMarker returns a participant's read marker
func (s *MemoryStore) ReadMarker(id, userID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMarkers[id][userID]
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

func (s *MemoryStore) Close() error { return nil }
