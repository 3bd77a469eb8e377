package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

// Store is an in-process conversation.Store. Data is lost when the process exits.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	turns         map[string][]conversation.Turn
	nextTurnID    int64
	now           func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]conversation.Conversation),
		turns:         make(map[string][]conversation.Turn),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*conversation.Conversation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("owner id required")
	}
	now := s.now()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     conversation.NormalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id, ownerID string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok || c.OwnerID != ownerID {
		return nil, conversation.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]conversation.Conversation, error) {
	s.mu.RLock()
	out := []conversation.Conversation{}
	for _, c := range s.conversations {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, id, ownerID, title string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.OwnerID != ownerID {
		return nil, conversation.ErrNotFound
	}
	c.Title = conversation.NormalizeTitle(title)
	c.UpdatedAt = s.now()
	s.conversations[id] = c
	return &c, nil
}

func (s *Store) AppendTurn(ctx context.Context, turn conversation.Turn) (*conversation.Turn, error) {
	if err := conversation.ValidateTurn(turn); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[turn.ConversationID]; !ok {
		return nil, conversation.ErrNotFound
	}
	s.nextTurnID++
	turn.ID = s.nextTurnID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	turn.Images = cloneImages(turn.Images)
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	return &turn, nil
}

func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.turns[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]conversation.Turn, 0, len(all)-start)
	for _, t := range all[start:] {
		t.Images = cloneImages(t.Images)
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.UpdatedAt = s.now()
	s.conversations[id] = c
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cloneImages(in []conversation.ImageAttachment) []conversation.ImageAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]conversation.ImageAttachment, len(in))
	for i, img := range in {
		img.Data = append([]byte(nil), img.Data...)
		out[i] = img
	}
	return out
}
