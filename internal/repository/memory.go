package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/terryong31/nego-lah/internal/model"
)

// MemoryStore keeps conversations in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string][]model.WireMessage
	touched  map[string]int64
	settings map[string]model.Settings
	seq      int64
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string][]model.WireMessage),
		touched:  make(map[string]int64),
		settings: make(map[string]model.Settings),
		now:      time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msgs ...model.WireMessage) ([]model.WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = append(s.convs[conversationID], stamp(msgs, s.now())...)
	s.seq++
	s.touched[conversationID] = s.seq
	return slices.Clone(s.convs[conversationID]), nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, limit, offset int) ([]model.WireMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Page(s.convs[conversationID], limit, offset), nil
}

func (s *MemoryStore) All(_ context.Context, conversationID string) ([]model.WireMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.convs[conversationID])
	if out == nil {
		out = []model.WireMessage{}
	}
	return out, nil
}

func (s *MemoryStore) Summaries(context.Context) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id, msgs := range s.convs {
		if len(msgs) > 0 {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return int(s.touched[b] - s.touched[a])
	})

	out := make([]model.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		msgs := s.convs[id]
		last := msgs[len(msgs)-1]
		out = append(out, model.ConversationSummary{
			ConversationID: id,
			MessageCount:   len(msgs),
			LastMessage:    last.Content,
			LastRole:       last.Role,
		})
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	delete(s.touched, conversationID)
	return nil
}

func (s *MemoryStore) Settings(_ context.Context, conversationID string) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[conversationID]
	if !ok {
		return model.Settings{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) SetSettings(_ context.Context, conversationID string, st model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[conversationID] = st
	return nil
}
