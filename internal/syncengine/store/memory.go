package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// MemoryStore is an in-process MessageStore. Used in tests and as the
// "memory" backend for single-node deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*domain.UnifiedMessage
	byExtID  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*domain.UnifiedMessage),
		byExtID:  make(map[string]string),
	}
}

func cloneMessage(m *domain.UnifiedMessage) *domain.UnifiedMessage {
	c := *m
	if m.ExternalMessageID != nil {
		ext := *m.ExternalMessageID
		c.ExternalMessageID = &ext
	}
	if m.Content.Media != nil {
		media := *m.Content.Media
		c.Content.Media = &media
	}
	if m.Content.Location != nil {
		loc := *m.Content.Location
		c.Content.Location = &loc
	}
	if m.StatusHistory != nil {
		c.StatusHistory = append([]domain.StatusChange(nil), m.StatusHistory...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// indexExternalIDsLocked records every external ID the message answers
// for, including IDs absorbed through resolution.
func (s *MemoryStore) indexExternalIDsLocked(msg *domain.UnifiedMessage) {
	for _, ext := range msg.ExternalIDs() {
		s.byExtID[ext] = msg.ID
	}
}

func (s *MemoryStore) unindexExternalIDsLocked(msg *domain.UnifiedMessage) {
	for _, ext := range msg.ExternalIDs() {
		if s.byExtID[ext] == msg.ID {
			delete(s.byExtID, ext)
		}
	}
}

func (s *MemoryStore) Create(ctx context.Context, msg *domain.UnifiedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ExternalMessageID != nil {
		if _, exists := s.byExtID[*msg.ExternalMessageID]; exists {
			return domain.ErrDuplicateExternalID
		}
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.indexExternalIDsLocked(msg)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.UnifiedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*domain.UnifiedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExtID[externalID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

func (s *MemoryStore) ListConversation(ctx context.Context, conversationID string) ([]*domain.UnifiedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.UnifiedMessage
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, cloneMessage(msg))
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemoryStore) ListConversationWindow(ctx context.Context, conversationID string, from, to time.Time) ([]*domain.UnifiedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.UnifiedMessage
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if msg.CreatedAt.Before(from) || msg.CreatedAt.After(to) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.UnifiedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []*domain.UnifiedMessage
	for _, msg := range s.messages {
		if wanted[msg.Status] && msg.UpdatedAt.Before(olderThan) {
			out = append(out, cloneMessage(msg))
		}
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, expected domain.Status, change domain.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if msg.Status != expected {
		return domain.ErrStatusConflict
	}
	msg.Status = change.To
	msg.StatusHistory = append(msg.StatusHistory, change)
	msg.UpdatedAt = change.At
	switch change.To {
	case domain.StatusDelivered:
		t := change.At
		msg.DeliveredAt = &t
	case domain.StatusRead:
		t := change.At
		msg.ReadAt = &t
	}
	return nil
}

func (s *MemoryStore) SetExternalMessageID(ctx context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if owner, exists := s.byExtID[externalID]; exists && owner != id {
		return domain.ErrDuplicateExternalID
	}
	ext := externalID
	msg.ExternalMessageID = &ext
	msg.UpdatedAt = time.Now().UTC()
	s.byExtID[externalID] = id
	return nil
}

func (s *MemoryStore) ApplyResolution(ctx context.Context, removeIDs []string, persist []*domain.UnifiedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range removeIDs {
		if msg, ok := s.messages[id]; ok {
			s.unindexExternalIDsLocked(msg)
			delete(s.messages, id)
		}
	}
	for _, msg := range persist {
		for _, ext := range msg.ExternalIDs() {
			if owner, exists := s.byExtID[ext]; exists && owner != msg.ID {
				return domain.ErrDuplicateExternalID
			}
		}
		s.messages[msg.ID] = cloneMessage(msg)
		s.indexExternalIDsLocked(msg)
	}
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range s.messages {
		if msg.ConversationID == conversationID {
			s.unindexExternalIDsLocked(msg)
			delete(s.messages, id)
		}
	}
	return nil
}

func sortByCreatedAt(msgs []*domain.UnifiedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
