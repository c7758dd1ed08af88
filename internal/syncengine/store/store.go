package store

import (
	"context"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// MessageStore is the persistence contract the engine depends on. The
// store is the only shared mutable resource; all status mutation goes
// through TransitionStatus, which is an atomic compare-and-swap.
type MessageStore interface {
	// Create persists a new message. Returns domain.ErrDuplicateExternalID
	// if another message already carries the same external message ID.
	Create(ctx context.Context, msg *domain.UnifiedMessage) error

	GetByID(ctx context.Context, id string) (*domain.UnifiedMessage, error)

	// GetByExternalID returns domain.ErrMessageNotFound when no stored
	// message carries the external ID.
	GetByExternalID(ctx context.Context, externalID string) (*domain.UnifiedMessage, error)

	// ListConversation returns all messages of a conversation ordered by
	// created_at ascending.
	ListConversation(ctx context.Context, conversationID string) ([]*domain.UnifiedMessage, error)

	// ListConversationWindow returns the conversation's messages with
	// created_at in [from, to], ordered ascending.
	ListConversationWindow(ctx context.Context, conversationID string, from, to time.Time) ([]*domain.UnifiedMessage, error)

	// ListByStatus returns up to limit messages in any of the given
	// statuses whose last update is older than olderThan, oldest first.
	// Used by startup recovery and the staleness monitor.
	ListByStatus(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.UnifiedMessage, error)

	// TransitionStatus applies expected -> change.To atomically. Returns
	// domain.ErrStatusConflict if the observed status differs from
	// expected, domain.ErrMessageNotFound for unknown IDs. The change is
	// appended to the message's status history.
	TransitionStatus(ctx context.Context, id string, expected domain.Status, change domain.StatusChange) error

	// SetExternalMessageID records the platform acknowledgement ID.
	// Returns domain.ErrDuplicateExternalID on collision.
	SetExternalMessageID(ctx context.Context, id, externalID string) error

	// ApplyResolution atomically removes the messages in removeIDs and
	// persists (insert or replace) the messages in persist. Used by the
	// conflict resolver to swap conflicting inputs for their resolution.
	ApplyResolution(ctx context.Context, removeIDs []string, persist []*domain.UnifiedMessage) error

	// DeleteConversation removes every message of a conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
}
