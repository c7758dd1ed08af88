package domain

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies which channel produced a message.
type Platform string

const (
	PlatformLocal    Platform = "local"
	PlatformExternal Platform = "external"
	PlatformMerged   Platform = "merged"
)

// Priority orders outbound delivery jobs.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// MetadataKeyOriginalMessages records merge provenance: the IDs of the
// messages a merged message replaced.
const MetadataKeyOriginalMessages = "originalMessages"

// MetadataKeyAbsorbedExternalIDs records the external message IDs a
// resolution folded into this message beyond its primary one. They keep
// answering dedup lookups so a redelivered webhook stays a no-op after
// its original record was merged or deduplicated away.
const MetadataKeyAbsorbedExternalIDs = "absorbedExternalMessageIds"

// UnifiedMessage is the canonical representation of one communicative act,
// independent of which platform produced it.
type UnifiedMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	Content           Content        `json:"content"`
	OriginPlatform    Platform       `json:"origin_platform"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Status            Status         `json:"status"`
	StatusHistory     []StatusChange `json:"status_history,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewLocalMessage creates an outbound message in its initial state.
func NewLocalMessage(conversationID string, content Content) *UnifiedMessage {
	now := time.Now().UTC()
	return &UnifiedMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		OriginPlatform: PlatformLocal,
		CreatedAt:      now,
		Status:         StatusPending,
		StatusHistory:  []StatusChange{{To: StatusPending, At: now}},
		UpdatedAt:      now,
	}
}

// NewExternalMessage creates an inbound message in its initial state.
// createdAt is the timestamp the external platform assigned.
func NewExternalMessage(conversationID string, content Content, externalMessageID string, createdAt time.Time) *UnifiedMessage {
	now := time.Now().UTC()
	extID := externalMessageID
	return &UnifiedMessage{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		Content:           content,
		OriginPlatform:    PlatformExternal,
		ExternalMessageID: &extID,
		CreatedAt:         createdAt,
		Status:            StatusReceived,
		StatusHistory:     []StatusChange{{To: StatusReceived, At: now}},
		UpdatedAt:         now,
	}
}

// Terminal reports whether the message has reached a state from which no
// further transition occurs under normal operation.
func (m *UnifiedMessage) Terminal() bool {
	return m.Status.Terminal()
}

// AbsorbedExternalIDs returns the external message IDs this message
// answers for beyond ExternalMessageID. Metadata round-trips through
// JSON, so the stored value may be []string or []any.
func (m *UnifiedMessage) AbsorbedExternalIDs() []string {
	switch v := m.Metadata[MetadataKeyAbsorbedExternalIDs].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

// ExternalIDs returns every external message ID this message answers
// for: the primary one, if set, followed by the absorbed ones.
func (m *UnifiedMessage) ExternalIDs() []string {
	var ids []string
	if m.ExternalMessageID != nil {
		ids = append(ids, *m.ExternalMessageID)
	}
	return append(ids, m.AbsorbedExternalIDs()...)
}
