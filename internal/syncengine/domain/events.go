package domain

import "time"

// EventType names the broadcast events the engine emits to external
// collaborators (UI, notification layer).
type EventType string

const (
	EventMessageQueued   EventType = "message-queued"
	EventMessageSent     EventType = "message-sent"
	EventMessageFailed   EventType = "message-failed"
	EventMessageReceived EventType = "message-received"
	EventMessageSynced   EventType = "message-synced"
	EventMessageMerged   EventType = "message-merged"
	EventDeliveryUpdated EventType = "delivery-updated"
	EventDeliveryDelayed EventType = "delivery-delayed"
)

// Event is one broadcast notification. Detail carries event-specific
// context (failure reason, merged source IDs, new status).
type Event struct {
	Type           EventType         `json:"type"`
	MessageID      string            `json:"message_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	At             time.Time         `json:"at"`
	Detail         map[string]string `json:"detail,omitempty"`
}

func NewEvent(t EventType, msg *UnifiedMessage) Event {
	e := Event{Type: t, At: time.Now().UTC()}
	if msg != nil {
		e.MessageID = msg.ID
		e.ConversationID = msg.ConversationID
	}
	return e
}
