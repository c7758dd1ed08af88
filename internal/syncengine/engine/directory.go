package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ConversationDirectory maps external identities (phone numbers) onto
// conversation IDs and back. The mapping policy belongs to the host
// application; this is a pluggable lookup.
type ConversationDirectory interface {
	// ConversationFor resolves the conversation an external sender's
	// messages belong to, creating the association if needed.
	ConversationFor(ctx context.Context, phone, contactName string) (string, error)

	// RecipientFor resolves the external recipient for an outbound
	// conversation.
	RecipientFor(ctx context.Context, conversationID string) (string, error)
}

// StaticDirectory derives a deterministic conversation ID from the phone
// number (UUIDv5 over a fixed namespace) so the same sender always lands
// in the same conversation, and remembers the reverse association for
// outbound sends.
type StaticDirectory struct {
	namespace uuid.UUID
	mu        sync.RWMutex
	byConv    map[string]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		namespace: uuid.NameSpaceOID,
		byConv:    make(map[string]string),
	}
}

func (d *StaticDirectory) ConversationFor(ctx context.Context, phone, contactName string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("empty sender phone number")
	}
	conversationID := uuid.NewSHA1(d.namespace, []byte(phone)).String()
	d.mu.Lock()
	d.byConv[conversationID] = phone
	d.mu.Unlock()
	return conversationID, nil
}

func (d *StaticDirectory) RecipientFor(ctx context.Context, conversationID string) (string, error) {
	d.mu.RLock()
	phone, ok := d.byConv[conversationID]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no recipient known for conversation %s", conversationID)
	}
	return phone, nil
}

// Register associates a conversation with an external recipient up front,
// for conversations created locally before any inbound traffic.
func (d *StaticDirectory) Register(conversationID, phone string) {
	d.mu.Lock()
	d.byConv[conversationID] = phone
	d.mu.Unlock()
}
