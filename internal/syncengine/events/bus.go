// Package events carries the engine's outbound broadcast channel. External
// collaborators (UI, notification layer) subscribe instead of registering
// implicit listeners; delivery ordering is the publish order.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bridgelink/syncengine/internal/platform/messagebroker"
	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// Bus is the typed broadcast channel the engine publishes to.
type Bus interface {
	Publish(ctx context.Context, event domain.Event) error
}

// InProcBus fans events out to channel subscribers inside the process.
// Used by the websocket broadcaster and by tests.
type InProcBus struct {
	mu   sync.RWMutex
	subs map[int]chan domain.Event
	next int
}

func NewInProcBus() *InProcBus {
	return &InProcBus{subs: make(map[int]chan domain.Event)}
}

func (b *InProcBus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Slow subscribers drop events rather than stalling delivery.
		}
	}
	return nil
}

// Subscribe returns a buffered event channel and an unsubscribe func.
func (b *InProcBus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan domain.Event, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

// NATSBus publishes events as JSON to sync.events.<type> subjects.
type NATSBus struct {
	client        *messagebroker.NATSClient
	subjectPrefix string
	logger        *slog.Logger
}

func NewNATSBus(client *messagebroker.NATSClient, logger *slog.Logger) *NATSBus {
	return &NATSBus{
		client:        client,
		subjectPrefix: "sync.events.",
		logger:        logger.With("component", "nats_event_bus"),
	}
}

func (b *NATSBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := b.subjectPrefix + string(event.Type)
	if err := b.client.Publish(ctx, subject, data); err != nil {
		b.logger.ErrorContext(ctx, "Failed to publish event", "error", err, "subject", subject)
		return err
	}
	return nil
}

// Tee publishes each event to every underlying bus. Publish errors are
// collected but do not short-circuit the remaining buses.
type Tee struct {
	buses []Bus
}

func NewTee(buses ...Bus) *Tee {
	return &Tee{buses: buses}
}

func (t *Tee) Publish(ctx context.Context, event domain.Event) error {
	var firstErr error
	for _, bus := range t.buses {
		if err := bus.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
