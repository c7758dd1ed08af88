// Package tracker applies delivery lifecycle transitions to stored
// messages. Every status mutation in the system goes through Transition,
// which validates the edge against the state machine and applies it as an
// atomic compare-and-swap so concurrent redeliveries cannot produce lost
// updates.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/store"
)

type Tracker struct {
	store  store.MessageStore
	logger *slog.Logger
}

func New(store store.MessageStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.With("component", "status_tracker"),
	}
}

// Transition moves a message from expected to next, recording a timestamped
// history entry. Returns domain.ErrInvalidTransition for edges the state
// machine forbids; stored state is left untouched in that case.
func (t *Tracker) Transition(ctx context.Context, messageID string, expected, next domain.Status, reason string) error {
	if !expected.Valid() || !next.Valid() {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	if !expected.CanTransition(next) {
		t.logger.ErrorContext(ctx, "Rejected illegal status transition",
			"message_id", messageID, "from", expected, "to", next)
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	change := domain.StatusChange{
		From:   expected,
		To:     next,
		At:     time.Now().UTC(),
		Reason: reason,
	}
	if err := t.store.TransitionStatus(ctx, messageID, expected, change); err != nil {
		return err
	}
	t.logger.DebugContext(ctx, "Status transition applied",
		"message_id", messageID, "from", expected, "to", next, "reason", reason)
	return nil
}

// Fail moves a message into the failed terminal state from whatever
// non-terminal send-side state it currently occupies. Returns the observed
// prior status.
func (t *Tracker) Fail(ctx context.Context, messageID, reason string) (domain.Status, error) {
	msg, err := t.store.GetByID(ctx, messageID)
	if err != nil {
		return "", err
	}
	if msg.Status == domain.StatusFailed {
		return msg.Status, nil
	}
	if err := t.Transition(ctx, messageID, msg.Status, domain.StatusFailed, reason); err != nil {
		return msg.Status, err
	}
	return msg.Status, nil
}
