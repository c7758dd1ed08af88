package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/platformclient"
	"github.com/bridgelink/syncengine/internal/syncengine/queue"
	"github.com/bridgelink/syncengine/internal/syncengine/resolver"
)

// runOutboundWorker drains the outbound queue: transform, send, record the
// platform acknowledgement. Transient failures reschedule with backoff;
// permanent failures and exhausted retries move the message to failed with
// exactly one failure event.
func (e *Engine) runOutboundWorker(ctx context.Context, id int) {
	logger := e.logger.With("worker", "outbound", "worker_id", id)
	for {
		job, ok := e.outbound.Dequeue(ctx)
		if !ok {
			return
		}
		e.processOutbound(ctx, logger, job)
	}
}

func (e *Engine) processOutbound(ctx context.Context, logger *slog.Logger, job queue.Job) {
	msg, err := e.store.GetByID(ctx, job.MessageID)
	if err != nil {
		if !errors.Is(err, domain.ErrMessageNotFound) {
			logger.ErrorContext(ctx, "Failed to load outbound message", "error", err, "message_id", job.MessageID)
		}
		return
	}
	if e.isCancelled(msg.ConversationID) || msg.Terminal() {
		return
	}

	// First attempt moves pending -> sending. Redeliveries and recovered
	// jobs find the message already sending and carry on.
	if msg.Status == domain.StatusPending {
		if err := e.tracker.Transition(ctx, msg.ID, domain.StatusPending, domain.StatusSending, "delivery attempt"); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return // another worker owns this delivery
			}
			logger.ErrorContext(ctx, "Failed to mark message sending", "error", err, "message_id", msg.ID)
			return
		}
	} else if msg.Status != domain.StatusSending {
		return
	}

	recipient, err := e.directory.RecipientFor(ctx, msg.ConversationID)
	if err != nil {
		e.failOutbound(ctx, msg.ID, "no recipient: "+err.Error(), "no_recipient")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	payload, err := e.transformer.ToPlatform(callCtx, msg, recipient)
	if err != nil {
		if platformclient.IsTransient(err) {
			e.retryOutbound(ctx, logger, job, msg.ID, err)
		} else {
			e.failOutbound(ctx, msg.ID, err.Error(), "transform")
		}
		return
	}

	start := time.Now()
	externalID, err := e.sender.Send(callCtx, recipient, payload)
	sendDurationHist.Observe(time.Since(start).Seconds())
	if err != nil {
		if platformclient.IsTransient(err) {
			e.retryOutbound(ctx, logger, job, msg.ID, err)
		} else {
			e.failOutbound(ctx, msg.ID, err.Error(), "permanent")
		}
		return
	}

	if err := e.store.SetExternalMessageID(ctx, msg.ID, externalID); err != nil {
		logger.WarnContext(ctx, "Failed to record platform message id",
			"error", err, "message_id", msg.ID, "external_message_id", externalID)
	}
	if err := e.tracker.Transition(ctx, msg.ID, domain.StatusSending, domain.StatusSent, "platform accepted"); err != nil {
		// A delivery receipt may have advanced the status already; the send
		// itself succeeded either way.
		if !errors.Is(err, domain.ErrStatusConflict) {
			logger.ErrorContext(ctx, "Failed to mark message sent", "error", err, "message_id", msg.ID)
		}
	}
	messagesSentCounter.Inc()

	event := domain.NewEvent(domain.EventMessageSent, msg)
	event.Detail = map[string]string{"external_message_id": externalID}
	e.emit(ctx, event)
	logger.InfoContext(ctx, "Message delivered to platform",
		"message_id", msg.ID, "external_message_id", externalID, "attempt", job.AttemptCount+1)
}

func (e *Engine) retryOutbound(ctx context.Context, logger *slog.Logger, job queue.Job, messageID string, cause error) {
	next, ok := e.outbound.Retry(job)
	if !ok {
		e.failOutbound(ctx, messageID, "retries exhausted: "+cause.Error(), "retries_exhausted")
		return
	}
	retriesCounter.Inc()
	logger.WarnContext(ctx, "Transient delivery failure, retrying",
		"message_id", messageID, "attempt", next.AttemptCount, "next_attempt_at", next.NextAttemptAt, "error", cause)
}

// failOutbound moves the message to failed and emits a single
// message-failed event. Idempotent: an already-failed message produces no
// second event.
func (e *Engine) failOutbound(ctx context.Context, messageID, reason, metricReason string) {
	prior, err := e.tracker.Fail(ctx, messageID, reason)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark message failed", "error", err, "message_id", messageID)
		return
	}
	if prior == domain.StatusFailed {
		return
	}
	messagesFailedCounter.WithLabelValues(metricReason).Inc()

	event := domain.NewEvent(domain.EventMessageFailed, nil)
	event.MessageID = messageID
	event.Detail = map[string]string{"reason": reason}
	e.emit(ctx, event)
	e.logger.WarnContext(ctx, "Message failed", "message_id", messageID, "reason", reason)
}

// runInboundWorker drains the inbound queue: resolve media, run conflict
// resolution against the conversation window, and settle the message as
// synced.
func (e *Engine) runInboundWorker(ctx context.Context, id int) {
	logger := e.logger.With("worker", "inbound", "worker_id", id)
	for {
		job, ok := e.inbound.Dequeue(ctx)
		if !ok {
			return
		}
		if err := e.processInbound(ctx, job); err != nil {
			if platformclient.IsTransient(err) {
				if next, retrying := e.inbound.Retry(job); retrying {
					retriesCounter.Inc()
					logger.WarnContext(ctx, "Transient inbound failure, retrying",
						"message_id", job.MessageID, "attempt", next.AttemptCount, "error", err)
					continue
				}
			}
			logger.ErrorContext(ctx, "Inbound processing failed", "error", err, "message_id", job.MessageID)
			// The message stays received; the staleness sweep re-enqueues it.
		}
	}
}

func (e *Engine) processInbound(ctx context.Context, job queue.Job) error {
	msg, err := e.store.GetByID(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return nil // conversation deleted or message resolved away
		}
		return err
	}
	if msg.Status != domain.StatusReceived || e.isCancelled(msg.ConversationID) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.transformer.ResolveInboundMedia(callCtx, msg); err != nil {
		// Transient errors go back through the retry path. On the final
		// attempt the message syncs with the platform URI unresolved rather
		// than staying stuck.
		if platformclient.IsTransient(err) && job.AttemptCount+1 < e.inbound.MaxAttempts() {
			return err
		}
		e.logger.WarnContext(ctx, "Syncing message with unresolved media",
			"message_id", msg.ID, "error", err)
	} else if msg.Content.Kind == domain.ContentKindMedia &&
		!strings.HasPrefix(msg.Content.Media.URI, "whatsapp://") {
		// Persist the rewritten local URI before resolution reads it back.
		if err := e.store.ApplyResolution(ctx, nil, []*domain.UnifiedMessage{msg}); err != nil {
			return err
		}
	}

	release, err := e.locks.Acquire(ctx, msg.ConversationID, e.cfg.ConflictLockWait)
	if err != nil {
		// Lock wait exceeded: degrade to keep_both instead of stalling the
		// pipeline. The message still settles as synced.
		e.logger.WarnContext(ctx, "Conflict lock timeout, keeping message as-is",
			"message_id", msg.ID, "conversation_id", msg.ConversationID)
		conflictsCounter.WithLabelValues(string(resolver.ActionKeepBoth)).Inc()
		return e.settleSynced(ctx, msg)
	}
	defer release()

	from := msg.CreatedAt.Add(-e.resolver.Window())
	to := msg.CreatedAt.Add(e.resolver.Window())
	window, err := e.store.ListConversationWindow(ctx, msg.ConversationID, from, to)
	if err != nil {
		return err
	}

	// Messages still mid-delivery belong to the outbound workers and are
	// left out of resolution; failed messages carry no content to reconcile.
	candidates := window[:0:0]
	for _, m := range window {
		switch m.Status {
		case domain.StatusPending, domain.StatusSending, domain.StatusFailed:
			continue
		}
		candidates = append(candidates, m)
	}

	if len(candidates) < 2 {
		return e.settleSynced(ctx, msg)
	}

	resolution := e.resolver.Resolve(candidates)
	conflictsCounter.WithLabelValues(string(resolution.Action)).Inc()

	if len(resolution.RemovedIDs) == 0 {
		return e.settleSynced(ctx, msg)
	}

	// Persist resolution output that differs from stored state: merged
	// messages and survivors that absorbed a removed message's external
	// IDs. Untouched candidates pass through by pointer identity.
	unchanged := make(map[*domain.UnifiedMessage]bool, len(candidates))
	for _, m := range candidates {
		unchanged[m] = true
	}
	var persist []*domain.UnifiedMessage
	for _, m := range resolution.ResultingMessages {
		if !unchanged[m] {
			persist = append(persist, m)
		}
	}
	if err := e.store.ApplyResolution(ctx, resolution.RemovedIDs, persist); err != nil {
		return err
	}

	for _, m := range persist {
		if m.OriginPlatform != domain.PlatformMerged {
			continue
		}
		event := domain.NewEvent(domain.EventMessageMerged, m)
		if originals, ok := m.Metadata[domain.MetadataKeyOriginalMessages].([]string); ok {
			event.Detail = map[string]string{"original_messages": strings.Join(originals, ",")}
		}
		e.emit(ctx, event)
	}
	e.logger.InfoContext(ctx, "Conflict resolved",
		"conversation_id", msg.ConversationID, "action", resolution.Action,
		"removed", len(resolution.RemovedIDs), "persisted", len(persist))

	removed := make(map[string]bool, len(resolution.RemovedIDs))
	for _, id := range resolution.RemovedIDs {
		removed[id] = true
	}
	if removed[msg.ID] {
		return nil // absorbed into a merge or discarded as duplicate
	}
	return e.settleSynced(ctx, msg)
}

func (e *Engine) settleSynced(ctx context.Context, msg *domain.UnifiedMessage) error {
	if err := e.tracker.Transition(ctx, msg.ID, domain.StatusReceived, domain.StatusSynced, "sync complete"); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrMessageNotFound) {
			return nil // redelivery raced us, or resolution replaced the message
		}
		return err
	}
	e.emit(ctx, domain.NewEvent(domain.EventMessageSynced, msg))
	return nil
}
