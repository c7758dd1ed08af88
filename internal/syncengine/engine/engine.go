// Package engine orchestrates bidirectional message synchronization: the
// outbound path from local writes to the external platform, the inbound
// path from webhook events to the local store, conflict resolution between
// the two, and the broadcast events external collaborators consume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bridgelink/syncengine/internal/syncengine/cache"
	"github.com/bridgelink/syncengine/internal/syncengine/domain"
	"github.com/bridgelink/syncengine/internal/syncengine/events"
	"github.com/bridgelink/syncengine/internal/syncengine/platformclient"
	"github.com/bridgelink/syncengine/internal/syncengine/queue"
	"github.com/bridgelink/syncengine/internal/syncengine/resolver"
	"github.com/bridgelink/syncengine/internal/syncengine/store"
	"github.com/bridgelink/syncengine/internal/syncengine/tracker"
	"github.com/bridgelink/syncengine/internal/syncengine/transformer"
)

type Config struct {
	ConflictWindow     time.Duration
	ConflictLockWait   time.Duration
	CallTimeout        time.Duration
	StalenessThreshold time.Duration
	StalenessInterval  time.Duration
	OutboundWorkers    int
	InboundWorkers     int
	RecoveryBatchSize  int
}

func (c Config) withDefaults() Config {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = time.Second
	}
	if c.ConflictLockWait <= 0 {
		c.ConflictLockWait = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 2 * time.Minute
	}
	if c.StalenessInterval <= 0 {
		c.StalenessInterval = 30 * time.Second
	}
	if c.OutboundWorkers <= 0 {
		c.OutboundWorkers = 5
	}
	if c.InboundWorkers <= 0 {
		c.InboundWorkers = 5
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = 500
	}
	return c
}

// Deps are the collaborators the engine is constructed with. No globals:
// every dependency is explicit.
type Deps struct {
	Store       store.MessageStore
	Tracker     *tracker.Tracker
	Transformer *transformer.Transformer
	Resolver    *resolver.Resolver
	Outbound    *queue.Queue
	Inbound     *queue.Queue
	Bus         events.Bus
	Sender      platformclient.Sender
	Directory   ConversationDirectory
	DedupCache  *cache.TTLCache
	StaleCache  *cache.TTLCache
	Logger      *slog.Logger
}

type Engine struct {
	cfg Config

	store       store.MessageStore
	tracker     *tracker.Tracker
	transformer *transformer.Transformer
	resolver    *resolver.Resolver
	locks       *resolver.ConversationLocks
	outbound    *queue.Queue
	inbound     *queue.Queue
	bus         events.Bus
	sender      platformclient.Sender
	directory   ConversationDirectory
	dedupCache  *cache.TTLCache
	staleCache  *cache.TTLCache
	logger      *slog.Logger

	cancelled sync.Map // conversationID -> struct{}
}

func New(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		store:       deps.Store,
		tracker:     deps.Tracker,
		transformer: deps.Transformer,
		resolver:    deps.Resolver,
		locks:       resolver.NewConversationLocks(),
		outbound:    deps.Outbound,
		inbound:     deps.Inbound,
		bus:         deps.Bus,
		sender:      deps.Sender,
		directory:   deps.Directory,
		dedupCache:  deps.DedupCache,
		staleCache:  deps.StaleCache,
		logger:      deps.Logger.With("component", "sync_engine"),
	}
}

// SendMessage accepts a locally-created message: validates the content,
// persists it pending, enqueues it for asynchronous delivery and returns
// the assigned ID immediately.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, content domain.Content, priority domain.Priority) (string, error) {
	if err := content.Validate(); err != nil {
		return "", err
	}
	if e.isCancelled(conversationID) {
		return "", domain.ErrConversationCancelled
	}

	msg := domain.NewLocalMessage(conversationID, content)
	if err := e.store.Create(ctx, msg); err != nil {
		return "", fmt.Errorf("persist outbound message: %w", err)
	}

	job := queue.Job{MessageID: msg.ID, Priority: priority}
	if !e.outbound.TryEnqueue(job) {
		// Queue at capacity. The message stays pending; the staleness
		// sweep re-enqueues it rather than losing the write.
		e.logger.WarnContext(ctx, "Outbound queue full, deferring to recovery",
			"message_id", msg.ID, "conversation_id", conversationID)
	}

	e.emit(ctx, domain.NewEvent(domain.EventMessageQueued, msg))
	e.logger.InfoContext(ctx, "Outbound message accepted",
		"message_id", msg.ID, "conversation_id", conversationID, "priority", priority)
	return msg.ID, nil
}

// ReceiveWebhook ingests one raw webhook delivery: message records are
// deduplicated, transformed and enqueued; delivery receipts are applied to
// the status tracker. Duplicate records are absorbed silently.
func (e *Engine) ReceiveWebhook(ctx context.Context, raw []byte) error {
	records, callbacks, err := transformer.ParseWebhook(raw)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := e.ingestInbound(ctx, record); err != nil {
			e.logger.ErrorContext(ctx, "Failed to ingest inbound message",
				"error", err, "external_message_id", record.ExternalMessageID)
		}
	}
	for _, cb := range callbacks {
		if err := e.ApplyStatusCallback(ctx, cb); err != nil {
			e.logger.ErrorContext(ctx, "Failed to apply status callback",
				"error", err, "external_message_id", cb.ExternalMessageID, "status", cb.Status)
		}
	}
	return nil
}

func (e *Engine) ingestInbound(ctx context.Context, record transformer.InboundRecord) error {
	if record.ExternalMessageID == "" {
		return fmt.Errorf("inbound record without external message id")
	}

	// Dedup fast-path, then the authoritative store check. Either hit is a
	// silent idempotent no-op.
	if e.dedupCache.Contains(record.ExternalMessageID) {
		duplicatesDiscardedCounter.Inc()
		return nil
	}
	if _, err := e.store.GetByExternalID(ctx, record.ExternalMessageID); err == nil {
		e.dedupCache.Set(record.ExternalMessageID)
		duplicatesDiscardedCounter.Inc()
		return nil
	} else if !errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}

	conversationID, err := e.directory.ConversationFor(ctx, record.From, record.ContactName)
	if err != nil {
		return fmt.Errorf("resolve conversation for %s: %w", record.From, err)
	}
	if e.isCancelled(conversationID) {
		return nil
	}

	msg := domain.NewExternalMessage(conversationID, record.Content, record.ExternalMessageID, record.Timestamp)
	if record.ContactName != "" {
		msg.Metadata = map[string]any{"contactName": record.ContactName, "from": record.From}
	} else {
		msg.Metadata = map[string]any{"from": record.From}
	}

	if err := e.store.Create(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateExternalID) {
			// Lost the race against a concurrent delivery of the same
			// webhook. The invariant held; nothing to do.
			e.dedupCache.Set(record.ExternalMessageID)
			duplicatesDiscardedCounter.Inc()
			return nil
		}
		return fmt.Errorf("persist inbound message: %w", err)
	}
	e.dedupCache.Set(record.ExternalMessageID)
	messagesReceivedCounter.Inc()

	if !e.inbound.TryEnqueue(queue.Job{MessageID: msg.ID, Priority: domain.PriorityNormal}) {
		e.logger.WarnContext(ctx, "Inbound queue full, deferring to recovery", "message_id", msg.ID)
	}

	e.emit(ctx, domain.NewEvent(domain.EventMessageReceived, msg))
	return nil
}

// statusLadder orders the send-side states a delivery receipt can walk
// through. Receipts arriving out of order only ever move status forward.
var statusLadder = []domain.Status{
	domain.StatusPending, domain.StatusSending, domain.StatusSent,
	domain.StatusDelivered, domain.StatusRead,
}

func ladderIndex(s domain.Status) int {
	for i, st := range statusLadder {
		if st == s {
			return i
		}
	}
	return -1
}

// ApplyStatusCallback maps a platform delivery receipt onto tracker
// transitions, walking intermediate states when the receipt jumps ahead.
func (e *Engine) ApplyStatusCallback(ctx context.Context, cb transformer.StatusCallback) error {
	msg, err := e.store.GetByExternalID(ctx, cb.ExternalMessageID)
	if err != nil {
		return err
	}

	if cb.Status == "failed" {
		if msg.Status == domain.StatusFailed {
			return nil
		}
		if _, err := e.tracker.Fail(ctx, msg.ID, "platform reported failure"); err != nil {
			return err
		}
		messagesFailedCounter.WithLabelValues("platform_callback").Inc()
		e.emit(ctx, domain.NewEvent(domain.EventMessageFailed, msg))
		return nil
	}

	var target domain.Status
	switch cb.Status {
	case "sent":
		target = domain.StatusSent
	case "delivered":
		target = domain.StatusDelivered
	case "read":
		target = domain.StatusRead
	default:
		return fmt.Errorf("unknown status callback %q", cb.Status)
	}

	current := ladderIndex(msg.Status)
	want := ladderIndex(target)
	if current < 0 {
		return fmt.Errorf("%w: callback %q for message in state %s", domain.ErrInvalidTransition, cb.Status, msg.Status)
	}
	if want <= current {
		// Late or duplicate receipt; status only moves forward.
		return nil
	}

	for i := current; i < want; i++ {
		if err := e.tracker.Transition(ctx, msg.ID, statusLadder[i], statusLadder[i+1], "delivery receipt"); err != nil {
			return err
		}
	}

	event := domain.NewEvent(domain.EventDeliveryUpdated, msg)
	event.Detail = map[string]string{"status": string(target)}
	e.emit(ctx, event)
	return nil
}

// ListConversation returns the persisted conversation in createdAt order.
func (e *Engine) ListConversation(ctx context.Context, conversationID string) ([]*domain.UnifiedMessage, error) {
	return e.store.ListConversation(ctx, conversationID)
}

// DeleteConversation removes a conversation and cancels its in-flight
// work. Cancellation is cooperative: workers observe the flag between
// suspension points.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	e.cancelled.Store(conversationID, struct{}{})
	if err := e.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "Conversation deleted", "conversation_id", conversationID)
	return nil
}

func (e *Engine) isCancelled(conversationID string) bool {
	_, ok := e.cancelled.Load(conversationID)
	return ok
}

// Run starts the worker pools and background monitors and blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		e.logger.ErrorContext(ctx, "Startup recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.OutboundWorkers; i++ {
		worker := i
		g.Go(func() error {
			e.runOutboundWorker(gctx, worker)
			return nil
		})
	}
	for i := 0; i < e.cfg.InboundWorkers; i++ {
		worker := i
		g.Go(func() error {
			e.runInboundWorker(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		e.runStalenessMonitor(gctx)
		return nil
	})
	return g.Wait()
}

// recover re-enqueues persisted messages whose delivery was interrupted:
// pending/sending outbound work and received inbound work. Queues hold
// only message references, so a restart loses no writes.
func (e *Engine) recover(ctx context.Context) error {
	now := time.Now().UTC()

	outstanding, err := e.store.ListByStatus(ctx,
		[]domain.Status{domain.StatusPending, domain.StatusSending}, now, e.cfg.RecoveryBatchSize)
	if err != nil {
		return err
	}
	for _, msg := range outstanding {
		e.outbound.TryEnqueue(queue.Job{MessageID: msg.ID, Priority: domain.PriorityNormal})
	}

	unsynced, err := e.store.ListByStatus(ctx,
		[]domain.Status{domain.StatusReceived}, now, e.cfg.RecoveryBatchSize)
	if err != nil {
		return err
	}
	for _, msg := range unsynced {
		e.inbound.TryEnqueue(queue.Job{MessageID: msg.ID, Priority: domain.PriorityNormal})
	}

	if len(outstanding)+len(unsynced) > 0 {
		e.logger.InfoContext(ctx, "Recovered interrupted work",
			"outbound", len(outstanding), "inbound", len(unsynced))
	}
	return nil
}

func (e *Engine) runStalenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StalenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		queueDepthGauge.WithLabelValues("outbound").Set(float64(e.outbound.Depth()))
		queueDepthGauge.WithLabelValues("inbound").Set(float64(e.inbound.Depth()))

		e.sweepStale(ctx)
	}
}

// sweepStale is the periodic recovery pass: messages stuck pending,
// sending or received past the staleness threshold are re-enqueued and
// surfaced as delayed. The stale cache throttles both to once per
// message per cache TTL; re-running a job is safe because every
// processing step guards itself with a status CAS.
func (e *Engine) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.StalenessThreshold)
	stale, err := e.store.ListByStatus(ctx,
		[]domain.Status{domain.StatusPending, domain.StatusSending, domain.StatusReceived}, cutoff, 100)
	if err != nil {
		e.logger.ErrorContext(ctx, "Staleness scan failed", "error", err)
		return
	}
	for _, msg := range stale {
		if e.staleCache.Contains(msg.ID) {
			continue
		}
		e.staleCache.Set(msg.ID)

		job := queue.Job{MessageID: msg.ID, Priority: domain.PriorityNormal}
		if msg.Status == domain.StatusReceived {
			e.inbound.TryEnqueue(job)
		} else {
			e.outbound.TryEnqueue(job)
		}

		event := domain.NewEvent(domain.EventDeliveryDelayed, msg)
		event.Detail = map[string]string{"status": string(msg.Status)}
		e.emit(ctx, event)
		e.logger.WarnContext(ctx, "Stale message re-enqueued",
			"message_id", msg.ID, "status", msg.Status)
	}
}

func (e *Engine) emit(ctx context.Context, event domain.Event) {
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event", "error", err, "event_type", event.Type)
	}
}
