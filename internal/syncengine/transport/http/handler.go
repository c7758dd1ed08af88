// Package http exposes the sync engine over REST plus the webhook
// endpoints the external platform calls back on.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgelink/syncengine/internal/syncengine/cache"
	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// SyncService is the engine surface the HTTP layer depends on.
type SyncService interface {
	SendMessage(ctx context.Context, conversationID string, content domain.Content, priority domain.Priority) (string, error)
	ReceiveWebhook(ctx context.Context, raw []byte) error
	ListConversation(ctx context.Context, conversationID string) ([]*domain.UnifiedMessage, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

const maxWebhookBody = 1 << 20 // 1 MiB

type Handler struct {
	service      SyncService
	validate     *validator.Validate
	verifyToken  string
	failures     *cache.TTLCache
	failureLimit int64
	logger       *slog.Logger
}

func NewHandler(service SyncService, validate *validator.Validate, verifyToken string, failures *cache.TTLCache, failureLimit int64, logger *slog.Logger) *Handler {
	if failureLimit <= 0 {
		failureLimit = 20
	}
	return &Handler{
		service:      service,
		validate:     validate,
		verifyToken:  verifyToken,
		failures:     failures,
		failureLimit: failureLimit,
		logger:       logger.With("handler", "sync_api"),
	}
}

// Router builds the full route tree including middleware and the metrics
// endpoint.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", h.handleSendMessage)
		r.Get("/conversations/{conversationID}/messages", h.handleListConversation)
		r.Delete("/conversations/{conversationID}", h.handleDeleteConversation)
	})

	r.Get("/webhooks/whatsapp", h.handleWebhookVerify)
	r.Post("/webhooks/whatsapp", h.handleWebhook)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode send message request", "error", err)
		h.jsonError(ctx, w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		logger.WarnContext(ctx, "Send message request failed validation", "error", err)
		h.jsonError(ctx, w, logger, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	priority := domain.Priority(req.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}

	messageID, err := h.service.SendMessage(ctx, req.ConversationID, contentToDomain(req.Content), priority)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidContent):
			h.jsonError(ctx, w, logger, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrConversationCancelled):
			h.jsonError(ctx, w, logger, "Conversation has been deleted", http.StatusGone)
		default:
			logger.ErrorContext(ctx, "Failed to accept outbound message", "error", err)
			h.jsonError(ctx, w, logger, "Failed to queue message", http.StatusInternalServerError)
		}
		return
	}

	logger.InfoContext(ctx, "Outbound message queued",
		"message_id", messageID, "conversation_id", req.ConversationID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SendMessageResponse{
		MessageID:      messageID,
		ConversationID: req.ConversationID,
		Status:         domain.StatusPending,
	})
}

func (h *Handler) handleListConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	conversationID := chi.URLParam(r, "conversationID")
	if _, err := uuid.Parse(conversationID); err != nil {
		h.jsonError(ctx, w, logger, "Invalid conversation ID format", http.StatusBadRequest)
		return
	}

	messages, err := h.service.ListConversation(ctx, conversationID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to list conversation", "error", err, "conversation_id", conversationID)
		h.jsonError(ctx, w, logger, "Failed to retrieve conversation", http.StatusInternalServerError)
		return
	}

	resp := ConversationResponse{ConversationID: conversationID, Messages: make([]MessageResponse, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, messageToResponse(m))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	conversationID := chi.URLParam(r, "conversationID")
	if _, err := uuid.Parse(conversationID); err != nil {
		h.jsonError(ctx, w, logger, "Invalid conversation ID format", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteConversation(ctx, conversationID); err != nil {
		logger.ErrorContext(ctx, "Failed to delete conversation", "error", err, "conversation_id", conversationID)
		h.jsonError(ctx, w, logger, "Failed to delete conversation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhookVerify answers the platform's subscription handshake: echo
// hub.challenge when the verify token matches.
func (h *Handler) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		h.logger.WarnContext(r.Context(), "Webhook verification rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

// handleWebhook ingests a platform delivery. Acknowledges with 200 once
// the payload parses; a sender whose payloads repeatedly fail to parse
// gets 429 until its failure counter expires.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))
	remote := r.RemoteAddr

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.jsonError(ctx, w, logger, "Failed to read webhook body", http.StatusBadRequest)
		return
	}

	if err := h.service.ReceiveWebhook(ctx, raw); err != nil {
		count := h.failures.Incr(remote)
		logger.WarnContext(ctx, "Malformed webhook payload",
			"error", err, "remote", remote, "failures", count)
		if count >= h.failureLimit {
			h.jsonError(ctx, w, logger, "Too many malformed deliveries", http.StatusTooManyRequests)
			return
		}
		h.jsonError(ctx, w, logger, "Malformed webhook payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) jsonError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, message string, statusCode int) {
	logger.WarnContext(ctx, "API error response", "status_code", statusCode, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(GenericErrorResponse{Error: message})
}
