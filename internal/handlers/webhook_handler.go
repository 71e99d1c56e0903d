// Package handlers provides the HTTP surface of the conversation batching
// and dispatch bridge: the chat-platform webhook ingress and a health
// endpoint.
package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/mediarouter"
	"github.com/nordja/convobridge/internal/models"
	"github.com/nordja/convobridge/internal/queue"
	"github.com/nordja/convobridge/pkg/chatplatform"
)

const maxWebhookPayloadSize = 1024 * 1024 * 4 // 4MB

// QueueEnqueuer is the normal per-chat queue path.
type QueueEnqueuer interface {
	Enqueue(chatID string, payload models.Payload, now time.Time) (queue.EnqueueOutcome, error)
}

// MediaRouter is the fast-path audio bypass.
type MediaRouter interface {
	Route(ctx context.Context, chatID string, payload models.Payload, now time.Time) error
}

// WebhookHandler handles incoming chat-platform webhook events. It
// validates and acknowledges within the platform's ack budget, then
// processes the event asynchronously so slow downstream I/O never holds
// up the HTTP response.
type WebhookHandler struct {
	webhookSecret string
	enqueuer      QueueEnqueuer
	mediaRouter   MediaRouter
	logger        *zap.Logger
}

// NewWebhookHandler builds a WebhookHandler.
func NewWebhookHandler(webhookSecret string, enqueuer QueueEnqueuer, mediaRouter MediaRouter, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		enqueuer:      enqueuer,
		mediaRouter:   mediaRouter,
		logger:        logger,
	}
}

// HandleWebhook validates the request signature and shape, then hands the
// event off for asynchronous processing and acknowledges immediately.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	signature := c.GetHeader("X-Webhook-Signature")
	if signature == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
		return
	}

	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookPayloadSize)
	body, err := io.ReadAll(reader)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if !chatplatform.VerifySignature(h.webhookSecret, body, signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := chatplatform.ParseInboundEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := toPayload(event)
	now := time.Now()
	chatID := event.ChatID

	go h.process(chatID, payload, now)

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *WebhookHandler) process(chatID string, payload models.Payload, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if payload.MessageType == "audio" && payload.Media != nil {
		if err := h.mediaRouter.Route(ctx, chatID, payload, now); err != nil && h.logger != nil {
			h.logger.Error("fast-path media routing failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}

	if _, err := h.enqueuer.Enqueue(chatID, payload, now); err != nil && h.logger != nil {
		h.logger.Error("failed to enqueue inbound message", zap.String("chat_id", chatID), zap.Error(err))
	}
}

func toPayload(event chatplatform.InboundEvent) models.Payload {
	var media *models.MediaReference
	if event.Media != nil {
		media = &models.MediaReference{URL: event.Media.URL, MediaType: event.Media.MediaType}
	}
	return models.Payload{
		SenderID:     event.SenderID,
		SenderName:   event.SenderName,
		Text:         event.Text,
		MessageType:  event.MessageType,
		CustomFields: event.CustomFields,
		Media:        media,
	}
}

// HandleHealth reports liveness for orchestrator probes.
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
