package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	redisclient "github.com/fableforge/fableforge-backend/internal/clients/redis"
	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/observability"
)

// WebhookHandler receives provider callbacks and relays them onto the job bus
// for the reconciler. Handlers stay thin: validate, publish, 202.
type WebhookHandler struct {
	log     *logger.Logger
	bus     redisclient.JobBus
	secret  string
	metrics *observability.Metrics
}

func NewWebhookHandler(log *logger.Logger, bus redisclient.JobBus, secret string, metrics *observability.Metrics) *WebhookHandler {
	return &WebhookHandler{
		log:     log.With("handler", "WebhookHandler"),
		bus:     bus,
		secret:  secret,
		metrics: metrics,
	}
}

// POST /api/webhooks/training
func (h *WebhookHandler) TrainingUpdated(c *gin.Context) {
	h.relay(c, redisclient.JobEventTrainingUpdated, "training_id")
}

// POST /api/webhooks/assembly
func (h *WebhookHandler) AssemblyUpdated(c *gin.Context) {
	h.relay(c, redisclient.JobEventAssemblyUpdated, "job_id")
}

func (h *WebhookHandler) relay(c *gin.Context, kind, idField string) {
	if h.secret != "" {
		provided := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
			h.metrics.IncWebhookEvent(kind, "unauthorized")
			RespondError(c, http.StatusUnauthorized, "unauthorized_webhook", fmt.Errorf("bad webhook secret"))
			return
		}
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.metrics.IncWebhookEvent(kind, "rejected")
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("read body: %w", err))
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.metrics.IncWebhookEvent(kind, "rejected")
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if id, _ := payload[idField].(string); id == "" {
		h.metrics.IncWebhookEvent(kind, "rejected")
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("payload missing %s", idField))
		return
	}

	if err := h.bus.Publish(c.Request.Context(), redisclient.JobEvent{Kind: kind, Payload: raw}); err != nil {
		h.log.Error("Failed to publish provider update", "kind", kind, "error", err)
		h.metrics.IncWebhookEvent(kind, "publish_failed")
		RespondError(c, http.StatusServiceUnavailable, "publish_failed", err)
		return
	}
	h.metrics.IncWebhookEvent(kind, "accepted")
	c.Status(http.StatusAccepted)
}
