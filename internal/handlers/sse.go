package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/sse"
)

type SSEHandler struct {
	log *logger.Logger
	hub *sse.SSEHub
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{
		log: log.With("handler", "SSEHandler"),
		hub: hub,
	}
}

// GET /api/automation/runs/:id/stream
func (h *SSEHandler) StreamRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid run id: %w", err))
		return
	}
	h.serve(c, "run:"+runID.String())
}

// GET /api/sse/stream?channel=book:<id>
func (h *SSEHandler) Stream(c *gin.Context) {
	channel := strings.TrimSpace(c.Query("channel"))
	if channel == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("channel query parameter required"))
		return
	}
	h.serve(c, channel)
}

func (h *SSEHandler) serve(c *gin.Context, channel string) {
	client := h.hub.NewSSEClient()
	h.hub.AddChannel(client, channel)
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
