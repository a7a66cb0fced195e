package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/sse"
)

type SSEHandler struct {
	hub *sse.Hub
	log *logger.Logger
}

func NewSSEHandler(hub *sse.Hub, baseLog *logger.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, log: baseLog.With("handler", "SSEHandler")}
}

// SSEStream holds the connection open and streams generation events for the
// given user until the client disconnects.
func (h *SSEHandler) SSEStream(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("user_id must be a uuid"))
		return
	}
	client := h.hub.NewClient(userID)
	h.hub.AddChannel(client, userID.String())
	defer h.hub.RemoveClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
