package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler upgrades /ws requests into the session gateway.
type WebSocketHandler struct {
	gateway http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(gateway http.Handler) *WebSocketHandler {
	return &WebSocketHandler{gateway: gateway}
}

// Connect handles GET /ws. An optional sessionId query parameter reattaches
// to a running session.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.gateway.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
