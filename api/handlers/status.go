package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/webui/internal/pty"
)

// StatusHandler reports server health and capabilities.
type StatusHandler struct {
	live LiveSessions
	// connections returns the number of open WebSocket connections.
	connections func() int
}

// NewStatusHandler creates a new StatusHandler. connections may be nil.
func NewStatusHandler(live LiveSessions, connections func() int) *StatusHandler {
	return &StatusHandler{live: live, connections: connections}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	TerminalMode    pty.Kind `json:"terminalMode"`
	ClaudeAvailable bool     `json:"claudeAvailable"`
	ActiveSessions  int      `json:"activeSessions"`
	Connections     int      `json:"connections"`
}

// Health handles GET /health.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /api/status.
func (h *StatusHandler) Status(c *gin.Context) {
	resp := StatusResponse{
		TerminalMode:    h.live.TerminalMode(),
		ClaudeAvailable: h.live.AgentAvailable(),
		ActiveSessions:  len(h.live.Active()),
	}
	if h.connections != nil {
		resp.Connections = h.connections()
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers /health on r and /status on api.
func (h *StatusHandler) RegisterRoutes(r gin.IRoutes, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	api.GET("/status", h.Status)
}
