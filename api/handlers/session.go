// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/parser"
	"github.com/remote-agent-terminal/webui/internal/pty"
	"github.com/remote-agent-terminal/webui/internal/session"
)

// LiveSessions is the view of the session registry the HTTP API needs.
type LiveSessions interface {
	Get(id string) (*session.Session, bool)
	Active() []*session.Session
	Kill(id string) bool
	TerminalMode() pty.Kind
	AgentAvailable() bool
}

// HistoryStore reads persisted session records.
type HistoryStore interface {
	GetByID(ctx context.Context, id string) (*model.SessionRecord, error)
	List(ctx context.Context, limit int) ([]*model.SessionRecord, error)
}

// TranscriptStore looks up parsed conversations by session id.
type TranscriptStore interface {
	Get(id string) (*parser.Transcript, bool)
}

// SessionHandler handles HTTP requests about sessions.
type SessionHandler struct {
	live        LiveSessions
	history     HistoryStore
	transcripts TranscriptStore
}

// NewSessionHandler creates a new SessionHandler. history and transcripts
// may be nil.
func NewSessionHandler(live LiveSessions, history HistoryStore, transcripts TranscriptStore) *SessionHandler {
	return &SessionHandler{live: live, history: history, transcripts: transcripts}
}

// SessionResponse represents a session history record in API responses.
type SessionResponse struct {
	ID           string `json:"id"`
	PlanPath     string `json:"planPath,omitempty"`
	Command      string `json:"command"`
	Transport    string `json:"transport"`
	Status       string `json:"status"`
	PID          *int   `json:"pid,omitempty"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	Signal       string `json:"signal,omitempty"`
	HasRecording bool   `json:"hasRecording"`
	Duration     string `json:"duration"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// ListResponse is the body of GET /api/sessions.
type ListResponse struct {
	Active  []session.Info     `json:"active"`
	History []*SessionResponse `json:"history"`
}

// MessagesResponse is the body of GET /api/sessions/:id/messages.
type MessagesResponse struct {
	SessionID string           `json:"sessionId"`
	Streaming bool             `json:"streaming"`
	Messages  []parser.Message `json:"messages"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toSessionResponse(r *model.SessionRecord) *SessionResponse {
	return &SessionResponse{
		ID:           r.ID,
		PlanPath:     r.PlanPath,
		Command:      r.Command,
		Transport:    r.Transport,
		Status:       string(r.Status),
		PID:          r.PID,
		ExitCode:     r.ExitCode,
		Signal:       r.Signal,
		HasRecording: r.RecordingPath != "",
		Duration:     formatDuration(r.Duration()),
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions. It returns the running sessions and the
// persisted history, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp := ListResponse{Active: []session.Info{}, History: []*SessionResponse{}}
	for _, s := range h.live.Active() {
		resp.Active = append(resp.Active, s.Info())
	}

	if h.history != nil {
		records, err := h.history.List(c.Request.Context(), limit)
		if err != nil {
			sendError(c, http.StatusInternalServerError, model.CodeInternal, "Failed to list sessions: "+err.Error())
			return
		}
		for _, r := range records {
			h.correctStatus(r)
			resp.History = append(resp.History, toSessionResponse(r))
		}
	}

	c.JSON(http.StatusOK, resp)
}

// correctStatus reports a record as exited when the database still says
// running but the registry no longer has the process.
func (h *SessionHandler) correctStatus(r *model.SessionRecord) {
	if r.Status != model.SessionStatusRunning {
		return
	}
	if s, ok := h.live.Get(r.ID); !ok || !s.Active() {
		r.Status = model.SessionStatusExited
	}
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	if h.history != nil {
		rec, err := h.history.GetByID(c.Request.Context(), sessionID)
		switch {
		case err == nil:
			h.correctStatus(rec)
			c.JSON(http.StatusOK, toSessionResponse(rec))
			return
		case !errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusInternalServerError, model.CodeInternal, "Failed to get session: "+err.Error())
			return
		}
	}

	if s, ok := h.live.Get(sessionID); ok {
		c.JSON(http.StatusOK, s.Info())
		return
	}
	sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "Session "+sessionID+" not found")
}

// Kill handles DELETE /api/sessions/:id. It stops a running session.
func (h *SessionHandler) Kill(c *gin.Context) {
	sessionID := c.Param("id")
	if !h.live.Kill(sessionID) {
		sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "Session "+sessionID+" not found or inactive")
		return
	}
	c.Status(http.StatusNoContent)
}

// Messages handles GET /api/sessions/:id/messages, the conversation parsed
// from the session's output.
func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID := c.Param("id")
	if h.transcripts == nil {
		sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "No transcript for session "+sessionID)
		return
	}
	t, ok := h.transcripts.Get(sessionID)
	if !ok {
		sendError(c, http.StatusNotFound, model.CodeSessionNotFound, "No transcript for session "+sessionID)
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{
		SessionID: sessionID,
		Streaming: t.Streaming(),
		Messages:  t.Messages(),
	})
}

// GetRecording handles GET /api/sessions/:id/recording, downloading the
// asciicast recording of a session.
func (h *SessionHandler) GetRecording(c *gin.Context) {
	sessionID := c.Param("id")

	path := ""
	if s, ok := h.live.Get(sessionID); ok {
		path = s.RecordingPath()
	}
	if path == "" && h.history != nil {
		rec, err := h.history.GetByID(c.Request.Context(), sessionID)
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusInternalServerError, model.CodeInternal, "Failed to get session: "+err.Error())
			return
		}
		if rec != nil {
			path = rec.RecordingPath
		}
	}
	if path == "" {
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "No recording for session "+sessionID)
		return
	}
	if _, err := os.Stat(path); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Recording file missing")
		sendError(c, http.StatusNotFound, "RECORDING_NOT_FOUND", "Recording file for session "+sessionID+" is missing")
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Kill)
		sessions.GET("/:id/messages", h.Messages)
		sessions.GET("/:id/recording", h.GetRecording)
	}
}
