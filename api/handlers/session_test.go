package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/webui/internal/db"
	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/parser"
	"github.com/remote-agent-terminal/webui/internal/pty"
	"github.com/remote-agent-terminal/webui/internal/pty/ptytest"
	"github.com/remote-agent-terminal/webui/internal/repository"
	"github.com/remote-agent-terminal/webui/internal/session"
)

type apiEnv struct {
	reg         *session.Registry
	starter     *ptytest.Starter
	repo        *repository.SessionRepository
	transcripts *parser.Transcripts
	router      *gin.Engine
	recordDir   string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.OpenMemory()
	require.NoError(t, err)
	repo := repository.NewSessionRepository(conn)

	recordDir := t.TempDir()
	starter := ptytest.NewStarter(pty.KindPTY)
	reg := session.New(session.Options{
		Command:      "claude",
		Start:        starter.Start,
		Mode:         pty.KindPTY,
		LookPath:     func(name string) (string, error) { return "/usr/bin/" + name, nil },
		DrainTimeout: 100 * time.Millisecond,
		RecordDir:    recordDir,
		History:      repo,
	})
	transcripts := parser.Follow(reg, 0)

	router := gin.New()
	api := router.Group("/api")
	NewSessionHandler(reg, repo, transcripts).RegisterRoutes(api)
	NewStatusHandler(reg, func() int { return 3 }).RegisterRoutes(router, api)

	t.Cleanup(func() {
		reg.KillAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Drain(ctx)
		transcripts.Stop()
		conn.Close()
	})
	return &apiEnv{reg: reg, starter: starter, repo: repo, transcripts: transcripts, router: router, recordDir: recordDir}
}

func (e *apiEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *apiEnv) create(t *testing.T, plan string) (*session.Session, *ptytest.Process) {
	t.Helper()
	s, err := e.reg.Create(session.CreateOptions{PlanPath: plan})
	require.NoError(t, err)
	return s, e.starter.Last()
}

func exitAndWait(t *testing.T, s *session.Session, proc *ptytest.Process, code int) {
	t.Helper()
	proc.Exit(pty.ExitStatus{Code: code})
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatus(t *testing.T) {
	env := newAPIEnv(t)
	env.create(t, "")

	w := env.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[StatusResponse](t, w)
	assert.Equal(t, pty.KindPTY, resp.TerminalMode)
	assert.True(t, resp.ClaudeAvailable)
	assert.Equal(t, 1, resp.ActiveSessions)
	assert.Equal(t, 3, resp.Connections)
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t)
	done, doneProc := env.create(t, "plans/a.md")
	exitAndWait(t, done, doneProc, 2)
	running, _ := env.create(t, "plans/b.md")

	w := env.do(t, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ListResponse](t, w)

	require.Len(t, resp.Active, 1)
	assert.Equal(t, running.ID, resp.Active[0].ID)
	assert.True(t, resp.Active[0].Active)

	require.Len(t, resp.History, 2)
	byID := map[string]*SessionResponse{}
	for _, r := range resp.History {
		byID[r.ID] = r
	}
	require.Contains(t, byID, done.ID)
	assert.Equal(t, string(model.SessionStatusExited), byID[done.ID].Status)
	require.NotNil(t, byID[done.ID].ExitCode)
	assert.Equal(t, 2, *byID[done.ID].ExitCode)
	assert.True(t, byID[done.ID].HasRecording)
	assert.Equal(t, string(model.SessionStatusRunning), byID[running.ID].Status)
}

func TestListSessionsLimit(t *testing.T) {
	env := newAPIEnv(t)
	env.create(t, "")
	env.create(t, "")

	w := env.do(t, http.MethodGet, "/api/sessions?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ListResponse](t, w).History, 1)

	w = env.do(t, http.MethodGet, "/api/sessions?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, w).Error.Code)
}

func TestListCorrectsStaleRunningStatus(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now()
	require.NoError(t, env.repo.Create(context.Background(), &model.SessionRecord{
		ID:        "session-stale",
		Command:   "claude",
		Transport: string(pty.KindPTY),
		Status:    model.SessionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	w := env.do(t, http.MethodGet, "/api/sessions/session-stale")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(model.SessionStatusExited), decode[SessionResponse](t, w).Status)
}

func TestGetSession(t *testing.T) {
	env := newAPIEnv(t)
	s, _ := env.create(t, "plans/x.md")

	w := env.do(t, http.MethodGet, "/api/sessions/"+s.ID)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, s.ID, resp.ID)
	assert.Equal(t, "plans/x.md", resp.PlanPath)
	assert.Equal(t, "/usr/bin/claude --plan plans/x.md", resp.Command)

	w = env.do(t, http.MethodGet, "/api/sessions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.CodeSessionNotFound, decode[ErrorResponse](t, w).Error.Code)
}

func TestGetSessionWithoutHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	starter := ptytest.NewStarter(pty.KindPipe)
	reg := session.New(session.Options{
		Command:  "claude",
		Start:    starter.Start,
		Mode:     pty.KindPipe,
		LookPath: func(name string) (string, error) { return name, nil },
	})
	t.Cleanup(reg.KillAll)
	s, err := reg.Create(session.CreateOptions{})
	require.NoError(t, err)

	router := gin.New()
	NewSessionHandler(reg, nil, nil).RegisterRoutes(router.Group("/api"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/"+s.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[session.Info](t, w)
	assert.Equal(t, pty.KindPipe, info.Transport)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/"+s.ID+"/messages", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKillSession(t *testing.T) {
	env := newAPIEnv(t)
	s, proc := env.create(t, "")

	w := env.do(t, http.MethodDelete, "/api/sessions/"+s.ID)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, proc.Terminated())

	w = env.do(t, http.MethodDelete, "/api/sessions/"+s.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionMessages(t *testing.T) {
	env := newAPIEnv(t)
	s, proc := env.create(t, "")
	proc.Emit("❯ list files\n● Bash(ls)\n⎿  main.go\n")
	exitAndWait(t, s, proc, 0)

	var resp MessagesResponse
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/messages")
		if w.Code != http.StatusOK {
			return false
		}
		resp = decode[MessagesResponse](t, w)
		return !resp.Streaming && len(resp.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, s.ID, resp.SessionID)
	assert.Equal(t, parser.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "list files", resp.Messages[0].Content)
	assert.Equal(t, parser.RoleTool, resp.Messages[1].Role)
	require.NotNil(t, resp.Messages[1].Metadata)
	assert.Equal(t, "Bash", resp.Messages[1].Metadata.ToolName)

	w := env.do(t, http.MethodGet, "/api/sessions/unknown/messages")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRecording(t *testing.T) {
	env := newAPIEnv(t)
	s, proc := env.create(t, "")
	proc.Emit("hello")
	exitAndWait(t, s, proc, 0)

	w := env.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/recording")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename="+s.ID+".cast", w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Body.String(), `"version":2`)
	assert.Contains(t, w.Body.String(), `"hello"`)
}

func TestGetRecordingMissing(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/sessions/nope/recording")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RECORDING_NOT_FOUND", decode[ErrorResponse](t, w).Error.Code)

	s, proc := env.create(t, "")
	exitAndWait(t, s, proc, 0)
	require.NoError(t, os.Remove(filepath.Join(env.recordDir, s.ID+".cast")))

	w = env.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/recording")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{1500 * time.Millisecond, "2s"},
		{61 * time.Second, "1m1s"},
		{time.Hour + 2*time.Second, "1h0m2s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}
