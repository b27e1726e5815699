package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/pty"
	"github.com/remote-agent-terminal/webui/internal/pty/ptytest"
	"github.com/remote-agent-terminal/webui/internal/session"
)

type harness struct {
	t       *testing.T
	reg     *session.Registry
	starter *ptytest.Starter
	gw      *Gateway
	srv     *httptest.Server
}

type harnessOptions struct {
	kind     pty.Kind
	lookPath func(string) (string, error)
	gateway  Options
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	if ho.kind == "" {
		ho.kind = pty.KindPTY
	}
	if ho.lookPath == nil {
		ho.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	}
	starter := ptytest.NewStarter(ho.kind)
	reg := session.New(session.Options{
		Command:      "claude",
		Start:        starter.Start,
		Mode:         ho.kind,
		LookPath:     ho.lookPath,
		DrainTimeout: 200 * time.Millisecond,
	})
	gw := New(reg, ho.gateway)
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		srv.Close()
		gw.Close()
		reg.KillAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Drain(ctx)
	})
	return &harness{t: t, reg: reg, starter: starter, gw: gw, srv: srv}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

// dial connects and consumes the connected frame.
func (h *harness) dial(query string) (*client, map[string]any) {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })

	c := &client{t: h.t, ws: conn}
	connected := c.expect(TypeConnected)
	return c, connected
}

func (c *client) send(typ string, payload any) {
	c.t.Helper()
	env := map[string]any{"type": typ}
	if payload != nil {
		env["payload"] = payload
	}
	require.NoError(c.t, c.ws.WriteJSON(env))
}

func (c *client) next() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var frame map[string]any
	require.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	frame := c.next()
	require.Equal(c.t, typ, frame["type"], "frame: %v", frame)
	return frame
}

// output reads terminal-data frames until want has been seen.
func (c *client) output(want string) {
	c.t.Helper()
	var got strings.Builder
	for got.Len() < len(want) {
		frame := c.expect(TypeTerminalData)
		got.WriteString(frame["data"].(string))
	}
	require.Equal(c.t, want, got.String())
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, what)
}

func TestGateway_ConnectedFrame(t *testing.T) {
	h := newHarness(t, harnessOptions{kind: pty.KindPipe})
	_, connected := h.dial("")
	assert.Equal(t, "pipe", connected["terminalMode"])
	assert.Equal(t, true, connected["claudeAvailable"])
	h.waitFor("registered", func() bool { return h.gw.Len() == 1 })
}

func TestGateway_CreateStreamAndExit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")

	c.send(TypeCreateSession, map[string]any{"planPath": "plans/a.md"})
	created := c.expect(TypeSessionCreated)
	assert.Equal(t, "plans/a.md", created["planPath"])
	id := created["sessionId"].(string)
	assert.True(t, strings.HasPrefix(id, "session-"))
	assert.Equal(t, []string{"--plan", "plans/a.md"}, h.starter.Options(0).Args)

	proc := h.starter.Last()
	proc.Emit("\x1b[32mhello\x1b[0m")
	c.output("\x1b[32mhello\x1b[0m")

	c.send(TypeTerminalInput, map[string]any{"data": "ls\r"})
	h.waitFor("input", func() bool { return proc.Input() == "ls\r" })

	proc.Exit(pty.ExitStatus{Code: 3})
	exit := c.expect(TypeSessionExit)
	assert.Equal(t, float64(3), exit["exitCode"])

	// Exit clears the binding, and is reported once.
	c.send(TypeTerminalInput, map[string]any{"data": "x"})
	frame := c.expect(TypeError)
	assert.Equal(t, model.CodeNoSession, frame["code"])
}

func TestGateway_RuneSplitAcrossReads(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")
	c.send(TypeCreateSession, nil)
	c.expect(TypeSessionCreated)

	b := []byte("❯ hi\n")
	proc := h.starter.Last()
	proc.Emit(string(b[:2]))
	proc.Emit(string(b[2:]))
	c.output("❯ hi\n")
}

func TestGateway_UnboundInputIsRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")

	c.send(TypeTerminalInput, map[string]any{"data": "x"})
	frame := c.expect(TypeError)
	assert.Equal(t, "No active session", frame["message"])
	assert.Equal(t, model.CodeNoSession, frame["code"])

	c.send(TypeResize, map[string]any{"cols": 80, "rows": 24})
	frame = c.expect(TypeError)
	assert.Equal(t, model.CodeNoSession, frame["code"])
	assert.Zero(t, h.starter.Count())
}

func TestGateway_Resize(t *testing.T) {
	t.Run("pty", func(t *testing.T) {
		h := newHarness(t, harnessOptions{kind: pty.KindPTY})
		c, _ := h.dial("")
		c.send(TypeCreateSession, nil)
		c.expect(TypeSessionCreated)

		c.send(TypeResize, map[string]any{"cols": 100, "rows": 40})
		h.waitFor("resize", func() bool {
			cols, rows := h.starter.Last().Size()
			return cols == 100 && rows == 40
		})
	})

	t.Run("pipe is silent", func(t *testing.T) {
		h := newHarness(t, harnessOptions{kind: pty.KindPipe})
		c, _ := h.dial("")
		c.send(TypeCreateSession, nil)
		c.expect(TypeSessionCreated)

		c.send(TypeResize, map[string]any{"cols": 100, "rows": 40})
		c.send(TypeKillSession, nil)
		c.expect(TypeSessionKilled)
	})
}

func TestGateway_ReattachDoesNotSpawn(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first, _ := h.dial("")
	first.send(TypeCreateSession, nil)
	id := first.expect(TypeSessionCreated)["sessionId"].(string)

	proc := h.starter.Last()
	proc.Emit("before")
	first.output("before")
	require.NoError(t, first.ws.Close())
	h.waitFor("first connection gone", func() bool { return h.gw.Len() == 0 })

	s, ok := h.reg.Get(id)
	require.True(t, ok)
	assert.True(t, s.Active(), "closing a connection keeps its session")

	second, _ := h.dial("sessionId=" + id)
	assert.Equal(t, id, second.expect(TypeSessionAttached)["sessionId"])
	second.output("before")

	proc.Emit("after")
	second.output("after")
	assert.Equal(t, 1, h.starter.Count())

	second.send(TypeTerminalInput, map[string]any{"data": "y"})
	h.waitFor("input", func() bool { return proc.Input() == "y" })
}

func TestGateway_ReattachUnknownSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("sessionId=session-9-1")
	frame := c.expect(TypeError)
	assert.Equal(t, "Session not found or inactive", frame["message"])
	assert.Equal(t, model.CodeSessionNotFound, frame["code"])
	assert.Zero(t, h.starter.Count())
}

func TestGateway_CreateReplacesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")

	c.send(TypeCreateSession, nil)
	firstID := c.expect(TypeSessionCreated)["sessionId"]
	first := h.starter.Last()

	c.send(TypeCreateSession, nil)
	secondID := c.expect(TypeSessionCreated)["sessionId"]
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, 1, first.Terminated())
	assert.Equal(t, 2, h.starter.Count())

	// The old session's exit is not reported on this connection.
	h.waitFor("first exited", func() bool { _, ok := h.reg.Get(firstID.(string)); return !ok })
	c.send(TypeKillSession, nil)
	c.expect(TypeSessionKilled)
}

func TestGateway_KillIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")

	c.send(TypeKillSession, nil)
	c.expect(TypeSessionKilled)

	c.send(TypeCreateSession, nil)
	c.expect(TypeSessionCreated)
	proc := h.starter.Last()

	c.send(TypeKillSession, nil)
	c.expect(TypeSessionKilled)
	assert.Equal(t, 1, proc.Terminated())
	h.waitFor("registry empty", func() bool { return h.reg.Len() == 0 })

	c.send(TypeKillSession, nil)
	c.expect(TypeSessionKilled)
	c.send(TypeTerminalInput, map[string]any{"data": "x"})
	assert.Equal(t, model.CodeNoSession, c.expect(TypeError)["code"])
}

func TestGateway_PreSessionErrorsGoToUnboundConnections(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	idle, _ := h.dial("")
	bound, _ := h.dial("")
	requester, _ := h.dial("")

	bound.send(TypeCreateSession, nil)
	bound.expect(TypeSessionCreated)

	h.starter.SetErr(errors.New("fork: resource temporarily unavailable"))
	requester.send(TypeCreateSession, nil)

	frame := requester.expect(TypeSessionError)
	assert.Equal(t, model.CodeSpawnFailure, frame["code"])
	assert.Contains(t, frame["error"], "resource temporarily unavailable")
	assert.Equal(t, model.CodeSpawnFailure, idle.expect(TypeSessionError)["code"])

	bound.send(TypeKillSession, nil)
	bound.expect(TypeSessionKilled)
}

func TestGateway_MissingAgent(t *testing.T) {
	h := newHarness(t, harnessOptions{lookPath: func(string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}})
	c, connected := h.dial("")
	assert.Equal(t, false, connected["claudeAvailable"])

	c.send(TypeCreateSession, nil)
	assert.Equal(t, model.CodeResourceUnavailable, c.expect(TypeSessionError)["code"])
	assert.Zero(t, h.starter.Count())
}

func TestGateway_MalformedMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c, _ := h.dial("")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, model.CodeInvalidMessage, c.expect(TypeError)["code"])

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	assert.Equal(t, model.CodeInvalidMessage, c.expect(TypeError)["code"])

	c.send(TypeTerminalInput, "not an object")
	assert.Equal(t, model.CodeInvalidMessage, c.expect(TypeError)["code"])

	c.send("launch-missiles", nil)
	frame := c.expect(TypeError)
	assert.Equal(t, model.CodeUnknownMessage, frame["code"])
	assert.Contains(t, frame["message"], "launch-missiles")
}

func TestGateway_Broadcast(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	a, _ := h.dial("")
	b, _ := h.dial("")
	h.waitFor("both registered", func() bool { return h.gw.Len() == 2 })

	require.NoError(t, h.gw.Broadcast(map[string]string{"type": "plan-update", "event": "add", "filename": "a.md"}))
	for _, c := range []*client{a, b} {
		frame := c.expect("plan-update")
		assert.Equal(t, "add", frame["event"])
		assert.Equal(t, "a.md", frame["filename"])
	}
}

func TestGateway_HeartbeatAdvisoryByDefault(t *testing.T) {
	h := newHarness(t, harnessOptions{gateway: Options{HeartbeatInterval: 10 * time.Millisecond}})
	c, _ := h.dial("")
	c.ws.SetPingHandler(func(string) error { return nil })

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = c.ws.WriteJSON(map[string]string{"type": TypeKillSession})
	}()
	c.expect(TypeSessionKilled)
}

func TestGateway_HeartbeatReapsWhenEnabled(t *testing.T) {
	h := newHarness(t, harnessOptions{gateway: Options{HeartbeatInterval: 10 * time.Millisecond, MaxMissed: 2}})
	c, _ := h.dial("")
	c.ws.SetPingHandler(func(string) error { return nil })

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	h.waitFor("unregistered", func() bool { return h.gw.Len() == 0 })
}
