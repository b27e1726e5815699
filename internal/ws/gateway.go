package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/pty"
	"github.com/remote-agent-terminal/webui/internal/session"
)

// DefaultHeartbeatInterval is how often connections are pinged.
const DefaultHeartbeatInterval = 30 * time.Second

// Sessions is the part of the session registry the gateway drives.
type Sessions interface {
	Create(opts session.CreateOptions) (*session.Session, error)
	Get(id string) (*session.Session, bool)
	Attach(id string, fn session.DataFunc, replay bool) (func(), error)
	Write(id string, data []byte) bool
	Resize(id string, cols, rows uint16) error
	Kill(id string) bool
	Listen(l session.Listener) func()
	TerminalMode() pty.Kind
	AgentAvailable() bool
}

// Options configures a Gateway.
type Options struct {
	HeartbeatInterval time.Duration
	// MaxMissed > 0 closes connections after that many unanswered pings.
	MaxMissed int
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway binds browser connections to agent sessions.
type Gateway struct {
	sessions Sessions
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}

	stopListen func()
}

// New returns a gateway driving sessions.
func New(sessions Sessions, opts Options) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	g := &Gateway{
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*conn]struct{}),
	}
	g.stopListen = sessions.Listen(g.onEvent)
	return g
}

// ServeHTTP upgrades the request and runs the connection. A sessionId query
// parameter asks to reattach to a running session instead of creating one.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(g, uuid.NewString(), ws)
	g.register(c)
	log.Debug().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("Connection opened")

	go c.writePump()

	c.sendFrame(Connected{
		Type:            TypeConnected,
		TerminalMode:    g.sessions.TerminalMode(),
		ClaudeAvailable: g.sessions.AgentAvailable(),
	})
	if id := r.URL.Query().Get("sessionId"); id != "" {
		g.attach(c, id)
	}

	c.readPump()
	log.Debug().Str("conn", c.id).Msg("Connection closed")
}

func (g *Gateway) register(c *conn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

func (g *Gateway) snapshot() []*conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Broadcast sends v, encoded as-is, to every connection.
func (g *Gateway) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for _, c := range g.snapshot() {
		c.sendRaw(data)
	}
	return nil
}

// Close stops listening to the registry and closes every connection.
// Sessions keep running.
func (g *Gateway) Close() {
	g.stopListen()
	for _, c := range g.snapshot() {
		c.close()
	}
}

func (g *Gateway) handle(c *conn, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		log.Debug().Err(err).Str("conn", c.id).Msg("Rejected client message")
		c.sendFrame(newError("Invalid message", err))
		return
	}

	switch env.Type {
	case TypeCreateSession:
		var p CreateSessionPayload
		if err := env.decodePayload(&p); err != nil {
			c.sendFrame(newError("Invalid message", err))
			return
		}
		g.create(c, p.PlanPath)

	case TypeTerminalInput:
		var p TerminalInputPayload
		if err := env.decodePayload(&p); err != nil {
			c.sendFrame(newError("Invalid message", err))
			return
		}
		g.input(c, p.Data)

	case TypeResize:
		var p ResizePayload
		if err := env.decodePayload(&p); err != nil {
			c.sendFrame(newError("Invalid message", err))
			return
		}
		g.resize(c, p.Cols, p.Rows)

	case TypeKillSession:
		g.kill(c)

	default:
		log.Debug().Str("conn", c.id).Str("type", env.Type).Msg("Unknown message type")
		c.sendFrame(newError("Unknown message type: "+env.Type, model.ErrUnknownMessage))
	}
}

// create replaces the connection's session with a new one. Failures reach
// the client as session-error through the registry's error event.
func (g *Gateway) create(c *conn, planPath string) {
	if id, ok := c.unbind(""); ok {
		g.sessions.Kill(id)
	}

	c.setState(Starting)
	s, err := g.sessions.Create(session.CreateOptions{PlanPath: planPath})
	if err != nil {
		c.setState(Idle)
		return
	}

	c.sendFrame(SessionCreated{Type: TypeSessionCreated, SessionID: s.ID, PlanPath: s.PlanPath})
	g.bind(c, s)
}

// attach reattaches the connection to a running session without spawning.
func (g *Gateway) attach(c *conn, id string) {
	s, ok := g.sessions.Get(id)
	if !ok || !s.Active() {
		c.sendFrame(newError("Session not found or inactive", model.ErrSessionNotFound))
		return
	}
	c.sendFrame(SessionAttached{Type: TypeSessionAttached, SessionID: id})
	g.bind(c, s)
	log.Info().Str("conn", c.id).Str("session_id", id).Msg("Connection reattached")
}

// bind subscribes the connection to s, replaying recent output first.
func (g *Gateway) bind(c *conn, s *session.Session) {
	unsubscribe, err := g.sessions.Attach(s.ID, func(data []byte) {
		c.sendFrame(TerminalData{Type: TypeTerminalData, Data: string(data)})
	}, true)
	if err != nil {
		c.setState(Idle)
		if st, exited := s.Exited(); exited {
			c.sendFrame(newSessionExit(st))
		}
		return
	}
	c.bind(s.ID, unsubscribe)

	// The exit event may have fired before the binding existed.
	if st, exited := s.Exited(); exited {
		if _, ok := c.unbind(s.ID); ok {
			c.sendFrame(newSessionExit(st))
		}
	}
}

func (g *Gateway) input(c *conn, data string) {
	id, _ := c.binding()
	if id == "" {
		c.sendFrame(newError("No active session", model.ErrNoSession))
		return
	}
	if !g.sessions.Write(id, []byte(data)) {
		log.Debug().Str("conn", c.id).Str("session_id", id).Msg("Input dropped by inactive session")
	}
}

func (g *Gateway) resize(c *conn, cols, rows uint16) {
	id, _ := c.binding()
	if id == "" {
		c.sendFrame(newError("No active session", model.ErrNoSession))
		return
	}
	if cols == 0 || rows == 0 {
		return
	}
	if err := g.sessions.Resize(id, cols, rows); err != nil {
		if errors.Is(err, model.ErrResizeUnsupported) {
			log.Debug().Str("session_id", id).Msg("Resize ignored by pipe transport")
			return
		}
		log.Debug().Err(err).Str("session_id", id).Msg("Resize failed")
	}
}

// kill ends the connection's session. It is acknowledged even when nothing
// was bound.
func (g *Gateway) kill(c *conn) {
	if id, ok := c.unbind(""); ok {
		g.sessions.Kill(id)
	}
	c.sendFrame(SessionKilled{Type: TypeSessionKilled})
}

// onEvent routes registry events. Errors without a session go to every
// connection that is not bound to a session.
func (g *Gateway) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventExit:
		for _, c := range g.snapshot() {
			if _, ok := c.unbind(ev.SessionID); ok {
				c.sendFrame(newSessionExit(ev.Exit))
			}
		}

	case session.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("session error")
		}
		frame := newSessionError(err)
		for _, c := range g.snapshot() {
			id, _ := c.binding()
			if (ev.SessionID == "" && id == "") || (ev.SessionID != "" && id == ev.SessionID) {
				c.sendFrame(frame)
			}
		}
	}
}
