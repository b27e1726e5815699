package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Pastes arrive as one terminal-input.
	maxMessageSize = 64 * 1024

	// Outgoing frames buffered per connection before it is dropped.
	sendBuffer = 256
)

// State is where a connection is in its session lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Attached
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Attached:
		return "attached"
	default:
		return "idle"
	}
}

// conn is one browser connection.
type conn struct {
	id string
	g  *Gateway
	ws *websocket.Conn
	hb *Heartbeat

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	bindMu      sync.Mutex
	state       State
	sessionID   string
	unsubscribe func()
}

func newConn(g *Gateway, id string, ws *websocket.Conn) *conn {
	return &conn{
		id:   id,
		g:    g,
		ws:   ws,
		hb:   NewHeartbeat(g.opts.MaxMissed),
		send: make(chan []byte, sendBuffer),
	}
}

// sendRaw queues an encoded frame. A connection that cannot keep up is closed.
func (c *conn) sendRaw(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn().Str("conn", c.id).Msg("Send buffer full, dropping connection")
		c.closeLocked()
	}
}

// sendFrame encodes and queues v.
func (c *conn) sendFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("conn", c.id).Msg("Failed to marshal frame")
		return
	}
	c.sendRaw(data)
}

func (c *conn) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// binding returns the bound session id and state.
func (c *conn) binding() (string, State) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.sessionID, c.state
}

func (c *conn) setState(s State) {
	c.bindMu.Lock()
	c.state = s
	c.bindMu.Unlock()
}

func (c *conn) bind(id string, unsubscribe func()) {
	c.bindMu.Lock()
	c.sessionID = id
	c.unsubscribe = unsubscribe
	c.state = Attached
	c.bindMu.Unlock()
}

// unbind clears the binding if it refers to id, or any binding when id is
// empty, and returns the id that was bound. Only one caller observes a given
// binding, which keeps session-exit from being sent twice.
func (c *conn) unbind(id string) (string, bool) {
	c.bindMu.Lock()
	if c.sessionID == "" || (id != "" && c.sessionID != id) {
		c.bindMu.Unlock()
		return "", false
	}
	bound, unsubscribe := c.sessionID, c.unsubscribe
	c.sessionID, c.unsubscribe, c.state = "", nil, Idle
	c.bindMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return bound, true
}

// readPump handles client messages in the order they arrive.
func (c *conn) readPump() {
	defer func() {
		c.unbind("")
		c.g.unregister(c)
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.hb.Pong()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Str("conn", c.id).Msg("WebSocket read failed")
			}
			return
		}
		c.g.handle(c, message)
	}
}

// writePump writes queued frames and heartbeat pings to the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.g.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message so the client can parse each independently.
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				queued, ok := <-c.send
				if !ok {
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}

		case <-ticker.C:
			if c.hb.Ping() {
				log.Warn().Str("conn", c.id).Int("missed", c.hb.Missed()).Msg("Peer stopped answering pings, closing")
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"))
				return
			}
			if c.hb.State() == Suspect {
				log.Debug().Str("conn", c.id).Int("missed", c.hb.Missed()).Msg("Peer missed a pong")
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
