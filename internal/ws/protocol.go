package ws

import (
	"encoding/json"
	"fmt"

	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/pty"
)

// Client to server message types.
const (
	TypeCreateSession = "create-session"
	TypeTerminalInput = "terminal-input"
	TypeResize        = "resize"
	TypeKillSession   = "kill-session"
)

// Server to client message types.
const (
	TypeConnected       = "connected"
	TypeSessionCreated  = "session-created"
	TypeSessionAttached = "session-attached"
	TypeTerminalData    = "terminal-data"
	TypeSessionExit     = "session-exit"
	TypeSessionKilled   = "session-killed"
	TypeSessionError    = "session-error"
	TypeError           = "error"
)

// Envelope is a client message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateSessionPayload is the payload of create-session.
type CreateSessionPayload struct {
	PlanPath string `json:"planPath,omitempty"`
}

// TerminalInputPayload is the payload of terminal-input.
type TerminalInputPayload struct {
	Data string `json:"data"`
}

// ResizePayload is the payload of resize.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// decodeEnvelope parses a client frame.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", model.ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", model.ErrInvalidMessage)
	}
	return env, nil
}

// decodePayload unmarshals the envelope payload into v. A missing payload
// leaves v untouched.
func (e Envelope) decodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", model.ErrInvalidMessage, e.Type, err)
	}
	return nil
}

// Connected is sent once when a connection opens.
type Connected struct {
	Type            string   `json:"type"`
	TerminalMode    pty.Kind `json:"terminalMode"`
	ClaudeAvailable bool     `json:"claudeAvailable"`
}

// SessionCreated is sent after create-session succeeds.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PlanPath  string `json:"planPath,omitempty"`
}

// SessionAttached is sent when a connection reattaches to a running session.
type SessionAttached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// TerminalData carries raw process output, escape sequences included.
type TerminalData struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SessionExit is sent once when the bound session's process ends.
type SessionExit struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// SessionKilled acknowledges kill-session.
type SessionKilled struct {
	Type string `json:"type"`
}

// SessionError reports a registry failure.
type SessionError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error reports a protocol misuse by this connection.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func newSessionExit(st pty.ExitStatus) SessionExit {
	return SessionExit{Type: TypeSessionExit, ExitCode: st.Code, Signal: st.Signal}
}

func newSessionError(err error) SessionError {
	return SessionError{Type: TypeSessionError, Error: err.Error(), Code: model.CodeOf(err)}
}

func newError(message string, err error) Error {
	return Error{Type: TypeError, Message: message, Code: model.CodeOf(err)}
}
