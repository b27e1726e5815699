package session

import "github.com/remote-agent-terminal/webui/internal/pty"

// EventKind enumerates registry lifecycle notifications.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventExit
	EventKilled
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventExit:
		return "exit"
	case EventKilled:
		return "killed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a registry lifecycle notification.
//
// An EventError with an empty SessionID was raised before any session existed,
// for example when the agent binary is missing.
type Event struct {
	Kind      EventKind
	SessionID string
	PlanPath  string
	Exit      pty.ExitStatus
	Err       error
}

// Listener receives registry events. Listeners run synchronously on the
// goroutine that raised the event and must not block.
type Listener func(Event)
