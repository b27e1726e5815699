package model

import "errors"

var (
	// ErrAgentNotFound is returned when the wrapped CLI binary cannot be resolved on PATH.
	ErrAgentNotFound = errors.New("agent command not found on PATH")

	// ErrSpawnFailed is returned when the OS refuses to create the agent process.
	ErrSpawnFailed = errors.New("failed to spawn agent process")

	// ErrSessionNotFound is returned when a session is not found or no longer active.
	ErrSessionNotFound = errors.New("session not found")

	// ErrResizeUnsupported is returned by transports that have no window size.
	ErrResizeUnsupported = errors.New("resize not supported by transport")

	// ErrNoSession is returned when a connection issues a session command while unbound.
	ErrNoSession = errors.New("no active session")

	// ErrInvalidMessage is returned for frames that are not a valid envelope.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessage is returned for envelopes with an unrecognised type.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Stable machine-readable error codes sent to clients.
const (
	CodeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	CodeSpawnFailure        = "SPAWN_FAILURE"
	CodeNoSession           = "NO_SESSION"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeResizeUnsupported   = "RESIZE_UNSUPPORTED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnknownMessage      = "UNKNOWN_MESSAGE"
	CodeInternal            = "INTERNAL_ERROR"
)

// CodeOf maps an error to its stable client code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAgentNotFound):
		return CodeResourceUnavailable
	case errors.Is(err, ErrSpawnFailed):
		return CodeSpawnFailure
	case errors.Is(err, ErrNoSession):
		return CodeNoSession
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrResizeUnsupported):
		return CodeResizeUnsupported
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrUnknownMessage):
		return CodeUnknownMessage
	default:
		return CodeInternal
	}
}
