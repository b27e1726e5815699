// Package ws is the browser-facing gateway for agent sessions.
//
// Each WebSocket connection is bound to at most one session at a time:
//   - create-session replaces the connection's session with a new one
//   - a sessionId query parameter reattaches to a running session without respawning it
//   - terminal-input and resize go to the bound session, or are answered with an error
//   - kill-session ends the bound session and clears the binding
//
// Process output is forwarded as terminal-data frames with escape sequences
// intact. Closing a connection keeps its session running so a reload can
// reattach. Registry errors that happen before a session exists are sent to
// every connection that has no bound session.
//
// Connections are pinged periodically. By default a missing pong only marks
// the peer Suspect; Options.MaxMissed turns that into a close.
package ws
