package model

import "time"

// SessionStatus represents the lifecycle status of a recorded session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
	SessionStatusKilled  SessionStatus = "killed"
	SessionStatusFailed  SessionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s != SessionStatusRunning
}

// SessionRecord is the persisted history entry of one agent session.
type SessionRecord struct {
	ID            string        `json:"id"`
	PlanPath      string        `json:"planPath,omitempty"`
	Command       string        `json:"command"`
	Transport     string        `json:"transport"`
	Status        SessionStatus `json:"status"`
	PID           *int          `json:"pid,omitempty"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	Signal        string        `json:"signal,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Duration returns how long the session ran, or has been running so far.
func (r *SessionRecord) Duration() time.Duration {
	if r.Status.Terminal() {
		return r.UpdatedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}
