package ws

import "sync"

// HeartbeatState is the liveness of a peer as seen by its pings.
type HeartbeatState int

const (
	// Alive means the last ping was answered.
	Alive HeartbeatState = iota
	// Suspect means at least one ping went unanswered.
	Suspect
)

func (s HeartbeatState) String() string {
	if s == Suspect {
		return "suspect"
	}
	return "alive"
}

// Heartbeat tracks ping/pong exchanges for one connection.
//
// With maxMissed == 0 a missing pong is only recorded. Otherwise Ping asks
// for the peer to be reaped after maxMissed consecutive unanswered pings.
type Heartbeat struct {
	mu        sync.Mutex
	maxMissed int
	awaiting  bool
	missed    int
}

// NewHeartbeat returns a heartbeat in the Alive state.
func NewHeartbeat(maxMissed int) *Heartbeat {
	return &Heartbeat{maxMissed: maxMissed}
}

// Ping records that a ping is about to be sent and reports whether the peer
// should be reaped instead.
func (h *Heartbeat) Ping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.awaiting {
		h.missed++
	}
	h.awaiting = true
	return h.maxMissed > 0 && h.missed >= h.maxMissed
}

// Pong records an answer from the peer.
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.awaiting = false
	h.missed = 0
}

// State returns the current liveness.
func (h *Heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missed > 0 {
		return Suspect
	}
	return Alive
}

// Missed returns the number of consecutive unanswered pings.
func (h *Heartbeat) Missed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}
