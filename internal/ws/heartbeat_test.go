package ws

import "testing"

func TestHeartbeat(t *testing.T) {
	tests := []struct {
		name      string
		maxMissed int
		steps     string // p = ping, o = pong
		wantReap  bool
		wantState HeartbeatState
		wantMiss  int
	}{
		{"fresh", 0, "", false, Alive, 0},
		{"first ping is not a miss", 0, "p", false, Alive, 0},
		{"advisory never reaps", 0, "ppppp", false, Suspect, 4},
		{"pong recovers", 0, "pppo", false, Alive, 0},
		{"reap after max", 2, "ppp", true, Suspect, 2},
		{"below max", 2, "pp", false, Suspect, 1},
		{"pong resets count", 2, "ppopp", false, Suspect, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeartbeat(tt.maxMissed)
			reap := false
			for _, s := range tt.steps {
				if s == 'p' {
					reap = h.Ping()
				} else {
					h.Pong()
					reap = false
				}
			}
			if reap != tt.wantReap {
				t.Errorf("reap = %v, want %v", reap, tt.wantReap)
			}
			if got := h.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
			if got := h.Missed(); got != tt.wantMiss {
				t.Errorf("missed = %d, want %d", got, tt.wantMiss)
			}
		})
	}
}
