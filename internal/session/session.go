package session

import (
	"bytes"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/buffer"
	"github.com/remote-agent-terminal/webui/internal/logger"
	"github.com/remote-agent-terminal/webui/internal/pty"
)

// readBufferSize is the buffer size for reading process output.
const readBufferSize = 4096

// DataFunc receives a chunk of process output. The slice is shared between
// subscribers and must not be modified.
type DataFunc func(data []byte)

type subscriber struct {
	fn      DataFunc
	removed atomic.Bool
}

// Session is one supervised agent process.
type Session struct {
	ID        string
	PlanPath  string
	CreatedAt time.Time

	proc          pty.Process
	history       *buffer.RingBuffer
	recorder      *logger.Recorder
	recordingPath string

	mu     sync.Mutex
	active bool
	killed bool
	exited bool
	exit   pty.ExitStatus

	// deliverMu serialises output delivery and history replay so every
	// subscriber sees chunks in the order the process produced them.
	deliverMu sync.Mutex
	subsMu    sync.Mutex
	subs      []*subscriber

	readDone chan struct{}
	done     chan struct{}
}

func newSession(id, planPath string, proc pty.Process, historyBytes int, now time.Time) *Session {
	return &Session{
		ID:        id,
		PlanPath:  planPath,
		CreatedAt: now,
		proc:      proc,
		history:   buffer.NewRingBuffer(historyBytes),
		active:    true,
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Kind returns the transport the session runs on.
func (s *Session) Kind() pty.Kind { return s.proc.Kind() }

// PID returns the agent process id.
func (s *Session) PID() int { return s.proc.PID() }

// RecordingPath returns the asciicast file of the session, if recorded.
func (s *Session) RecordingPath() string { return s.recordingPath }

// Active reports whether the session accepts input. It turns false as soon
// as the session is killed, before the process has actually exited.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Exited returns the exit status once the process has terminated.
func (s *Session) Exited() (pty.ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.exited
}

// Done is closed when the process has exited and its output is drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns the most recent output of the session, starting on a
// rune boundary.
func (s *Session) History() []byte { return trimPartialHead(s.history.Snapshot()) }

// Info is a point-in-time description of a session.
type Info struct {
	ID        string    `json:"id"`
	PlanPath  string    `json:"planPath,omitempty"`
	Transport pty.Kind  `json:"transport"`
	PID       int       `json:"pid"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		PlanPath:  s.PlanPath,
		Transport: s.Kind(),
		PID:       s.PID(),
		Active:    s.Active(),
		CreatedAt: s.CreatedAt,
	}
}

// subscribe registers fn for future output. With replay, the buffered
// history is handed to fn first, atomically with the registration, so no
// chunk is lost or duplicated between the two.
func (s *Session) subscribe(fn DataFunc, replay bool) func() {
	sub := &subscriber{fn: fn}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	if replay {
		if hist := trimPartialHead(s.history.Snapshot()); len(hist) > 0 {
			s.call(sub, hist)
		}
	}

	return func() { s.unsubscribe(sub) }
}

// unsubscribe never takes deliverMu, so it is safe from inside a DataFunc.
func (s *Session) unsubscribe(sub *subscriber) {
	if sub.removed.Swap(true) {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = slices.DeleteFunc(s.subs, func(x *subscriber) bool { return x == sub })
}

func (s *Session) subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

func (s *Session) deliver(chunk []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.history.Write(chunk)

	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		s.call(sub, chunk)
	}
}

func (s *Session) call(sub *subscriber, chunk []byte) {
	if sub.removed.Load() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("session_id", s.ID).Interface("panic", rec).Msg("Output subscriber panicked")
		}
	}()
	sub.fn(chunk)
}

// readLoop reads process output and fans it out until the transport closes.
func (s *Session) readLoop() {
	defer close(s.readDone)

	// A rune split across two reads is held back and completed by the next
	// read, so no delivered chunk ends mid-character.
	var carry []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(append(chunk, carry...), buf[:n]...)
			cut := len(chunk) - partialTail(chunk)
			carry = bytes.Clone(chunk[cut:])
			if cut > 0 {
				s.deliver(chunk[:cut])
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.deliver(carry)
			}
			return
		}
	}
}

// markKilled deactivates the session. It reports false if it was already inactive.
func (s *Session) markKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	s.killed = true
	return true
}

// markExited records the exit status and reports whether the session had been killed.
func (s *Session) markExited(status pty.ExitStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.exited = true
	s.exit = status
	return s.killed
}
