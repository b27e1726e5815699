package parser

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/session"
)

// Transcript is a Parser that is safe for concurrent use.
type Transcript struct {
	mu     sync.Mutex
	p      *Parser
	closed bool
}

// NewTranscript returns an empty transcript.
func NewTranscript(opts ...Option) *Transcript {
	return &Transcript{p: New(opts...)}
}

// Write feeds output to the transcript. Output after Close is ignored.
func (t *Transcript) Write(chunk []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.p.Feed(chunk)
	}
	return len(chunk), nil
}

// Close flushes the parser. The transcript stays readable.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.p.FlushBuffer()
		t.closed = true
	}
	return nil
}

// Messages returns the conversation so far.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Messages()
}

// Streaming reports whether a message is still being built.
func (t *Transcript) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Streaming()
}

// DefaultKeepFinished is how many transcripts of exited sessions a
// Transcripts keeps.
const DefaultKeepFinished = 32

// Source is the part of the session registry a Transcripts follows.
type Source interface {
	Listen(l session.Listener) func()
	Attach(id string, fn session.DataFunc, replay bool) (func(), error)
}

// Transcripts keeps a parsed transcript for every session of a registry.
type Transcripts struct {
	src  Source
	keep int
	opts []Option

	mu       sync.Mutex
	byID     map[string]*Transcript
	finished []string
	stop     func()
}

// Follow starts building transcripts for sessions created on src from now
// on. keep bounds the retained transcripts of exited sessions.
func Follow(src Source, keep int, opts ...Option) *Transcripts {
	if keep <= 0 {
		keep = DefaultKeepFinished
	}
	ts := &Transcripts{
		src:  src,
		keep: keep,
		opts: opts,
		byID: make(map[string]*Transcript),
	}
	ts.stop = src.Listen(ts.onEvent)
	return ts
}

func (ts *Transcripts) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventCreated:
		t := NewTranscript(ts.opts...)
		// Replay covers output produced before this event was raised.
		if _, err := ts.src.Attach(ev.SessionID, func(b []byte) { _, _ = t.Write(b) }, true); err != nil {
			log.Debug().Err(err).Str("session_id", ev.SessionID).Msg("Transcript not attached")
		}
		ts.mu.Lock()
		ts.byID[ev.SessionID] = t
		ts.mu.Unlock()

	case session.EventExit:
		ts.mu.Lock()
		t, ok := ts.byID[ev.SessionID]
		if ok {
			ts.finished = append(ts.finished, ev.SessionID)
			for len(ts.finished) > ts.keep {
				delete(ts.byID, ts.finished[0])
				ts.finished = ts.finished[1:]
			}
		}
		ts.mu.Unlock()
		if ok {
			_ = t.Close()
		}
	}
}

// Get returns the transcript of a session.
func (ts *Transcripts) Get(id string) (*Transcript, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.byID[id]
	return t, ok
}

// Stop detaches from the registry's events.
func (ts *Transcripts) Stop() {
	ts.stop()
}
