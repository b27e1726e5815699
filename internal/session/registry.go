// Package session owns the agent processes: it creates, looks up, and kills
// sessions, and fans each session's output out to any number of subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/logger"
	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/pty"
)

const (
	// DefaultHistoryBytes is the per-session output kept for reattach (64KB).
	DefaultHistoryBytes = 64 * 1024

	// DefaultKillGrace is how long a killed process gets before SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// DefaultDrainTimeout bounds how long output is drained after exit, in
	// case a grandchild still holds the output open.
	DefaultDrainTimeout = 2 * time.Second
)

// History persists session lifecycle records.
type History interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int, signal string) error
}

// Options configures a Registry.
type Options struct {
	// Command is the agent binary, resolved on PATH once.
	Command string
	Args    []string
	Env     []string
	Dir     string

	Cols      uint16
	Rows      uint16
	ForcePipe bool

	HistoryBytes int
	KillGrace    time.Duration
	DrainTimeout time.Duration

	// RecordDir, if set, receives an asciicast recording per session.
	RecordDir string

	// History, if set, receives lifecycle records.
	History History

	// Start spawns processes. Defaults to pty.Start.
	Start func(pty.StartOptions) (pty.Process, error)

	// Mode overrides the reported transport. Set it together with Start.
	Mode pty.Kind

	// LookPath resolves Command. Defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// CreateOptions are the per-session parameters of Create.
type CreateOptions struct {
	PlanPath string
}

// Registry owns all sessions of the server. The zero value is not usable;
// construct one with New and drain it with KillAll on shutdown.
type Registry struct {
	opts Options

	lookOnce  sync.Once
	agentPath string
	lookErr   error

	counter atomic.Int64
	spawned atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Session

	lmu          sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	wg sync.WaitGroup
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.HistoryBytes <= 0 {
		opts.HistoryBytes = DefaultHistoryBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Start == nil {
		opts.Start = pty.Start
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 30
	}
	return &Registry{
		opts:      opts,
		sessions:  make(map[string]*Session),
		listeners: make(map[int]Listener),
	}
}

// AgentAvailable reports whether the agent binary resolves on PATH.
// The lookup happens once; the answer is cached for the registry's lifetime.
func (r *Registry) AgentAvailable() bool {
	_, err := r.resolveAgent()
	return err == nil
}

func (r *Registry) resolveAgent() (string, error) {
	r.lookOnce.Do(func() {
		r.agentPath, r.lookErr = r.opts.LookPath(r.opts.Command)
		if r.lookErr != nil {
			r.lookErr = fmt.Errorf("%w: %s", model.ErrAgentNotFound, r.opts.Command)
			log.Warn().Str("command", r.opts.Command).Msg("Agent command not found on PATH")
		}
	})
	return r.agentPath, r.lookErr
}

// TerminalMode returns the transport new sessions run on.
func (r *Registry) TerminalMode() pty.Kind {
	if r.opts.Mode != "" {
		return r.opts.Mode
	}
	return pty.Mode(r.opts.ForcePipe)
}

// Create spawns a new agent session. Failures are returned and also raised
// as an EventError without a session id.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	path, err := r.resolveAgent()
	if err != nil {
		r.emit(Event{Kind: EventError, PlanPath: opts.PlanPath, Err: err})
		return nil, err
	}

	args := slices.Clone(r.opts.Args)
	if opts.PlanPath != "" {
		args = append(args, "--plan", opts.PlanPath)
	}

	now := time.Now()
	id := fmt.Sprintf("session-%d-%d", r.counter.Add(1), now.UnixMilli())

	proc, err := r.opts.Start(pty.StartOptions{
		Command:   path,
		Args:      args,
		Env:       r.opts.Env,
		Dir:       r.opts.Dir,
		Cols:      r.opts.Cols,
		Rows:      r.opts.Rows,
		ForcePipe: r.opts.ForcePipe,
	})
	if err != nil {
		if !errors.Is(err, model.ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
		}
		log.Error().Err(err).Str("command", path).Msg("Failed to spawn agent")
		r.emit(Event{Kind: EventError, PlanPath: opts.PlanPath, Err: err})
		return nil, err
	}
	r.spawned.Add(1)

	s := newSession(id, opts.PlanPath, proc, r.opts.HistoryBytes, now)
	r.startRecording(s)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.persistStart(s, path, args)

	// Output read before a listener attaches is kept in history and
	// replayed. The wait loop starts only after EventCreated so EventExit
	// can never overtake it.
	r.wg.Add(1)
	go s.readLoop()

	log.Info().Str("session_id", id).Str("transport", string(proc.Kind())).Int("pid", proc.PID()).
		Str("plan", opts.PlanPath).Msg("Session started")
	r.emit(Event{Kind: EventCreated, SessionID: id, PlanPath: opts.PlanPath})

	go r.waitLoop(s)
	return s, nil
}

func (r *Registry) startRecording(s *Session) {
	if r.opts.RecordDir == "" {
		return
	}
	path := filepath.Join(r.opts.RecordDir, s.ID+".cast")
	rec, err := logger.CreateRecorder(path, logger.CastHeader{
		Width:  int(r.opts.Cols),
		Height: int(r.opts.Rows),
		Title:  s.PlanPath,
		Env:    map[string]string{"TERM": "xterm-256color"},
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Session recording disabled")
		return
	}
	s.recorder = rec
	s.recordingPath = path
	s.subscribe(func(data []byte) { _ = rec.Output(data) }, false)
}

// waitLoop waits for the process to exit, drains its output, and raises
// EventExit exactly once.
func (r *Registry) waitLoop(s *Session) {
	defer r.wg.Done()

	status, err := s.proc.Wait()
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Wait on agent process failed")
	}

	select {
	case <-s.readDone:
	case <-time.After(r.opts.DrainTimeout):
	}
	s.proc.Close()
	select {
	case <-s.readDone:
	case <-time.After(r.opts.DrainTimeout):
		log.Warn().Str("session_id", s.ID).Msg("Output reader did not stop after close")
	}

	killed := s.markExited(status)
	if s.recorder != nil {
		if cerr := s.recorder.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("session_id", s.ID).Msg("Failed to close recording")
		}
	}

	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	recStatus := model.SessionStatusExited
	switch {
	case killed:
		recStatus = model.SessionStatusKilled
	case err != nil:
		recStatus = model.SessionStatusFailed
	}
	r.persistExit(s, recStatus, status)
	close(s.done)

	log.Info().Str("session_id", s.ID).Int("exit_code", status.Code).Str("signal", status.Signal).Msg("Session exited")
	r.emit(Event{Kind: EventExit, SessionID: s.ID, PlanPath: s.PlanPath, Exit: status})
}

// Get returns a registered session. Killed sessions stay registered until
// their process exits.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) active(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok || !s.Active() {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return s, nil
}

// Write delivers data to the session's input. It reports false, and never
// fails, when the session is missing, inactive, or the write fails.
func (r *Registry) Write(id string, data []byte) bool {
	s, err := r.active(id)
	if err != nil {
		return false
	}
	if _, err := s.proc.Write(data); err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("Write to agent failed")
		return false
	}
	if s.recorder != nil {
		_ = s.recorder.Input(data)
	}
	return true
}

// Resize changes the window size of a pty session. Pipe sessions return
// model.ErrResizeUnsupported.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: window size %dx%d", model.ErrInvalidMessage, cols, rows)
	}
	s, err := r.active(id)
	if err != nil {
		return err
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return err
	}
	if s.recorder != nil {
		_ = s.recorder.Resize(cols, rows)
	}
	return nil
}

// OnData subscribes fn to the session's live output.
func (r *Registry) OnData(id string, fn DataFunc) (func(), error) {
	return r.Attach(id, fn, false)
}

// Attach subscribes fn to an active session. With replay, fn first receives
// the buffered recent output. The returned function unsubscribes; it may be
// called from within fn, after which fn is never invoked again.
func (r *Registry) Attach(id string, fn DataFunc, replay bool) (func(), error) {
	s, err := r.active(id)
	if err != nil {
		return nil, err
	}
	return s.subscribe(fn, replay), nil
}

// Kill marks the session inactive and asks its process to stop. Killing a
// missing or inactive session is a no-op reporting false.
func (r *Registry) Kill(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return r.kill(s)
}

func (r *Registry) kill(s *Session) bool {
	if !s.markKilled() {
		return false
	}
	if err := s.proc.Terminate(r.opts.KillGrace); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to signal agent process")
	}
	log.Info().Str("session_id", s.ID).Msg("Session killed")
	r.emit(Event{Kind: EventKilled, SessionID: s.ID, PlanPath: s.PlanPath})
	return true
}

// KillAll kills every session and empties the registry.
func (r *Registry) KillAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.kill(s)
	}
}

// Drain waits until every spawned process has exited or ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Active returns the active sessions, oldest first.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Active() {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SpawnCount returns how many processes the registry has started.
func (r *Registry) SpawnCount() int64 {
	return r.spawned.Load()
}

// Listen registers l for lifecycle events and returns a function removing it.
func (r *Registry) Listen(l Listener) func() {
	r.lmu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	r.lmu.Unlock()

	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Registry) emit(ev Event) {
	r.lmu.RLock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.lmu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Str("event", ev.Kind.String()).Interface("panic", rec).Msg("Registry listener panicked")
				}
			}()
			l(ev)
		}()
	}
}

func (r *Registry) persistStart(s *Session, path string, args []string) {
	if r.opts.History == nil {
		return
	}
	pid := s.PID()
	rec := &model.SessionRecord{
		ID:            s.ID,
		PlanPath:      s.PlanPath,
		Command:       strings.Join(append([]string{path}, args...), " "),
		Transport:     string(s.Kind()),
		Status:        model.SessionStatusRunning,
		PID:           &pid,
		RecordingPath: s.recordingPath,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.opts.History.Create(ctx, rec); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to record session start")
	}
}

func (r *Registry) persistExit(s *Session, status model.SessionStatus, exit pty.ExitStatus) {
	if r.opts.History == nil {
		return
	}
	var code *int
	if exit.Signal == "" {
		c := exit.Code
		code = &c
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.opts.History.UpdateStatus(ctx, s.ID, status, code, exit.Signal); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to record session exit")
	}
}
