// Package ptytest provides an in-memory pty.Process for tests.
package ptytest

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/webui/internal/model"
	"github.com/remote-agent-terminal/webui/internal/pty"
)

// Process is a scripted pty.Process. Output written with Emit is returned by
// Read; Exit ends the process.
type Process struct {
	kind pty.Kind
	pid  int

	out *io.PipeReader
	w   *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	size     [2]uint16
	status   pty.ExitStatus
	exitOnce sync.Once
	done     chan struct{}

	terminated atomic.Int32
}

var nextPID atomic.Int32

// NewProcess returns a running fake process on the given transport.
func NewProcess(kind pty.Kind) *Process {
	r, w := io.Pipe()
	return &Process{
		kind: kind,
		pid:  int(nextPID.Add(1)) + 1000,
		out:  r,
		w:    w,
		done: make(chan struct{}),
	}
}

// Emit makes data available to Read. It blocks until the data is consumed.
func (p *Process) Emit(data string) {
	_, _ = p.w.Write([]byte(data))
}

// Exit terminates the process with the given status.
func (p *Process) Exit(status pty.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		p.w.Close()
		close(p.done)
	})
}

// Input returns everything written to the process so far.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the last window size set by Resize.
func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size[0], p.size[1]
}

// Terminated reports how many times Terminate was called.
func (p *Process) Terminated() int {
	return int(p.terminated.Load())
}

func (p *Process) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *Process) Resize(cols, rows uint16) error {
	if p.kind == pty.KindPipe {
		return model.ErrResizeUnsupported
	}
	p.mu.Lock()
	p.size = [2]uint16{cols, rows}
	p.mu.Unlock()
	return nil
}

// Terminate exits the fake with SIGTERM.
func (p *Process) Terminate(time.Duration) error {
	p.terminated.Add(1)
	p.Exit(pty.ExitStatus{Code: -1, Signal: "SIGTERM"})
	return nil
}

func (p *Process) Wait() (pty.ExitStatus, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *Process) Close() error {
	return p.out.Close()
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Kind() pty.Kind { return p.kind }

// Starter records every process it starts. Its Start method matches pty.Start.
type Starter struct {
	Kind pty.Kind
	Err  error

	mu      sync.Mutex
	procs   []*Process
	options []pty.StartOptions
	started chan *Process
}

// NewStarter returns a Starter producing fakes on the given transport.
func NewStarter(kind pty.Kind) *Starter {
	return &Starter{Kind: kind, started: make(chan *Process, 64)}
}

func (s *Starter) Start(opts pty.StartOptions) (pty.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = append(s.options, opts)
	if s.Err != nil {
		return nil, s.Err
	}
	p := NewProcess(s.Kind)
	s.procs = append(s.procs, p)
	select {
	case s.started <- p:
	default:
	}
	return p, nil
}

// SetErr makes later Start calls fail with err, or succeed again when err is nil.
func (s *Starter) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Count returns the number of processes started.
func (s *Starter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recently started process, or nil.
func (s *Starter) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Options returns the options of the i-th start call.
func (s *Starter) Options(i int) pty.StartOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[i]
}

// Started delivers processes as they are started.
func (s *Starter) Started() <-chan *Process {
	return s.started
}
