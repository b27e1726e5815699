// Package pty spawns the agent process behind one of two transports: a full
// pseudo-terminal, or plain pipes when the host has no pty support.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/webui/internal/model"
)

// Kind identifies the transport a process runs on.
type Kind string

const (
	KindPTY  Kind = "pty"
	KindPipe Kind = "pipe"
)

// ErrPTYUnavailable is returned when the host cannot allocate a pseudo-terminal.
var ErrPTYUnavailable = errors.New("pseudo-terminal unavailable")

// ExitStatus describes how a process terminated.
// Code is -1 when the process was terminated by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a running agent process. Both transports present the same
// contract; only Resize differs, returning model.ErrResizeUnsupported on pipes.
type Process interface {
	// Read reads merged output. It returns an error once the output is closed.
	io.Reader

	// Write delivers bytes to the process input.
	io.Writer

	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error

	// Terminate asks the process group to stop, escalating to SIGKILL
	// after grace. It does not block.
	Terminate(grace time.Duration) error

	// Wait blocks until the process exits. It may be called more than once.
	Wait() (ExitStatus, error)

	// Close releases the transport file descriptors.
	Close() error

	PID() int
	Kind() Kind
}

// StartOptions contains options for starting a process.
type StartOptions struct {
	Command string
	Args    []string

	// Env is appended to the current process environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	Cols uint16
	Rows uint16

	// ForcePipe skips the pty attempt.
	ForcePipe bool
}

// Start starts the process on a pseudo-terminal, falling back to pipes when
// no pty can be allocated. The fallback is logged and never surfaced as an error.
func Start(opts StartOptions) (Process, error) {
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 30
	}

	if !opts.ForcePipe && Available() {
		p, err := startPTY(opts)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPTYUnavailable) {
			return nil, err
		}
		log.Warn().Err(err).Str("command", opts.Command).Msg("Falling back to pipe transport")
	}
	return startPipe(opts)
}

var (
	availableOnce sync.Once
	available     bool
)

// Available reports whether this host can allocate a pseudo-terminal.
// The probe runs once per process.
func Available() bool {
	availableOnce.Do(func() {
		available = probePTY()
		if !available {
			log.Warn().Msg("Pseudo-terminal support unavailable, sessions will use pipes")
		}
	})
	return available
}

// Mode returns the transport new sessions will use.
func Mode(forcePipe bool) Kind {
	if forcePipe || !Available() {
		return KindPipe
	}
	return KindPTY
}

func command(opts StartOptions, kind Kind) *exec.Cmd {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color", "COLORTERM=truecolor")
	if kind == KindPipe {
		cmd.Env = append(cmd.Env, "FORCE_COLOR=1")
	}
	return cmd
}

func spawnError(cmd *exec.Cmd, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrSpawnFailed, cmd.Path, err)
}

// child owns the exec.Cmd and reaps it exactly once.
type child struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
	err    error
}

func newChild(cmd *exec.Cmd) *child {
	c := &child{cmd: cmd, done: make(chan struct{})}
	go c.reap()
	return c
}

func (c *child) reap() {
	err := c.cmd.Wait()
	c.status = exitStatus(c.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		c.err = err
	}
	close(c.done)
}

func (c *child) Wait() (ExitStatus, error) {
	<-c.done
	return c.status, c.err
}

func (c *child) PID() int {
	return c.cmd.Process.Pid
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *child) Terminate(grace time.Duration) error {
	if c.exited() {
		return nil
	}
	if err := signalGroup(c.cmd.Process, terminateSignal); err != nil {
		return c.cmd.Process.Kill()
	}
	go func() {
		select {
		case <-c.done:
		case <-time.After(grace):
			if err := signalGroup(c.cmd.Process, killSignal); err != nil {
				_ = c.cmd.Process.Kill()
			}
		}
	}()
	return nil
}
