//go:build !windows

package pty

import (
	"fmt"
	"os"
	"syscall"

	"github.com/creack/pty"
)

// ptyProcess runs the agent with its stdio attached to a pty slave.
type ptyProcess struct {
	*child
	master *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Close() error {
	return p.master.Close()
}

func (p *ptyProcess) Kind() Kind {
	return KindPTY
}

func startPTY(opts StartOptions) (Process, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPTYUnavailable, err)
	}

	if err := pty.Setsize(master, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("%w: set window size: %v", ErrPTYUnavailable, err)
	}

	cmd := command(opts, KindPTY)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	// New session with the slave as controlling terminal; the child's pid is
	// also its process group id.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, spawnError(cmd, err)
	}
	slave.Close()

	return &ptyProcess{child: newChild(cmd), master: master}, nil
}

func probePTY() bool {
	master, slave, err := pty.Open()
	if err != nil {
		return false
	}
	slave.Close()
	master.Close()
	return true
}
