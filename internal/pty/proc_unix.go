//go:build !windows

package pty

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	terminateSignal = unix.SIGTERM
	killSignal      = unix.SIGKILL
)

// signalGroup delivers sig to the process group led by p, reaching any
// helpers the agent spawned.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if err := unix.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}

func pipeProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func exitStatus(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(unix.Signal(ws.Signal()))}
	}
	return ExitStatus{Code: state.ExitCode()}
}
