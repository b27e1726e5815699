//go:build windows

package pty

import (
	"os"
	"syscall"
)

type signal int

const (
	terminateSignal signal = iota
	killSignal
)

func signalGroup(p *os.Process, _ signal) error {
	return p.Kill()
}

func pipeProcAttr() *syscall.SysProcAttr {
	return nil
}

func exitStatus(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode()}
}
