//go:build windows

package pty

func startPTY(StartOptions) (Process, error) {
	return nil, ErrPTYUnavailable
}

func probePTY() bool {
	return false
}
