//go:build !windows

package pty

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/remote-agent-terminal/webui/internal/model"
)

func readAll(t *testing.T, p Process) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(p)
		done <- string(data)
	}()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading process output")
		return ""
	}
}

func TestPipeMergesStderr(t *testing.T) {
	p, err := Start(StartOptions{
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo out; echo err 1>&2"},
		ForcePipe: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if p.Kind() != KindPipe {
		t.Errorf("expected pipe transport, got %s", p.Kind())
	}

	out := readAll(t, p)
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("expected stdout and stderr in one stream, got %q", out)
	}

	status, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Code != 0 || status.Signal != "" {
		t.Errorf("expected clean exit, got %+v", status)
	}
}

func TestPipeResizeUnsupported(t *testing.T) {
	p, err := Start(StartOptions{Command: "/bin/sh", Args: []string{"-c", "exit 0"}, ForcePipe: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if err := p.Resize(80, 24); !errors.Is(err, model.ErrResizeUnsupported) {
		t.Errorf("expected ErrResizeUnsupported, got %v", err)
	}
	p.Wait()
}

func TestPipeEnvironment(t *testing.T) {
	p, err := Start(StartOptions{
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo $TERM $COLORTERM $FORCE_COLOR $EXTRA"},
		Env:       []string{"EXTRA=yes"},
		ForcePipe: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	out := strings.TrimSpace(readAll(t, p))
	if out != "xterm-256color truecolor 1 yes" {
		t.Errorf("unexpected environment %q", out)
	}
}

func TestExitCode(t *testing.T) {
	p, err := Start(StartOptions{Command: "/bin/sh", Args: []string{"-c", "exit 3"}, ForcePipe: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	status, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Code != 3 {
		t.Errorf("expected exit code 3, got %d", status.Code)
	}

	// Wait is repeatable.
	again, _ := p.Wait()
	if again != status {
		t.Errorf("second Wait returned %+v, want %+v", again, status)
	}
}

func TestTerminateReportsSignal(t *testing.T) {
	p, err := Start(StartOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}, ForcePipe: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if err := p.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	done := make(chan ExitStatus, 1)
	go func() {
		s, _ := p.Wait()
		done <- s
	}()
	select {
	case s := <-done:
		if s.Code != -1 || s.Signal != "SIGTERM" {
			t.Errorf("expected SIGTERM exit, got %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
}

func TestSpawnFailure(t *testing.T) {
	_, err := Start(StartOptions{Command: "/nonexistent/agent-binary", ForcePipe: true})
	if !errors.Is(err, model.ErrSpawnFailed) {
		t.Errorf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestPTYTransport(t *testing.T) {
	if !Available() {
		t.Skip("host has no pseudo-terminal support")
	}

	p, err := Start(StartOptions{Command: "/bin/sh", Args: []string{"-c", "stty size"}, Cols: 100, Rows: 40})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if p.Kind() != KindPTY {
		t.Fatalf("expected pty transport, got %s", p.Kind())
	}
	if Mode(false) != KindPTY {
		t.Errorf("expected pty mode")
	}

	var out strings.Builder
	buf := make([]byte, 256)
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "40 100") {
		readDone := make(chan int, 1)
		go func() {
			n, _ := p.Read(buf)
			readDone <- n
		}()
		select {
		case n := <-readDone:
			if n == 0 {
				t.Fatalf("pty closed before size was printed, got %q", out.String())
			}
			out.Write(buf[:n])
		case <-deadline:
			t.Fatalf("timed out waiting for stty output, got %q", out.String())
		}
	}

	if err := p.Resize(132, 50); err != nil {
		t.Errorf("Resize on pty: %v", err)
	}
	p.Wait()
}

func TestModeForcePipe(t *testing.T) {
	if Mode(true) != KindPipe {
		t.Errorf("forced pipe mode should report pipe")
	}
}
