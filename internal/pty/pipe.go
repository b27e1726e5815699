package pty

import (
	"io"
	"os"

	"github.com/remote-agent-terminal/webui/internal/model"
)

// pipeProcess runs the agent on plain pipes. Stdout and stderr share one
// pipe so the output stream interleaves them the way a terminal would.
type pipeProcess struct {
	*child
	stdin  io.WriteCloser
	output *os.File
}

func (p *pipeProcess) Read(b []byte) (int, error) {
	return p.output.Read(b)
}

func (p *pipeProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *pipeProcess) Resize(cols, rows uint16) error {
	return model.ErrResizeUnsupported
}

func (p *pipeProcess) Close() error {
	err := p.output.Close()
	if cerr := p.stdin.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *pipeProcess) Kind() Kind {
	return KindPipe
}

func startPipe(opts StartOptions) (Process, error) {
	cmd := command(opts, KindPipe)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, spawnError(cmd, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = pipeProcAttr()

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		stdin.Close()
		return nil, spawnError(cmd, err)
	}
	// The child holds the only write end now; EOF arrives when it exits.
	w.Close()

	return &pipeProcess{child: newChild(cmd), stdin: stdin, output: r}, nil
}
