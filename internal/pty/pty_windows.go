//go:build windows

package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// pipePTY is a degraded fallback for Windows: the child runs behind plain
// pipes, so there is no real terminal and Resize is a no-op.
type pipePTY struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
}

func (p *pipePTY) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipePTY) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *pipePTY) Close() error {
	p.stdin.Close()
	return p.stdout.Close()
}

func (p *pipePTY) Resize(cols, rows uint16) error { return nil }

func (p *pipePTY) SetWriteDeadline(t time.Time) error {
	if f, ok := p.stdin.(*os.File); ok {
		return f.SetWriteDeadline(t)
	}
	return nil
}

func Start(opts StartOptions) (*Process, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &Process{
		PTY: &pipePTY{stdout: stdout, stdin: stdin},
		Cmd: cmd,
		pid: cmd.Process.Pid,
	}, nil
}

func signalProcess(cmd *exec.Cmd, sig Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// Windows has no SIGTERM delivery for arbitrary processes.
	return cmd.Process.Kill()
}
