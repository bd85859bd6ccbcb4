// Package pty spawns subprocesses behind a pseudo-terminal.
package pty

import (
	"io"
	"os/exec"
	"time"
)

// PTY is the platform-independent handle to a pseudo-terminal master.
type PTY interface {
	io.Reader
	io.Writer
	io.Closer

	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error

	// SetWriteDeadline bounds subsequent writes; a blocked write returns a
	// timeout error once the deadline passes. The zero time clears it.
	SetWriteDeadline(t time.Time) error
}

// StartOptions configures a PTY-backed process.
type StartOptions struct {
	Command     string
	Args        []string
	Env         []string
	Dir         string
	InitialCols uint16
	InitialRows uint16
}

// Process is a running PTY-backed subprocess. The handle is exclusively
// owned by the session that spawned it and is never shared.
type Process struct {
	PTY PTY
	Cmd *exec.Cmd
	pid int
}

// PID returns the subprocess id.
func (p *Process) PID() int {
	return p.pid
}

// Wait blocks until the subprocess exits and returns its exit code.
// Returns -1 when the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Signal sends sig to the subprocess.
func (p *Process) Signal(sig Signal) error {
	return signalProcess(p.Cmd, sig)
}

// SignalCmd sends sig to a subprocess not managed through a Process handle.
func SignalCmd(cmd *exec.Cmd, sig Signal) error {
	return signalProcess(cmd, sig)
}

// Kill forcibly terminates the subprocess.
func (p *Process) Kill() error {
	if p.Cmd.Process != nil {
		return p.Cmd.Process.Kill()
	}
	return nil
}

// Close releases the PTY master.
func (p *Process) Close() error {
	return p.PTY.Close()
}

// Signal is the portable subset of signals the broker sends.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalKill
)
