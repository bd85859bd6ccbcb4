package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agent-console/backend/internal/buffer"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pty"
	"github.com/agent-console/backend/internal/recording"
)

const (
	defaultCols = 80
	defaultRows = 24

	// crashTailSize is how much trailing output is kept for the exit reason
	// when the process dies with a nonzero code.
	crashTailSize = 4 * 1024

	readChunkSize = 32 * 1024
)

// shellAdapter runs an interactive command behind a PTY and reports its raw
// output stream.
type shellAdapter struct {
	opts Options

	mu     sync.Mutex
	proc   *pty.Process
	rec    *recording.Recorder
	closed bool

	tail   *buffer.RingBuffer
	events chan Event
}

func newShellAdapter(opts Options) *shellAdapter {
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	return &shellAdapter{
		opts:   opts,
		tail:   buffer.NewRingBuffer(crashTailSize),
		events: make(chan Event, 64),
	}
}

func (a *shellAdapter) Start(ctx context.Context) error {
	argv := splitCommand(a.opts.Command)
	if len(argv) == 0 {
		return model.ErrCommandRequired
	}

	dir, err := prepareWorkspace(a.opts.Workspace)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	env := buildEnv(a.opts.Env)
	env = append(env, "TERM=xterm-256color")

	proc, err := pty.Start(pty.StartOptions{
		Command:     argv[0],
		Args:        argv[1:],
		Env:         env,
		Dir:         dir,
		InitialCols: a.opts.Cols,
		InitialRows: a.opts.Rows,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	a.mu.Lock()
	a.proc = proc
	if a.opts.RecordingPath != "" {
		rec, recErr := recording.Create(a.opts.RecordingPath, a.opts.Cols, a.opts.Rows)
		if recErr != nil {
			slog.Warn("recording disabled", "path", a.opts.RecordingPath, "err", recErr)
		} else {
			a.rec = rec
		}
	}
	a.mu.Unlock()

	a.events <- Event{Kind: EventReady}

	readDone := make(chan struct{})
	go a.readLoop(readDone)
	go a.waitLoop(readDone)

	return nil
}

// readLoop pumps PTY output into the event channel until EOF, which arrives
// when the child exits or the PTY master is closed.
func (a *shellAdapter) readLoop(done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := a.proc.PTY.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.tail.Write(data)
			if rec := a.recorder(); rec != nil {
				rec.Output(data)
			}
			a.events <- Event{Kind: EventData, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the child, emits the terminal exit event, and closes the
// event channel. Runs after readLoop finishes so output is never lost.
func (a *shellAdapter) waitLoop(readDone <-chan struct{}) {
	code, err := a.proc.Wait()
	<-readDone

	reason := ""
	if err != nil {
		reason = err.Error()
	} else if code != 0 {
		reason = crashReason(a.tail.ReadAll())
	}

	a.mu.Lock()
	a.closed = true
	if a.rec != nil {
		a.rec.Close()
		a.rec = nil
	}
	a.mu.Unlock()
	a.proc.Close()

	a.events <- Event{Kind: EventExit, ExitCode: code, Reason: reason}
	close(a.events)
}

func (a *shellAdapter) Write(data []byte) error {
	a.mu.Lock()
	proc, rec, closed := a.proc, a.rec, a.closed
	a.mu.Unlock()

	if closed || proc == nil {
		return model.ErrSessionExited
	}

	if a.opts.WriteTimeout > 0 {
		proc.PTY.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
		defer proc.PTY.SetWriteDeadline(time.Time{})
	}

	if _, err := proc.PTY.Write(data); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return model.ErrWriteTimeout
		}
		// A write can race the process dying before closed is observed; the
		// dead PTY surfaces as a closed or broken descriptor.
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EIO) {
			return model.ErrSessionExited
		}
		return err
	}
	if rec != nil {
		rec.Input(data)
	}
	return nil
}

func (a *shellAdapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	proc, closed := a.proc, a.closed
	a.mu.Unlock()

	if closed || proc == nil {
		return model.ErrSessionExited
	}
	return proc.PTY.Resize(cols, rows)
}

func (a *shellAdapter) Signal(sig pty.Signal) error {
	a.mu.Lock()
	proc, closed := a.proc, a.closed
	a.mu.Unlock()

	if closed || proc == nil {
		return model.ErrSessionExited
	}
	return proc.Signal(sig)
}

func (a *shellAdapter) Events() <-chan Event {
	return a.events
}

func (a *shellAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil {
		return 0
	}
	return a.proc.PID()
}

func (a *shellAdapter) Close() error {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()

	if proc == nil {
		return nil
	}
	proc.Kill()
	return nil
}

func (a *shellAdapter) recorder() *recording.Recorder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

// crashReason condenses the trailing output into a short single-line reason.
func crashReason(tail []byte) string {
	lines := strings.Split(strings.TrimSpace(string(tail)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}
