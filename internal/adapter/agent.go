package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agent-console/backend/internal/buffer"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pty"
)

const maxAgentLine = 1024 * 1024

// agentMessage is the wire shape of one stream-JSON line emitted by the
// coding-agent CLI. Only the fields the broker surfaces are decoded.
type agentMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   *struct {
		Content []struct {
			Type string          `json:"type"`
			Text string          `json:"text,omitempty"`
			Name string          `json:"name,omitempty"`
			ID   string          `json:"id,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// TypedPayload is the normalized agent output the broker logs. Raw lines
// that fail to parse pass through with Type "raw" so nothing is dropped.
type TypedPayload struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  bool            `json:"error,omitempty"`
}

// agentAdapter runs a coding-agent CLI over pipes and translates its
// line-delimited JSON output into typed events.
type agentAdapter struct {
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	login  *LoginAttempt
	closed bool

	tail   *buffer.RingBuffer
	events chan Event
}

func newAgentAdapter(opts Options) *agentAdapter {
	return &agentAdapter{
		opts:   opts,
		tail:   buffer.NewRingBuffer(crashTailSize),
		events: make(chan Event, 64),
	}
}

func (a *agentAdapter) Start(ctx context.Context) error {
	argv := splitCommand(a.opts.Command)
	if len(argv) == 0 {
		return model.ErrCommandRequired
	}

	dir, err := prepareWorkspace(a.opts.Workspace)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(a.opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.mu.Unlock()

	a.events <- Event{Kind: EventReady}

	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go a.readStdout(stdout, outDone)
	go a.readStderr(stderr, errDone)
	go a.waitLoop(outDone, errDone)

	return nil
}

// readStdout parses stream-JSON lines into typed events. A line that is not
// valid JSON is surfaced raw rather than dropped.
func (a *agentAdapter) readStdout(r io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxAgentLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg agentMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			payload, _ := json.Marshal(TypedPayload{Type: "raw", Text: string(line)})
			a.events <- Event{Kind: EventTyped, Typed: payload}
			continue
		}

		for _, typed := range normalize(msg) {
			payload, err := json.Marshal(typed)
			if err != nil {
				continue
			}
			a.events <- Event{Kind: EventTyped, Typed: payload}
		}
	}
}

// normalize flattens one CLI message into the payloads worth logging.
func normalize(msg agentMessage) []TypedPayload {
	switch msg.Type {
	case "assistant":
		var out []TypedPayload
		if msg.Message != nil {
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					out = append(out, TypedPayload{Type: "assistant", Text: block.Text})
				case "tool_use":
					out = append(out, TypedPayload{Type: "tool_use", Tool: block.Name, Detail: block.Input})
				}
			}
		}
		return out
	case "result":
		return []TypedPayload{{Type: "result", Text: msg.Result, Error: msg.IsError}}
	case "system":
		detail, _ := json.Marshal(map[string]string{"subtype": msg.Subtype, "sessionId": msg.SessionID})
		return []TypedPayload{{Type: "system", Detail: detail}}
	default:
		return []TypedPayload{{Type: msg.Type}}
	}
}

func (a *agentAdapter) readStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.tail.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (a *agentAdapter) waitLoop(outDone, errDone <-chan struct{}) {
	<-outDone
	<-errDone

	code := 0
	reason := ""
	if err := a.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			reason = err.Error()
		}
	}
	if code != 0 && reason == "" {
		reason = crashReason(a.tail.ReadAll())
	}

	a.mu.Lock()
	a.closed = true
	login := a.login
	a.login = nil
	a.mu.Unlock()
	if login != nil {
		login.Cancel()
	}

	a.events <- Event{Kind: EventExit, ExitCode: code, Reason: reason}
	close(a.events)
}

// Write delivers a prompt or control line to the CLI's stdin with a bounded
// wait so a wedged process cannot hang the caller.
func (a *agentAdapter) Write(data []byte) error {
	a.mu.Lock()
	stdin, closed := a.stdin, a.closed
	a.mu.Unlock()

	if closed || stdin == nil {
		return model.ErrSessionExited
	}

	if f, ok := stdin.(*os.File); ok && a.opts.WriteTimeout > 0 {
		f.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
		defer f.SetWriteDeadline(time.Time{})
	}

	if _, err := stdin.Write(data); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return model.ErrWriteTimeout
		}
		// Wait closes the stdin pipe when the process exits; a write racing
		// that close sees a closed or broken pipe, not the closed flag.
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return model.ErrSessionExited
		}
		return err
	}
	return nil
}

// Resize is a no-op: the CLI runs over pipes, not a terminal.
func (a *agentAdapter) Resize(cols, rows uint16) error {
	return nil
}

func (a *agentAdapter) Signal(sig pty.Signal) error {
	a.mu.Lock()
	cmd, closed := a.cmd, a.closed
	a.mu.Unlock()

	if closed || cmd == nil || cmd.Process == nil {
		return model.ErrSessionExited
	}
	return pty.SignalCmd(cmd, sig)
}

func (a *agentAdapter) Events() <-chan Event {
	return a.events
}

func (a *agentAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

func (a *agentAdapter) Close() error {
	a.mu.Lock()
	cmd := a.cmd
	stdin := a.stdin
	login := a.login
	a.login = nil
	a.mu.Unlock()

	if login != nil {
		login.Cancel()
	}
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	return nil
}

// StartLogin begins an interactive login attempt. Only one attempt runs at a
// time; a second start fails until the first reaches a terminal state.
func (a *agentAdapter) StartLogin(onEvent func(AuthEvent)) (*LoginAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, model.ErrSessionExited
	}
	if a.login != nil && !a.login.Done() {
		return nil, fmt.Errorf("%w: login already in progress", model.ErrValidation)
	}

	attempt, err := startLogin(a.opts.LoginCommand, a.opts.LoginTimeout, a.opts.Workspace, onEvent)
	if err != nil {
		return nil, err
	}
	a.login = attempt
	return attempt, nil
}

// CancelLogin aborts the in-flight login attempt, if any.
func (a *agentAdapter) CancelLogin() {
	a.mu.Lock()
	login := a.login
	a.mu.Unlock()
	if login != nil {
		login.Cancel()
	}
}
