package adapter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pty"
)

// AuthState is the login attempt's position in its flow.
type AuthState int

const (
	AuthIdle AuthState = iota

	// AuthAwaitingURL: the helper is starting; no login URL seen yet.
	AuthAwaitingURL

	// AuthAwaitingCode: the URL was surfaced; waiting for the user's code.
	AuthAwaitingCode

	// AuthAuthenticated and AuthFailed are terminal.
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) terminal() bool {
	return s == AuthAuthenticated || s == AuthFailed
}

// AuthEventKind classifies a login attempt notification.
type AuthEventKind int

const (
	AuthEventURL AuthEventKind = iota
	AuthEventComplete
	AuthEventError
)

// AuthEvent is pushed to the attempt's observer as the flow advances.
type AuthEvent struct {
	Kind AuthEventKind
	URL  string
	Err  string
}

var (
	loginURLPattern = regexp.MustCompile(`https://[^\s"'\x1b]+`)
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

	loginSuccessPattern = regexp.MustCompile(`(?i)(login successful|logged in|authentication (?:complete|successful)|successfully authenticated)`)
	loginFailurePattern = regexp.MustCompile(`(?i)(invalid (?:code|token)|expired|authentication failed|login failed)`)
)

// LoginAttempt drives one interactive login through a helper CLI spawned
// behind its own PTY. The attempt owns the helper process outright: every
// path out of the flow, including the hard watchdog and caller disconnect,
// funnels through finish, which kills the helper. The helper can never
// outlive the attempt.
type LoginAttempt struct {
	mu      sync.Mutex
	state   AuthState
	proc    *pty.Process
	onEvent func(AuthEvent)

	watchdog *time.Timer
	done     chan struct{}
}

// startLogin spawns the helper and begins scanning for the login URL.
func startLogin(command string, timeout time.Duration, workspace string, onEvent func(AuthEvent)) (*LoginAttempt, error) {
	argv := splitCommand(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no login command configured", model.ErrValidation)
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	dir, err := prepareWorkspace(workspace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	proc, err := pty.Start(pty.StartOptions{
		Command:     argv[0],
		Args:        argv[1:],
		Env:         buildEnv(nil),
		Dir:         dir,
		InitialCols: defaultCols,
		InitialRows: defaultRows,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterSpawn, err)
	}

	a := &LoginAttempt{
		state:   AuthAwaitingURL,
		proc:    proc,
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	a.watchdog = time.AfterFunc(timeout, func() {
		a.fail("login timed out")
	})

	go a.readLoop()
	return a, nil
}

// State returns the attempt's current state.
func (a *LoginAttempt) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done reports whether the attempt reached a terminal state.
func (a *LoginAttempt) Done() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// SubmitCode types the user's authorization code into the helper. Valid only
// while the attempt is awaiting a code.
func (a *LoginAttempt) SubmitCode(code string) error {
	a.mu.Lock()
	if a.state != AuthAwaitingCode {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: login not awaiting code (state %d)", model.ErrValidation, state)
	}
	proc := a.proc
	a.mu.Unlock()

	_, err := proc.PTY.Write([]byte(code + "\r"))
	return err
}

// Cancel aborts the attempt and kills the helper. Idempotent.
func (a *LoginAttempt) Cancel() {
	a.fail("login canceled")
}

// readLoop scans helper output for the login URL and the success or failure
// verdict. Helper exit before a verdict is a failure.
func (a *LoginAttempt) readLoop() {
	buf := make([]byte, 4096)
	var acc strings.Builder

	for {
		n, err := a.proc.PTY.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			a.inspect(ansiPattern.ReplaceAllString(acc.String(), ""))
			if acc.Len() > 64*1024 {
				acc.Reset()
			}
		}
		if err != nil {
			break
		}
	}

	a.fail("login helper exited before completing")
}

// inspect advances the state machine from accumulated, ANSI-stripped output.
func (a *LoginAttempt) inspect(text string) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state.terminal() {
		return
	}

	if state == AuthAwaitingURL {
		if m := loginURLPattern.FindString(text); m != "" {
			url := strings.TrimRight(m, ".,)")
			a.mu.Lock()
			advanced := a.state == AuthAwaitingURL
			if advanced {
				a.state = AuthAwaitingCode
			}
			a.mu.Unlock()
			if advanced {
				a.notify(AuthEvent{Kind: AuthEventURL, URL: url})
			}
		}
	}

	if loginSuccessPattern.MatchString(text) {
		a.succeed()
		return
	}
	if loginFailurePattern.MatchString(text) {
		a.fail("helper reported failure")
	}
}

func (a *LoginAttempt) succeed() {
	if !a.finish(AuthAuthenticated) {
		return
	}
	a.notify(AuthEvent{Kind: AuthEventComplete})
}

func (a *LoginAttempt) fail(reason string) {
	if !a.finish(AuthFailed) {
		return
	}
	a.notify(AuthEvent{Kind: AuthEventError, Err: reason})
}

// finish moves to a terminal state exactly once, stops the watchdog, and
// tears the helper down.
func (a *LoginAttempt) finish(state AuthState) bool {
	a.mu.Lock()
	if a.state.terminal() {
		a.mu.Unlock()
		return false
	}
	a.state = state
	proc := a.proc
	a.mu.Unlock()

	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	if proc != nil {
		proc.Kill()
		proc.Close()
	}
	close(a.done)
	return true
}

func (a *LoginAttempt) notify(ev AuthEvent) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}
