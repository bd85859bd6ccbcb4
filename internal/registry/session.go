package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-console/backend/internal/adapter"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pipeline"
	"github.com/agent-console/backend/internal/pty"
)

type ctlKind int

const (
	ctlAttach ctlKind = iota
	ctlDetach
	ctlAuth
	ctlAck
)

type ctlMsg struct {
	kind ctlKind
	auth adapter.AuthEvent
	ack  model.AckPayload
}

// Session is one live broker session: an adapter, its output pipeline, and
// the lifecycle state the registry tracks for it.
//
// All event log appends for the session happen on its run loop, which is the
// session's single writer. Control-plane changes that must be recorded
// (attach, detach, login progress) are funneled to that loop over ctl rather
// than appended from the caller's goroutine.
type Session struct {
	ID        string
	OwnerID   string
	Kind      model.SessionKind
	Workspace string
	Command   string
	Env       map[string]string
	ResumesID string
	CreatedAt time.Time

	reg     *Registry
	adapter adapter.Adapter
	pipe    *pipeline.Pipeline

	ctl  chan ctlMsg
	done chan struct{}

	mu           sync.Mutex
	status       model.SessionStatus
	exitCode     *int
	pid          int
	subscribers  int
	terminating  bool
	lastActivity time.Time
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a copy of the session's externally visible state.
func (s *Session) Snapshot() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &model.Session{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Kind:         s.Kind,
		Workspace:    s.Workspace,
		Command:      s.Command,
		Env:          s.Env,
		Status:       s.status,
		ResumesID:    s.ResumesID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		out.ExitCode = &code
	}
	if s.pid > 0 {
		pid := s.pid
		out.PID = &pid
	}
	return out
}

// Input forwards client bytes to the adapter. Commands against a session
// whose terminate was already accepted fail fast instead of racing the
// process teardown.
func (s *Session) Input(data []byte) error {
	if !s.writable() {
		return model.ErrSessionExited
	}
	if err := s.adapter.Write(data); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Resize adjusts the adapter's terminal dimensions. The accepted resize is
// recorded in the log so replay reconstructs the terminal geometry.
func (s *Session) Resize(cols, rows uint16) error {
	if !s.writable() {
		return model.ErrSessionExited
	}
	if err := s.adapter.Resize(cols, rows); err != nil {
		return err
	}
	s.sendCtl(ctlMsg{kind: ctlAck, ack: model.AckPayload{
		Command: "resize",
		Detail:  fmt.Sprintf("%dx%d", cols, rows),
	}})
	return nil
}

func (s *Session) writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.terminating && !s.status.Terminal()
}

// Terminate requests a clean shutdown and force-kills after the grace
// period. The exit event is produced by the run loop when the adapter dies.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return model.ErrSessionExited
	}
	if s.terminating {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	s.mu.Unlock()

	s.sendCtl(ctlMsg{kind: ctlAck, ack: model.AckPayload{Command: "terminate"}})

	if err := s.adapter.Signal(pty.SignalTerminate); err != nil {
		s.adapter.Close()
		return nil
	}

	grace := s.reg.cfg.TerminateGrace
	time.AfterFunc(grace, func() {
		select {
		case <-s.done:
		default:
			s.adapter.Close()
		}
	})
	return nil
}

// Subscribe registers one more attached client. The first subscriber moves a
// detached session back to active.
func (s *Session) Subscribe() {
	s.mu.Lock()
	s.subscribers++
	first := s.subscribers == 1
	s.mu.Unlock()
	if first {
		s.sendCtl(ctlMsg{kind: ctlAttach})
	}
}

// Unsubscribe drops one attached client. Detaching never terminates the
// session; the adapter keeps running with no one watching.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	if s.subscribers > 0 {
		s.subscribers--
	}
	last := s.subscribers == 0
	s.mu.Unlock()
	if last {
		s.sendCtl(ctlMsg{kind: ctlDetach})
	}
}

// StartLogin begins the interactive login sub-flow on a session whose
// adapter supports it. Progress is both pushed to onEvent and recorded in
// the session's event log.
func (s *Session) StartLogin(onEvent func(adapter.AuthEvent)) (*adapter.LoginAttempt, error) {
	lc, ok := s.adapter.(loginCapable)
	if !ok {
		return nil, fmt.Errorf("%w: session does not support login", model.ErrValidation)
	}
	if !s.writable() {
		return nil, model.ErrSessionExited
	}

	return lc.StartLogin(func(ev adapter.AuthEvent) {
		s.sendCtl(ctlMsg{kind: ctlAuth, auth: ev})
		if onEvent != nil {
			onEvent(ev)
		}
	})
}

// CancelLogin aborts any in-flight login attempt.
func (s *Session) CancelLogin() {
	if lc, ok := s.adapter.(loginCapable); ok {
		lc.CancelLogin()
	}
}

type loginCapable interface {
	StartLogin(onEvent func(adapter.AuthEvent)) (*adapter.LoginAttempt, error)
	CancelLogin()
}

// run is the session's single writer loop: every event log append for this
// session happens here, in adapter arrival order.
func (s *Session) run() {
	for {
		select {
		case ev, ok := <-s.adapter.Events():
			if !ok {
				return
			}
			s.handleAdapterEvent(ev)
		case c := <-s.ctl:
			s.handleCtl(c)
		}
	}
}

func (s *Session) handleAdapterEvent(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventReady:
		s.mu.Lock()
		attached := s.subscribers > 0
		s.mu.Unlock()
		status := model.SessionStatusDetached
		if attached {
			status = model.SessionStatusActive
		}
		s.setStatus(status, "")

	case adapter.EventData:
		for _, line := range s.pipe.Feed(ev.Data) {
			s.append(model.EventKindOutput, model.OutputPayload{Data: line})
		}
		s.touch()

	case adapter.EventTyped:
		s.append(model.EventKindOutput, ev.Typed)
		s.touch()

	case adapter.EventExit:
		for _, line := range s.pipe.Flush() {
			s.append(model.EventKindOutput, model.OutputPayload{Data: line})
		}
		s.finishExit(ev.ExitCode, ev.Reason)
	}
}

func (s *Session) handleCtl(c ctlMsg) {
	switch c.kind {
	case ctlAttach:
		s.mu.Lock()
		transition := s.status == model.SessionStatusDetached
		s.mu.Unlock()
		if transition {
			s.setStatus(model.SessionStatusActive, "client attached")
		}

	case ctlDetach:
		s.mu.Lock()
		transition := s.status == model.SessionStatusActive && s.subscribers == 0
		s.mu.Unlock()
		if transition {
			s.setStatus(model.SessionStatusDetached, "last client detached")
		}

	case ctlAuth:
		s.appendAuthEvent(c.auth)

	case ctlAck:
		s.append(model.EventKindAck, c.ack)
	}
}

func (s *Session) appendAuthEvent(ev adapter.AuthEvent) {
	var reason string
	switch ev.Kind {
	case adapter.AuthEventURL:
		reason = "login url issued"
	case adapter.AuthEventComplete:
		reason = "login complete"
	case adapter.AuthEventError:
		reason = "login failed: " + ev.Err
	}
	s.append(model.EventKindStatus, model.StatusPayload{Status: s.Status(), Reason: reason})
}

// finishExit records the terminal events and closes done. Runs exactly once.
func (s *Session) finishExit(code int, reason string) {
	s.mu.Lock()
	s.status = model.SessionStatusExited
	s.exitCode = &code
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.append(model.EventKindStatus, model.StatusPayload{
		Status: model.SessionStatusExited,
		Reason: reason,
	})
	s.append(model.EventKindExit, model.ExitPayload{ExitCode: code, Reason: reason})

	s.reg.persistStatus(s.ID, model.SessionStatusExited, &code)
	close(s.done)
}

func (s *Session) setStatus(status model.SessionStatus, reason string) {
	s.mu.Lock()
	if s.status == status || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.append(model.EventKindStatus, model.StatusPayload{Status: status, Reason: reason})
	s.reg.persistStatus(s.ID, status, nil)
}

func (s *Session) append(kind model.EventKind, payload any) {
	ev, err := s.reg.log.Append(s.ID, kind, payload)
	if err != nil {
		slog.Error("event append failed", "session", s.ID, "kind", kind, "err", err)
		return
	}
	s.reg.notify(ev)
}

// sendCtl delivers a control message to the run loop unless the session has
// already exited.
func (s *Session) sendCtl(m ctlMsg) {
	select {
	case s.ctl <- m:
	case <-s.done:
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// recordSpawnFailure writes the observable history of a session whose
// adapter never started. No run loop exists; this is the only writer.
func (s *Session) recordSpawnFailure(err error) {
	code := -1

	s.mu.Lock()
	s.status = model.SessionStatusExited
	s.exitCode = &code
	s.lastActivity = time.Now()
	s.mu.Unlock()

	reason := err.Error()
	s.append(model.EventKindStatus, model.StatusPayload{
		Status: model.SessionStatusExited,
		Reason: reason,
	})
	s.append(model.EventKindExit, model.ExitPayload{ExitCode: code, Reason: reason})
	s.reg.persistStatus(s.ID, model.SessionStatusExited, &code)
	close(s.done)
}
