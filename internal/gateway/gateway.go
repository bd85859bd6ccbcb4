// Package gateway speaks the broker's WebSocket protocol: multiple sessions
// multiplexed over one connection, command frames with acks, and sequenced
// session events with replay on attach.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-console/backend/internal/adapter"
	"github.com/agent-console/backend/internal/auth"
	"github.com/agent-console/backend/internal/eventlog"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/registry"
)

// Gateway bridges WebSocket clients to the session registry and event log.
type Gateway struct {
	reg  *registry.Registry
	log  *eventlog.Log
	gate auth.Gate

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New wires a gateway to the registry and installs itself as the registry's
// event notifier.
func New(reg *registry.Registry, log *eventlog.Log, gate auth.Gate) *Gateway {
	g := &Gateway{
		reg:   reg,
		log:   log,
		gate:  gate,
		conns: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The broker sits behind its own token auth; origin policy is
			// the deployment's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	reg.SetNotifier(g.fanOut)
	return g
}

// fanOut delivers an appended event to every connection subscribed to its
// session. Called synchronously from the session's writer loop, so per
// session the calls arrive in sequence order.
func (g *Gateway) fanOut(ev model.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		c.deliver(ev)
	}
}

// HandleWS authorizes and upgrades a client connection.
func (g *Gateway) HandleWS(c *gin.Context) {
	identity, ok := g.gate.Authorize(extractCredential(c.Request))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := newConnection(uuid.New().String(), g, ws, identity)
	g.mu.Lock()
	g.conns[conn.id] = conn
	g.mu.Unlock()

	go conn.writePump()
	conn.readPump()
}

func (g *Gateway) dropConnection(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	c.teardown()
}

// extractCredential accepts the token as a Bearer header or query parameter;
// browsers cannot set headers on a WebSocket dial.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleFrame dispatches one client command. It runs on the connection's
// read goroutine, so commands from one client execute in the order sent.
func (g *Gateway) handleFrame(c *Connection, frame ClientFrame) {
	switch frame.Type {
	case FrameSessionCreate:
		g.handleCreate(c, frame)
	case FrameSessionAttach:
		g.handleAttach(c, frame)
	case FrameSessionDetach:
		g.handleDetach(c, frame)
	case FrameSessionInput:
		g.handleInput(c, frame)
	case FrameSessionResize:
		g.handleResize(c, frame)
	case FrameSessionTerminate:
		g.handleTerminate(c, frame)
	case FrameSessionList:
		g.handleList(c, frame)
	case FrameAgentAuthStart:
		g.handleAuthStart(c, frame)
	case FrameAgentAuthCode:
		g.handleAuthCode(c, frame)
	case FrameAgentAuthCancel:
		g.handleAuthCancel(c, frame)
	case FramePing:
		c.enqueue(ServerFrame{Type: FramePong, ID: frame.ID})
	default:
		c.enqueue(nack(frame.ID, frame.SessionID, model.ErrProtocol))
	}
}

func (g *Gateway) handleCreate(c *Connection, frame ClientFrame) {
	req := model.CreateSessionRequest{
		Kind:      model.SessionKind(frame.Kind),
		Command:   frame.Command,
		Workspace: frame.Workspace,
		Env:       frame.Env,
		ResumesID: frame.ResumesID,
		OwnerID:   c.identity.UserID,
	}

	s, err := g.reg.Create(context.Background(), req)
	if err != nil && s == nil {
		c.enqueue(nack(frame.ID, "", err))
		return
	}
	// A spawn failure still acks the session id: the failure is recorded in
	// the session's log, where the client can observe why it never started.
	c.enqueue(ack(frame.ID, s.ID))
}

func (g *Gateway) handleAttach(c *Connection, frame ClientFrame) {
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}

	// A re-attach to an already subscribed session only restarts the replay;
	// the session's subscriber count moves once per connection, not per
	// attach frame, so a later detach brings it back to zero.
	sub, resumed := c.subscribe(frame.SessionID, frame.AfterSeq)
	if !resumed {
		s.Subscribe()
	}
	c.enqueue(ack(frame.ID, frame.SessionID))

	// Replay pages strictly after the client's last seen sequence. Live
	// events arriving meanwhile wait in the subscription's pending queue.
	after := frame.AfterSeq
	for {
		events, err := g.log.ReadFrom(frame.SessionID, after, eventlog.DefaultPageSize)
		if err != nil || len(events) == 0 {
			break
		}
		for _, ev := range events {
			c.sendReplayed(sub, ev)
		}
		after = events[len(events)-1].Seq
	}
	c.finishReplay(frame.SessionID, sub)
}

func (g *Gateway) handleDetach(c *Connection, frame ClientFrame) {
	if !c.unsubscribe(frame.SessionID) {
		c.enqueue(nack(frame.ID, frame.SessionID, model.ErrSessionNotFound))
		return
	}
	if s, err := g.reg.Get(frame.SessionID); err == nil {
		s.Unsubscribe()
	}
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleInput(c *Connection, frame ClientFrame) {
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	if err := s.Input([]byte(frame.Data)); err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleResize(c *Connection, frame ClientFrame) {
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	if frame.Cols == 0 || frame.Rows == 0 {
		c.enqueue(nack(frame.ID, frame.SessionID, model.ErrValidation))
		return
	}
	if err := s.Resize(frame.Cols, frame.Rows); err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleTerminate(c *Connection, frame ClientFrame) {
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	if err := s.Terminate(); err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleList(c *Connection, frame ClientFrame) {
	sessions := g.reg.List(c.identity.UserID)
	c.enqueue(ServerFrame{Type: FrameAck, ID: frame.ID, OK: true, Sessions: sessions})
}

func (g *Gateway) handleAuthStart(c *Connection, frame ClientFrame) {
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}

	sessionID := frame.SessionID
	attempt, err := s.StartLogin(func(ev adapter.AuthEvent) {
		switch ev.Kind {
		case adapter.AuthEventURL:
			c.enqueue(ServerFrame{Type: FrameAgentAuthURL, SessionID: sessionID, URL: ev.URL})
		case adapter.AuthEventComplete:
			c.enqueue(ServerFrame{Type: FrameAgentAuthComplete, SessionID: sessionID})
		case adapter.AuthEventError:
			c.enqueue(ServerFrame{Type: FrameAgentAuthError, SessionID: sessionID, Error: ev.Err})
		}
	})
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}

	c.rememberLogin(sessionID, attempt)
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleAuthCode(c *Connection, frame ClientFrame) {
	attempt := c.loginAttempt(frame.SessionID)
	if attempt == nil {
		c.enqueue(nack(frame.ID, frame.SessionID, model.ErrValidation))
		return
	}
	if err := attempt.SubmitCode(frame.Code); err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	c.enqueue(ack(frame.ID, frame.SessionID))
}

func (g *Gateway) handleAuthCancel(c *Connection, frame ClientFrame) {
	if attempt := c.loginAttempt(frame.SessionID); attempt != nil {
		attempt.Cancel()
		c.enqueue(ack(frame.ID, frame.SessionID))
		return
	}

	// The attempt may have been started by another connection; cancel
	// whatever the session is running.
	s, err := g.ownedSession(c, frame.SessionID)
	if err != nil {
		c.enqueue(nack(frame.ID, frame.SessionID, err))
		return
	}
	s.CancelLogin()
	c.enqueue(ack(frame.ID, frame.SessionID))
}

// ownedSession resolves a session id for the caller. Sessions belonging to
// someone else are reported as not found rather than forbidden.
func (g *Gateway) ownedSession(c *Connection, sessionID string) (*registry.Session, error) {
	if sessionID == "" {
		return nil, model.ErrValidation
	}
	s, err := g.reg.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != c.identity.UserID {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}
