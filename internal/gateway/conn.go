package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-console/backend/internal/adapter"
	"github.com/agent-console/backend/internal/auth"
	"github.com/agent-console/backend/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// subscription is one connection's view of one session's event stream.
//
// While a replay is in flight, live events are parked in pending instead of
// being sent, so the client never sees an out-of-order or duplicated
// sequence: the replay pages catch up first, then pending drains through the
// same lastSeq check.
type subscription struct {
	mu        sync.Mutex
	lastSeq   uint64
	replaying bool
	pending   []model.Event
}

// Connection is one client WebSocket carrying any number of session
// subscriptions.
type Connection struct {
	id       string
	gw       *Gateway
	ws       *websocket.Conn
	identity auth.Identity

	send chan ServerFrame

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	subs   map[string]*subscription
	logins map[string]*adapter.LoginAttempt
}

func newConnection(id string, gw *Gateway, ws *websocket.Conn, identity auth.Identity) *Connection {
	return &Connection{
		id:       id,
		gw:       gw,
		ws:       ws,
		identity: identity,
		send:     make(chan ServerFrame, sendBuffer),
		closed:   make(chan struct{}),
		subs:     make(map[string]*subscription),
		logins:   make(map[string]*adapter.LoginAttempt),
	}
}

// subscribe puts the session's subscription into replaying state and returns
// it, along with whether this connection was already subscribed. A re-attach
// reuses the existing entry so the session's subscriber count is unaffected;
// resetting lastSeq lets the new replay re-deliver from the client's afterSeq.
// Live events queue up until finishReplay.
func (c *Connection) subscribe(sessionID string, afterSeq uint64) (*subscription, bool) {
	c.mu.Lock()
	sub, existed := c.subs[sessionID]
	if !existed {
		sub = &subscription{}
		c.subs[sessionID] = sub
	}
	c.mu.Unlock()

	sub.mu.Lock()
	sub.lastSeq = afterSeq
	sub.replaying = true
	sub.pending = nil
	sub.mu.Unlock()
	return sub, existed
}

func (c *Connection) unsubscribe(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sessionID]; !ok {
		return false
	}
	delete(c.subs, sessionID)
	return true
}

func (c *Connection) subscription(sessionID string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sessionID]
}

// deliver routes a fanned-out event to this connection if it subscribes to
// the session. Events at or below lastSeq were already sent via replay and
// are dropped.
func (c *Connection) deliver(ev model.Event) {
	sub := c.subscription(ev.SessionID)
	if sub == nil {
		return
	}

	sub.mu.Lock()
	if sub.replaying {
		sub.pending = append(sub.pending, ev)
		sub.mu.Unlock()
		return
	}
	if ev.Seq <= sub.lastSeq {
		sub.mu.Unlock()
		return
	}
	sub.lastSeq = ev.Seq
	sub.mu.Unlock()

	c.enqueue(ServerFrame{Type: FrameSessionEvent, SessionID: ev.SessionID, Event: &ev})
}

// sendReplayed sends one replayed event and advances lastSeq.
func (c *Connection) sendReplayed(sub *subscription, ev model.Event) {
	sub.mu.Lock()
	if ev.Seq > sub.lastSeq {
		sub.lastSeq = ev.Seq
	}
	sub.mu.Unlock()
	c.enqueue(ServerFrame{Type: FrameSessionEvent, SessionID: ev.SessionID, Event: &ev})
}

// finishReplay flushes events that arrived during the replay and flips the
// subscription live. The lock is held across the flush and the flip: a
// concurrent deliver blocks until the flush is fully enqueued, so no live
// event can jump ahead of a parked one. enqueue never blocks, so holding
// sub.mu here cannot deadlock.
func (c *Connection) finishReplay(sessionID string, sub *subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	pending := sub.pending
	sub.pending = nil
	for _, ev := range pending {
		if ev.Seq > sub.lastSeq {
			sub.lastSeq = ev.Seq
			ev := ev
			c.enqueue(ServerFrame{Type: FrameSessionEvent, SessionID: sessionID, Event: &ev})
		}
	}
	sub.replaying = false
}

// enqueue queues an outbound frame. A client too slow to drain its buffer
// is disconnected rather than allowed to block the broker.
func (c *Connection) enqueue(frame ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		slog.Warn("client send buffer full, dropping connection", "conn", c.id)
		c.close()
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Connection) readPump() {
	defer func() {
		c.gw.dropConnection(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "conn", c.id, "err", err)
			}
			return
		}
		c.gw.handleFrame(c, frame)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) rememberLogin(sessionID string, attempt *adapter.LoginAttempt) {
	c.mu.Lock()
	c.logins[sessionID] = attempt
	c.mu.Unlock()
}

func (c *Connection) loginAttempt(sessionID string) *adapter.LoginAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins[sessionID]
}

// teardown releases everything this connection held: subscriptions detach
// their sessions, and login attempts it started are canceled so no helper
// process survives its initiating client.
func (c *Connection) teardown() {
	c.mu.Lock()
	subs := c.subs
	logins := c.logins
	c.subs = make(map[string]*subscription)
	c.logins = make(map[string]*adapter.LoginAttempt)
	c.mu.Unlock()

	for sessionID := range subs {
		if s, err := c.gw.reg.Get(sessionID); err == nil {
			s.Unsubscribe()
		}
	}
	for _, attempt := range logins {
		if !attempt.Done() {
			attempt.Cancel()
		}
	}
}
