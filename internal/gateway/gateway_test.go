package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agent-console/backend/internal/auth"
	"github.com/agent-console/backend/internal/eventlog"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/registry"
)

func setupGateway(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := eventlog.New(nil)
	reg := registry.New(registry.Config{
		MaxPerOwner:    10,
		TerminateGrace: 500 * time.Millisecond,
		WriteTimeout:   time.Second,
	}, log, nil)
	gw := New(reg, log, auth.NewStaticTokenGate("secret"))

	router := gin.New()
	router.GET("/ws", gw.HandleWS)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		reg.CloseAll()
	})
	return srv, reg
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame ServerFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestUnauthorizedHandshakeRejected(t *testing.T) {
	srv, _ := setupGateway(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v", resp)
	}
}

func TestCreateAttachStreamsEvents(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type:    FrameSessionCreate,
		ID:      "c1",
		Kind:    "agent",
		Command: `sh -c 'echo one; echo two'`,
	})
	created := readFrame(t, ws)
	if created.Type != FrameAck || !created.OK || created.ID != "c1" || created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID})
	attached := readFrame(t, ws)
	if attached.Type != FrameAck || !attached.OK || attached.ID != "a1" {
		t.Fatalf("attach ack = %+v", attached)
	}

	// Whether events arrive via replay or live, sequences must be gapless
	// ascending and end with the exit event.
	var lastSeq uint64
	for {
		frame := readFrame(t, ws)
		if frame.Type != FrameSessionEvent {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if frame.Event.Seq != lastSeq+1 {
			t.Fatalf("sequence gap: got %d after %d", frame.Event.Seq, lastSeq)
		}
		lastSeq = frame.Event.Seq
		if frame.Event.Kind == model.EventKindExit {
			break
		}
	}
	if lastSeq < 3 {
		t.Errorf("too few events: %d", lastSeq)
	}
}

func TestAttachAfterSeqReplaysOnlyTail(t *testing.T) {
	srv, reg := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type:    FrameSessionCreate,
		ID:      "c1",
		Kind:    "agent",
		Command: `sh -c 'echo one; echo two; echo three'`,
	})
	created := readFrame(t, ws)
	if created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	// Let the session finish so the full log exists before attaching.
	s, err := reg.Get(created.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Status() != model.SessionStatusExited {
		if time.Now().After(deadline) {
			t.Fatal("session did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID, AfterSeq: 2})
	if ack := readFrame(t, ws); !ack.OK {
		t.Fatalf("attach ack = %+v", ack)
	}

	first := readFrame(t, ws)
	if first.Type != FrameSessionEvent || first.Event.Seq != 3 {
		t.Fatalf("first replayed event = %+v", first)
	}
}

func TestCommandsAgainstUnknownSession(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{Type: FrameSessionInput, ID: "i1", SessionID: "ghost", Data: "ls\n"})
	frame := readFrame(t, ws)
	if frame.OK || frame.ErrorCode != CodeSessionNotFound {
		t.Errorf("input nack = %+v", frame)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionTerminate, ID: "t1", SessionID: "ghost"})
	frame = readFrame(t, ws)
	if frame.OK || frame.ErrorCode != CodeSessionNotFound {
		t.Errorf("terminate nack = %+v", frame)
	}
}

func TestMalformedCommandNacked(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{Type: "session.selfdestruct", ID: "x1"})
	frame := readFrame(t, ws)
	if frame.OK || frame.ErrorCode != CodeProtocol {
		t.Errorf("nack = %+v", frame)
	}

	// A create with a bad kind is rejected before any adapter spawn.
	ws.WriteJSON(ClientFrame{Type: FrameSessionCreate, ID: "x2", Kind: "robot", Command: "ls"})
	frame = readFrame(t, ws)
	if frame.OK || frame.ErrorCode != CodeValidation {
		t.Errorf("create nack = %+v", frame)
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{Type: FramePing, ID: "p1"})
	frame := readFrame(t, ws)
	if frame.Type != FramePong || frame.ID != "p1" {
		t.Errorf("pong = %+v", frame)
	}
}

func TestListSessions(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type: FrameSessionCreate, ID: "c1", Kind: "agent", Command: "sleep 5",
	})
	created := readFrame(t, ws)
	if created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionList, ID: "l1"})
	frame := readFrame(t, ws)
	if !frame.OK || len(frame.Sessions) != 1 || frame.Sessions[0].ID != created.SessionID {
		t.Errorf("list = %+v", frame)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionTerminate, ID: "t1", SessionID: created.SessionID})
	readFrame(t, ws)
}

func TestSpawnFailureStillAcksSessionID(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type: FrameSessionCreate, ID: "c1", Kind: "agent", Command: "/nonexistent/binary",
	})
	created := readFrame(t, ws)
	if !created.OK || created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	// The recorded failure is observable through attach-replay.
	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID})
	readFrame(t, ws) // attach ack

	var kinds []model.EventKind
	for len(kinds) < 2 {
		frame := readFrame(t, ws)
		if frame.Type == FrameSessionEvent {
			kinds = append(kinds, frame.Event.Kind)
		}
	}
	if kinds[0] != model.EventKindStatus || kinds[1] != model.EventKindExit {
		t.Errorf("replayed kinds = %v", kinds)
	}
}

func TestConcurrentAttachSeesIdenticalOrder(t *testing.T) {
	srv, _ := setupGateway(t)
	wsA := dialWS(t, srv, "secret")
	wsB := dialWS(t, srv, "secret")

	wsA.WriteJSON(ClientFrame{
		Type:    FrameSessionCreate,
		ID:      "c1",
		Kind:    "agent",
		Command: `sh -c 'for i in 1 2 3 4 5; do echo line-$i; done'`,
	})
	created := readFrame(t, wsA)
	if created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	collect := func(ws *websocket.Conn, ackID string) []uint64 {
		ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: ackID, SessionID: created.SessionID})
		var seqs []uint64
		for {
			frame := readFrame(t, ws)
			if frame.Type == FrameAck {
				continue
			}
			seqs = append(seqs, frame.Event.Seq)
			if frame.Event.Kind == model.EventKindExit {
				return seqs
			}
		}
	}

	seqsA := collect(wsA, "a1")
	seqsB := collect(wsB, "b1")

	if len(seqsA) != len(seqsB) {
		t.Fatalf("event counts differ: %d vs %d", len(seqsA), len(seqsB))
	}
	for i := range seqsA {
		if seqsA[i] != seqsB[i] {
			t.Fatalf("order differs at %d: %v vs %v", i, seqsA, seqsB)
		}
	}
}

func TestReattachDoesNotLeakSubscribers(t *testing.T) {
	srv, reg := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type: FrameSessionCreate, ID: "c1", Kind: "agent", Command: "sleep 30",
	})
	created := readFrame(t, ws)
	if created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	waitAck := func(id string) {
		t.Helper()
		for {
			frame := readFrame(t, ws)
			if frame.Type == FrameAck && frame.ID == id {
				if !frame.OK {
					t.Fatalf("nack for %s: %+v", id, frame)
				}
				return
			}
		}
	}

	// A re-syncing client attaches again to a session it already watches.
	// The second attach restarts the replay but must not count as a second
	// subscriber, or one detach could never bring the count back to zero.
	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID})
	waitAck("a1")
	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a2", SessionID: created.SessionID})
	waitAck("a2")

	ws.WriteJSON(ClientFrame{Type: FrameSessionDetach, ID: "d1", SessionID: created.SessionID})
	waitAck("d1")

	s, err := reg.Get(created.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Status() != model.SessionStatusDetached {
		if time.Now().After(deadline) {
			t.Fatalf("status after last detach = %v, want detached", s.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttachDuringLiveOutputKeepsOrder(t *testing.T) {
	srv, _ := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	// The pause in the middle keeps the session producing after the attach,
	// so the replay, the pending-queue flush, and live fan-out all overlap.
	ws.WriteJSON(ClientFrame{
		Type:    FrameSessionCreate,
		ID:      "c1",
		Kind:    "agent",
		Command: `sh -c 'seq 1 100; sleep 0.2; seq 101 200'`,
	})
	created := readFrame(t, ws)
	if created.SessionID == "" {
		t.Fatalf("create ack = %+v", created)
	}

	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID})

	var lastSeq uint64
	for {
		frame := readFrame(t, ws)
		if frame.Type == FrameAck {
			continue
		}
		if frame.Event.Seq != lastSeq+1 {
			t.Fatalf("sequence gap or reorder: got %d after %d", frame.Event.Seq, lastSeq)
		}
		lastSeq = frame.Event.Seq
		if frame.Event.Kind == model.EventKindExit {
			break
		}
	}
}

func TestDetachLeavesSessionRunning(t *testing.T) {
	srv, reg := setupGateway(t)
	ws := dialWS(t, srv, "secret")

	ws.WriteJSON(ClientFrame{
		Type: FrameSessionCreate, ID: "c1", Kind: "agent", Command: "sleep 30",
	})
	created := readFrame(t, ws)

	ws.WriteJSON(ClientFrame{Type: FrameSessionAttach, ID: "a1", SessionID: created.SessionID})
	readFrame(t, ws)

	ws.WriteJSON(ClientFrame{Type: FrameSessionDetach, ID: "d1", SessionID: created.SessionID})

	// The detach ack may be preceded by replayed status events.
	for {
		frame := readFrame(t, ws)
		if frame.Type == FrameAck && frame.ID == "d1" {
			if !frame.OK {
				t.Fatalf("detach nack = %+v", frame)
			}
			break
		}
	}

	s, err := reg.Get(created.SessionID)
	if err != nil {
		t.Fatalf("session gone after detach: %v", err)
	}
	if s.Status().Terminal() {
		t.Error("session terminated by detach")
	}
}
