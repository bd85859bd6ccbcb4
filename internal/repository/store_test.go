package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agent-console/backend/internal/db"
	"github.com/agent-console/backend/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn)
}

func testSession(id, owner string) *model.Session {
	now := time.Now().Truncate(time.Second)
	return &model.Session{
		ID:           id,
		OwnerID:      owner,
		Kind:         model.SessionKindShell,
		Workspace:    "/tmp/ws",
		Command:      "/bin/bash",
		Env:          map[string]string{"TERM": "xterm-256color"},
		Status:       model.SessionStatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := testSession("s1", "alice")
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.OwnerID != "alice" || got.Kind != model.SessionKindShell || got.Workspace != "/tmp/ws" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Env["TERM"] != "xterm-256color" {
		t.Errorf("env not preserved: %v", got.Env)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("s1", "alice")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	code := 137
	if err := store.UpdateSessionStatus(ctx, "s1", model.SessionStatusExited, &code); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	got, _ := store.GetSession(ctx, "s1")
	if got.Status != model.SessionStatusExited || got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("status update not applied: %+v", got)
	}

	if err := store.UpdateSessionStatus(ctx, "missing", model.SessionStatusExited, nil); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestCountLiveByOwner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateSession(ctx, testSession(id, "alice")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	store.UpdateSessionStatus(ctx, "c", model.SessionStatusExited, nil)
	store.CreateSession(ctx, testSession("d", "bob"))

	n, err := store.CountLiveByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("CountLiveByOwner: %v", err)
	}
	if n != 2 {
		t.Errorf("live count = %d, want 2", n)
	}
}

func TestEventMirrorAndRead(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, testSession("s1", "alice")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 1; i <= 5; i++ {
		payload, _ := json.Marshal(model.OutputPayload{Data: "line"})
		ev := model.Event{
			SessionID: "s1",
			Seq:       uint64(i),
			Kind:      model.EventKindOutput,
			Payload:   payload,
			Ts:        time.Now(),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	evs, err := store.EventsFrom(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("EventsFrom: %v", err)
	}
	if len(evs) != 3 || evs[0].Seq != 3 || evs[2].Seq != 5 {
		t.Errorf("EventsFrom = %d events, first %d", len(evs), evs[0].Seq)
	}

	if err := store.PruneEvents(ctx, "s1"); err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	evs, _ = store.EventsFrom(ctx, "s1", 0, 0)
	if len(evs) != 0 {
		t.Errorf("events remain after prune: %d", len(evs))
	}
}

func TestResumeChain(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.CreateSession(ctx, testSession("old", "alice"))

	mid := testSession("mid", "alice")
	mid.ResumesID = "old"
	store.CreateSession(ctx, mid)

	newest := testSession("new", "alice")
	newest.ResumesID = "mid"
	store.CreateSession(ctx, newest)

	chain, err := store.ResumeChain(ctx, "new")
	if err != nil {
		t.Fatalf("ResumeChain: %v", err)
	}
	if len(chain) != 2 || chain[0] != "mid" || chain[1] != "old" {
		t.Errorf("chain = %v, want [mid old]", chain)
	}

	got, _ := store.GetSession(ctx, "new")
	if got.ResumesID != "mid" {
		t.Errorf("ResumesID = %q, want mid", got.ResumesID)
	}
}

func TestMarkStaleLiveSessions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.CreateSession(ctx, testSession("live1", "alice"))
	store.CreateSession(ctx, testSession("live2", "alice"))
	store.CreateSession(ctx, testSession("gone", "alice"))
	store.UpdateSessionStatus(ctx, "gone", model.SessionStatusExited, nil)

	n, err := store.MarkStaleLiveSessions(ctx)
	if err != nil {
		t.Fatalf("MarkStaleLiveSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("marked %d rows, want 2", n)
	}

	got, _ := store.GetSession(ctx, "live1")
	if got.Status != model.SessionStatusExited {
		t.Errorf("status = %v, want exited", got.Status)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.CreateSession(ctx, testSession("s1", "alice"))
	store.AppendEvent(ctx, model.Event{
		SessionID: "s1", Seq: 1, Kind: model.EventKindOutput,
		Payload: json.RawMessage(`{}`), Ts: time.Now(),
	})

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("session survived delete: %v", err)
	}
	evs, _ := store.EventsFrom(ctx, "s1", 0, 0)
	if len(evs) != 0 {
		t.Errorf("events survived cascade: %d", len(evs))
	}
}
