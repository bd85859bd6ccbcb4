// Package eventlog is the append-only, per-session, sequenced record of
// everything observable that happened in a session. Reconnect correctness
// rests entirely on this log: a client that saw seq N can always ask for
// everything after N and receive an exact, ordered continuation.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-console/backend/internal/model"
)

// DefaultPageSize bounds a single ReadFrom when the caller passes no limit,
// so replaying a deep backlog never materializes the whole history at once.
const DefaultPageSize = 500

// Store mirrors appended events to durable storage. Mirroring is
// best-effort: a store failure is logged, never surfaced to the writer path.
type Store interface {
	AppendEvent(ctx context.Context, ev model.Event) error
}

// Log holds the in-memory event logs of all live sessions.
//
// Appends for a given session must come from exactly one goroutine (the
// session's writer loop); the internal locks only make concurrent readers
// safe, they do not arbitrate writers.
type Log struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	store    Store
}

type sessionLog struct {
	mu     sync.RWMutex
	events []model.Event
	// firstSeq is the sequence of events[0]; greater than 1 after pruning.
	firstSeq uint64
	nextSeq  uint64
}

// New creates a Log. store may be nil to disable durable mirroring.
func New(store Store) *Log {
	return &Log{
		sessions: make(map[string]*sessionLog),
		store:    store,
	}
}

func (l *Log) session(id string, create bool) *sessionLog {
	l.mu.RLock()
	s := l.sessions[id]
	l.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.sessions[id]; s == nil {
		s = &sessionLog{firstSeq: 1, nextSeq: 1}
		l.sessions[id] = s
	}
	return s
}

// Append adds an event for the session and returns the stored event,
// sequence assigned. payload is marshaled unless it already is raw JSON.
func (l *Log) Append(sessionID string, kind model.EventKind, payload any) (model.Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	s := l.session(sessionID, true)

	s.mu.Lock()
	ev := model.Event{
		SessionID: sessionID,
		Seq:       s.nextSeq,
		Kind:      kind,
		Payload:   raw,
		Ts:        time.Now(),
	}
	s.nextSeq++
	s.events = append(s.events, ev)
	s.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendEvent(context.Background(), ev); err != nil {
			slog.Warn("event store append failed", "session", sessionID, "seq", ev.Seq, "err", err)
		}
	}

	return ev, nil
}

// ReadFrom returns up to limit events with sequence strictly greater than
// afterSeq, in order, with no gaps. Callers page through deep backlogs by
// passing the last returned sequence back in.
func (l *Log) ReadFrom(sessionID string, afterSeq uint64, limit int) ([]model.Event, error) {
	s := l.session(sessionID, false)
	if s == nil {
		return nil, model.ErrSessionNotFound
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := afterSeq + 1
	if start < s.firstSeq {
		start = s.firstSeq
	}
	if start >= s.nextSeq {
		return nil, nil
	}

	idx := int(start - s.firstSeq)
	end := idx + limit
	if end > len(s.events) {
		end = len(s.events)
	}

	out := make([]model.Event, end-idx)
	copy(out, s.events[idx:end])
	return out, nil
}

// LatestSeq returns the highest sequence appended for the session, or 0.
func (l *Log) LatestSeq(sessionID string) uint64 {
	s := l.session(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq - 1
}

// Drop removes the session's log entirely. Used when a session is reclaimed.
func (l *Log) Drop(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
