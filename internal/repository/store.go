// Package repository persists sessions, their event logs, and resume links
// to sqlite. The in-memory registry and event log stay authoritative while a
// session is live; the store exists so history and resume identifiers
// survive a process restart.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-console/backend/internal/model"
)

// Store provides data access for sessions and their mirrored events.
type Store struct {
	db *sql.DB
}

// New creates a Store over an already-migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	env, err := envToJSON(sess.Env)
	if err != nil {
		return fmt.Errorf("serialize env: %w", err)
	}

	query := `
		INSERT INTO sessions (id, owner_id, kind, workspace, command, env, status, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, sess.Kind, sess.Workspace, sess.Command,
		env, sess.Status, sess.PID, sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if sess.ResumesID != "" {
		if err := s.LinkSessions(ctx, sess.ID, sess.ResumesID); err != nil {
			return err
		}
	}
	return nil
}

// GetSession retrieves a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT s.id, s.owner_id, s.kind, s.workspace, s.command, s.env, s.status,
		       s.exit_code, s.pid, s.created_at, s.updated_at,
		       COALESCE(l.resumes_session_id, '')
		FROM sessions s
		LEFT JOIN session_links l ON l.session_id = s.id
		WHERE s.id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions retrieves all sessions for an owner, newest first.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*model.Session, error) {
	query := `
		SELECT s.id, s.owner_id, s.kind, s.workspace, s.command, s.env, s.status,
		       s.exit_code, s.pid, s.created_at, s.updated_at,
		       COALESCE(l.resumes_session_id, '')
		FROM sessions s
		LEFT JOIN session_links l ON l.session_id = s.id
		WHERE s.owner_id = ?
		ORDER BY s.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus updates status and exit code for a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `UPDATE sessions SET status = ?, exit_code = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, status, exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session row; events and links cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// CountLiveByOwner returns the number of non-exited sessions for an owner.
func (s *Store) CountLiveByOwner(ctx context.Context, ownerID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE owner_id = ? AND status NOT IN (?, ?)
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, ownerID,
		model.SessionStatusExited, model.SessionStatusReclaimed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live sessions: %w", err)
	}
	return count, nil
}

// MarkStaleLiveSessions flags sessions a previous process left live as
// exited. Run once at startup; adapter processes do not survive the broker.
func (s *Store) MarkStaleLiveSessions(ctx context.Context) (int64, error) {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		model.SessionStatusExited, time.Now(),
		model.SessionStatusExited, model.SessionStatusReclaimed)
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// AppendEvent mirrors one event log entry. Implements eventlog.Store.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	query := `
		INSERT INTO session_events (session_id, seq, kind, payload, ts)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, ev.SessionID, ev.Seq, ev.Kind, string(ev.Payload), ev.Ts)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsFrom reads mirrored events with seq > afterSeq, for history browsing
// of sessions that are no longer live in memory.
func (s *Store) EventsFrom(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT session_id, seq, kind, payload, ts
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var payload string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Kind, &payload, &ev.Ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes all mirrored events for a reclaimed session.
func (s *Store) PruneEvents(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// LinkSessions records that sessionID logically resumes resumesID. The link
// is how agent work survives a broker restart: the client creates a new
// session naming the old identifier.
func (s *Store) LinkSessions(ctx context.Context, sessionID, resumesID string) error {
	query := `
		INSERT INTO session_links (session_id, resumes_session_id) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET resumes_session_id = excluded.resumes_session_id
	`
	_, err := s.db.ExecContext(ctx, query, sessionID, resumesID)
	if err != nil {
		return fmt.Errorf("link sessions: %w", err)
	}
	return nil
}

// ResumeChain returns the ids this session transitively resumes, oldest last.
func (s *Store) ResumeChain(ctx context.Context, sessionID string) ([]string, error) {
	var chain []string
	current := sessionID
	for {
		var next string
		err := s.db.QueryRowContext(ctx,
			`SELECT resumes_session_id FROM session_links WHERE session_id = ?`,
			current).Scan(&next)
		if err == sql.ErrNoRows {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resume chain: %w", err)
		}
		chain = append(chain, next)
		current = next
		if len(chain) > 100 {
			return chain, nil
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	sess := &model.Session{}
	var env sql.NullString
	var exitCode, pid sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.Kind, &sess.Workspace, &sess.Command,
		&env, &sess.Status, &exitCode, &pid, &sess.CreatedAt, &sess.LastActivity,
		&sess.ResumesID,
	)
	if err != nil {
		return nil, err
	}

	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &sess.Env); err != nil {
			return nil, fmt.Errorf("parse env: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}
	return sess, nil
}

func envToJSON(env map[string]string) (string, error) {
	if env == nil {
		return "", nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
