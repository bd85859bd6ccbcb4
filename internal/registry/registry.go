// Package registry owns the live sessions: creation, lookup, termination,
// the crash sweep, and retention reclaim. Exactly one adapter exists per
// session, created with the session and never reassigned.
package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-console/backend/internal/adapter"
	"github.com/agent-console/backend/internal/eventlog"
	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pipeline"
	"github.com/agent-console/backend/internal/repository"
)

// Config carries the registry's operational knobs.
type Config struct {
	MaxPerOwner    int
	TerminateGrace time.Duration
	SweepInterval  time.Duration
	Retention      time.Duration
	WriteTimeout   time.Duration

	Pipeline     pipeline.Config
	RecordingDir string

	LoginCommand string
	LoginTimeout time.Duration
}

// Notifier receives every appended event, in append order, synchronously
// from the owning session's writer loop.
type Notifier func(ev model.Event)

// Registry tracks all live sessions.
type Registry struct {
	cfg   Config
	log   *eventlog.Log
	store *repository.Store

	mu       sync.RWMutex
	sessions map[string]*Session

	notifyMu sync.RWMutex
	notifier Notifier
}

// New creates a Registry. store may be nil to run without persistence.
func New(cfg Config, log *eventlog.Log, store *repository.Store) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// SetNotifier installs the event fan-out target. Call before serving.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifyMu.Lock()
	r.notifier = n
	r.notifyMu.Unlock()
}

func (r *Registry) notify(ev model.Event) {
	r.notifyMu.RLock()
	n := r.notifier
	r.notifyMu.RUnlock()
	if n != nil {
		n(ev)
	}
}

// Create validates the request, spawns the adapter, and registers the
// session. A spawn failure still yields a registered session whose event log
// records the failure; the session id is always usable for inspection.
func (r *Registry) Create(ctx context.Context, req model.CreateSessionRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if r.cfg.MaxPerOwner > 0 && r.liveCount(req.OwnerID) >= r.cfg.MaxPerOwner {
		return nil, model.ErrResourceExhausted
	}

	id := uuid.New().String()
	now := time.Now()

	opts := adapter.Options{
		Command:      req.Command,
		Workspace:    req.Workspace,
		Env:          req.Env,
		WriteTimeout: r.cfg.WriteTimeout,
		LoginCommand: r.cfg.LoginCommand,
		LoginTimeout: r.cfg.LoginTimeout,
	}
	if req.Kind == model.SessionKindShell && r.cfg.RecordingDir != "" {
		if err := os.MkdirAll(r.cfg.RecordingDir, 0755); err == nil {
			opts.RecordingPath = filepath.Join(r.cfg.RecordingDir, id+".cast")
		} else {
			slog.Warn("recording dir unavailable", "dir", r.cfg.RecordingDir, "err", err)
		}
	}

	ad, err := adapter.New(req.Kind, opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:           id,
		OwnerID:      req.OwnerID,
		Kind:         req.Kind,
		Workspace:    req.Workspace,
		Command:      req.Command,
		Env:          req.Env,
		ResumesID:    req.ResumesID,
		CreatedAt:    now,
		reg:          r,
		adapter:      ad,
		pipe:         pipeline.New(r.cfg.Pipeline),
		ctl:          make(chan ctlMsg, 16),
		done:         make(chan struct{}),
		status:       model.SessionStatusStarting,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	startErr := ad.Start(ctx)
	if startErr == nil {
		s.mu.Lock()
		s.pid = ad.PID()
		s.mu.Unlock()
	}

	r.persistCreate(s)

	if startErr != nil {
		s.recordSpawnFailure(startErr)
		return s, startErr
	}

	go s.run()
	return s, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of the owner's live sessions, newest first.
func (r *Registry) List(ownerID string) []*model.Session {
	r.mu.RLock()
	var out []*model.Session
	for _, s := range r.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s.Snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Terminate requests shutdown of the session's adapter.
func (r *Registry) Terminate(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Terminate()
}

// Delete terminates a live session if needed, then removes it and its event
// log. History rows in the store go with it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err == nil {
		if !s.Status().Terminal() {
			s.Terminate()
			select {
			case <-s.done:
			case <-time.After(r.cfg.TerminateGrace + time.Second):
			}
		}
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.log.Drop(id)
	}

	if r.store != nil {
		return r.store.DeleteSession(ctx, id)
	}
	return err
}

// Run drives the periodic sweep and reclaim until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
			r.Reclaim(ctx)
		}
	}
}

// Sweep detects adapters whose process died without the session noticing
// and forces their teardown so the exit is recorded.
func (r *Registry) Sweep() {
	r.mu.RLock()
	var candidates []*Session
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		pid := s.pid
		terminal := s.status.Terminal()
		s.mu.Unlock()
		if terminal || pid <= 0 {
			continue
		}

		alive, err := process.PidExists(int32(pid))
		if err != nil {
			continue
		}
		if !alive {
			slog.Warn("session process vanished", "session", s.ID, "pid", pid)
			s.adapter.Close()
		}
	}
}

// Reclaim drops exited sessions whose retention window has passed. The
// event log and mirrored rows are pruned; the session row itself stays, as
// reclaimed, so resume links keep resolving.
func (r *Registry) Reclaim(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.Retention)

	r.mu.Lock()
	var reclaim []*Session
	for id, s := range r.sessions {
		snap := s.Snapshot()
		if snap.Status == model.SessionStatusExited && snap.LastActivity.Before(cutoff) {
			reclaim = append(reclaim, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range reclaim {
		r.log.Drop(s.ID)
		if r.store != nil {
			if err := r.store.PruneEvents(ctx, s.ID); err != nil {
				slog.Warn("prune events failed", "session", s.ID, "err", err)
			}
			r.persistStatus(s.ID, model.SessionStatusReclaimed, nil)
		}
		slog.Info("session reclaimed", "session", s.ID)
	}
}

// CloseAll force-terminates every live adapter. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.adapter.Close()
	}
}

func (r *Registry) liveCount(ownerID string) int {
	r.mu.RLock()
	n := 0
	for _, s := range r.sessions {
		if s.OwnerID == ownerID && !s.Status().Terminal() {
			n++
		}
	}
	r.mu.RUnlock()

	// The store can only disagree upward, e.g. rows not yet swept after an
	// unclean restart; take the stricter count.
	if r.store != nil {
		if stored, err := r.store.CountLiveByOwner(context.Background(), ownerID); err == nil && stored > n {
			n = stored
		}
	}
	return n
}

func (r *Registry) persistCreate(s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.CreateSession(context.Background(), s.Snapshot()); err != nil {
		slog.Warn("persist session failed", "session", s.ID, "err", err)
	}
}

func (r *Registry) persistStatus(id string, status model.SessionStatus, exitCode *int) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateSessionStatus(context.Background(), id, status, exitCode); err != nil {
		slog.Warn("persist status failed", "session", id, "err", err)
	}
}
