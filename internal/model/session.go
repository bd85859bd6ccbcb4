// Package model defines the core domain types shared across the broker.
package model

import (
	"time"
)

// SessionKind identifies which adapter variant backs a session.
type SessionKind string

const (
	// SessionKindShell is a PTY-backed interactive shell.
	SessionKindShell SessionKind = "shell"

	// SessionKindAgent is a structured-output coding-agent CLI.
	SessionKindAgent SessionKind = "agent"
)

// Valid reports whether the kind names a known adapter variant.
func (k SessionKind) Valid() bool {
	return k == SessionKindShell || k == SessionKindAgent
}

// SessionStatus represents the lifecycle state of a session.
//
// Transitions: starting -> active <-> detached -> exited -> reclaimed.
// A session never re-enters active from exited; resuming agent work is a new
// session that references the prior one via a session link.
type SessionStatus string

const (
	SessionStatusStarting  SessionStatus = "starting"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusDetached  SessionStatus = "detached"
	SessionStatusExited    SessionStatus = "exited"
	SessionStatusReclaimed SessionStatus = "reclaimed"
)

// Terminal reports whether the status admits no further adapter activity.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusExited || s == SessionStatusReclaimed
}

// Session is the adapter-owning unit a client creates and attaches to.
// It outlives individual connections; only explicit termination, adapter
// death, or the retention sweep destroys it.
type Session struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"ownerId"`
	Kind         SessionKind       `json:"kind"`
	Workspace    string            `json:"workspace"`
	Command      string            `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Status       SessionStatus     `json:"status"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	PID          *int              `json:"pid,omitempty"`
	ResumesID    string            `json:"resumesId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

// CreateSessionRequest carries the parameters for a session.create command.
type CreateSessionRequest struct {
	Kind      SessionKind       `json:"kind"`
	Command   string            `json:"command"`
	Workspace string            `json:"workspace"`
	Env       map[string]string `json:"env,omitempty"`
	ResumesID string            `json:"resumesId,omitempty"`
	OwnerID   string            `json:"-"`
}

// Validate checks the kind-specific parameters before any adapter is spawned.
func (r *CreateSessionRequest) Validate() error {
	if !r.Kind.Valid() {
		return ErrValidation
	}
	if r.Command == "" {
		return ErrCommandRequired
	}
	return nil
}
