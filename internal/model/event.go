package model

import (
	"encoding/json"
	"time"
)

// EventKind classifies an entry in a session's event log.
type EventKind string

const (
	// EventKindOutput is adapter output: a terminal line for shell sessions,
	// a typed agent message for agent sessions.
	EventKindOutput EventKind = "output"

	// EventKindStatus records a session status change or an adapter-originated
	// failure that is part of the session's observable history.
	EventKindStatus EventKind = "status"

	// EventKindExit is the terminal event carrying the exit code or signal.
	EventKindExit EventKind = "exit"

	// EventKindAck records a control acknowledgement in the session history.
	EventKindAck EventKind = "ack"
)

// Event is a single append-only entry in a session's log. Events are never
// mutated or reordered after append; sequence numbers start at 1 and have no
// gaps for an unpruned session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Ts        time.Time       `json:"ts"`
}

// OutputPayload is the payload of a shell output event.
type OutputPayload struct {
	Data string `json:"data"`
}

// StatusPayload is the payload of a status event.
type StatusPayload struct {
	Status SessionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// ExitPayload is the payload of the terminal exit event.
type ExitPayload struct {
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

// AckPayload records an accepted control command in the session history.
type AckPayload struct {
	Command string `json:"command"`
	Detail  string `json:"detail,omitempty"`
}
