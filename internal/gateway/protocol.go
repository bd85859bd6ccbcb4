package gateway

import (
	"errors"

	"github.com/agent-console/backend/internal/model"
)

// FrameType names a wire frame. Client-to-server frames are commands;
// server-to-client frames are acks, session events, and login notifications.
type FrameType string

const (
	// Client commands.
	FrameSessionCreate    FrameType = "session.create"
	FrameSessionAttach    FrameType = "session.attach"
	FrameSessionDetach    FrameType = "session.detach"
	FrameSessionInput     FrameType = "session.input"
	FrameSessionResize    FrameType = "session.resize"
	FrameSessionTerminate FrameType = "session.terminate"
	FrameSessionList      FrameType = "session.list"
	FrameAgentAuthStart   FrameType = "agent.auth.start"
	FrameAgentAuthCode    FrameType = "agent.auth.code"
	FrameAgentAuthCancel  FrameType = "agent.auth.cancel"
	FramePing             FrameType = "ping"

	// Server frames.
	FrameAck               FrameType = "ack"
	FrameSessionEvent      FrameType = "session.event"
	FrameAgentAuthURL      FrameType = "agent.auth.url"
	FrameAgentAuthComplete FrameType = "agent.auth.complete"
	FrameAgentAuthError    FrameType = "agent.auth.error"
	FramePong              FrameType = "pong"
)

// ClientFrame is a decoded client command. One flat shape covers every
// command; unused fields stay zero.
type ClientFrame struct {
	Type FrameType `json:"type"`

	// ID is an optional client correlation id echoed in the ack.
	ID string `json:"id,omitempty"`

	SessionID string `json:"sessionId,omitempty"`

	// session.create parameters.
	Kind      string            `json:"kind,omitempty"`
	Command   string            `json:"command,omitempty"`
	Workspace string            `json:"workspace,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ResumesID string            `json:"resumesId,omitempty"`

	// session.attach: replay everything after this sequence.
	AfterSeq uint64 `json:"afterSeq,omitempty"`

	// session.input.
	Data string `json:"data,omitempty"`

	// session.resize.
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// agent.auth.code.
	Code string `json:"code,omitempty"`
}

// ServerFrame is an outbound frame.
type ServerFrame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id,omitempty"`

	OK        bool   `json:"ok,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`

	// Event is set on session.event frames.
	Event *model.Event `json:"event,omitempty"`

	// Sessions is set on the session.list ack.
	Sessions []*model.Session `json:"sessions,omitempty"`

	// URL is set on agent.auth.url frames.
	URL string `json:"url,omitempty"`
}

// Error codes carried in acks. Clients dispatch on the code, not the text.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionExited     = "SESSION_EXITED"
	CodeAdapterSpawn      = "ADAPTER_SPAWN_ERROR"
	CodeWriteTimeout      = "WRITE_TIMEOUT"
	CodeProtocol          = "PROTOCOL_ERROR"
	CodeResourceExhausted = "LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// errorCode maps a broker error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrCommandRequired):
		return CodeValidation
	case errors.Is(err, model.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, model.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, model.ErrSessionExited):
		return CodeSessionExited
	case errors.Is(err, model.ErrAdapterSpawn):
		return CodeAdapterSpawn
	case errors.Is(err, model.ErrWriteTimeout):
		return CodeWriteTimeout
	case errors.Is(err, model.ErrProtocol):
		return CodeProtocol
	case errors.Is(err, model.ErrResourceExhausted):
		return CodeResourceExhausted
	default:
		return CodeInternal
	}
}

func ack(id, sessionID string) ServerFrame {
	return ServerFrame{Type: FrameAck, ID: id, OK: true, SessionID: sessionID}
}

func nack(id, sessionID string, err error) ServerFrame {
	return ServerFrame{
		Type:      FrameAck,
		ID:        id,
		SessionID: sessionID,
		ErrorCode: errorCode(err),
		Error:     err.Error(),
	}
}
