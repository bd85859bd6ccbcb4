package model

import "errors"

var (
	// ErrValidation is returned for malformed commands or parameters,
	// rejected before any registry call.
	ErrValidation = errors.New("invalid request")

	// ErrCommandRequired is returned when a create request has no command.
	ErrCommandRequired = errors.New("command is required")

	// ErrUnauthorized is returned when the auth gate denies a caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExited is returned for commands against a dead session.
	ErrSessionExited = errors.New("session has exited")

	// ErrAdapterSpawn is returned when the adapter process or PTY failed to
	// start. The failure is also recorded in the session's event log.
	ErrAdapterSpawn = errors.New("adapter failed to spawn")

	// ErrWriteTimeout is returned when adapter backpressure exceeds the
	// bounded wait.
	ErrWriteTimeout = errors.New("adapter write timed out")

	// ErrProtocol is returned for malformed wire frames.
	ErrProtocol = errors.New("malformed frame")

	// ErrResourceExhausted is returned when session or connection limits
	// are reached.
	ErrResourceExhausted = errors.New("resource limit reached")
)
