// Package adapter wraps the subprocess variants behind one contract.
//
// A session owns exactly one adapter. The shell variant runs a PTY-backed
// shell and produces raw bytes; the agent variant runs a structured-output
// coding-agent CLI and produces typed events. Callers never branch on the
// session kind outside of New; agent-only capabilities are reached through
// capability interfaces.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agent-console/backend/internal/model"
	"github.com/agent-console/backend/internal/pty"
)

// EventKind classifies an adapter event.
type EventKind int

const (
	// EventReady means the process is up: PTY opened or CLI handshake seen.
	EventReady EventKind = iota

	// EventData is raw output bytes (shell adapter).
	EventData

	// EventTyped is a structured output payload (agent adapter).
	EventTyped

	// EventExit is terminal; the adapter sends nothing after it.
	EventExit
)

// Event is what an adapter reports to its session's processing loop.
type Event struct {
	Kind     EventKind
	Data     []byte
	Typed    json.RawMessage
	ExitCode int
	Reason   string
}

// Adapter is the shared process contract. Start may block on process or PTY
// creation; Write tolerates a bounded wait and fails with ErrWriteTimeout
// rather than blocking forever.
type Adapter interface {
	Start(ctx context.Context) error
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Signal(sig pty.Signal) error

	// Events delivers output and the terminal exit event in arrival order.
	// The channel is closed after the exit event.
	Events() <-chan Event

	// PID returns the subprocess id, or 0 before Start.
	PID() int

	// Close force-terminates the subprocess and releases resources. Safe to
	// call multiple times and concurrently with in-flight writes.
	Close() error
}

// Options configures an adapter.
type Options struct {
	Command      string
	Workspace    string
	Env          map[string]string
	Cols         uint16
	Rows         uint16
	WriteTimeout time.Duration

	// RecordingPath, when set, mirrors shell output to an asciinema file.
	RecordingPath string

	// LoginCommand and LoginTimeout configure the agent login sub-flow.
	LoginCommand string
	LoginTimeout time.Duration
}

// New constructs the adapter variant for the session kind. This is the only
// place in the broker that dispatches on kind.
func New(kind model.SessionKind, opts Options) (Adapter, error) {
	switch kind {
	case model.SessionKindShell:
		return newShellAdapter(opts), nil
	case model.SessionKindAgent:
		return newAgentAdapter(opts), nil
	default:
		return nil, model.ErrValidation
	}
}

// splitCommand splits a command string into argv, honoring single and double
// quotes.
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}
	return parts
}

// buildEnv merges overrides onto the inherited environment.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// prepareWorkspace expands ~ and creates the directory if needed.
func prepareWorkspace(workspace string) (string, error) {
	if workspace == "" {
		return "", nil
	}
	if strings.HasPrefix(workspace, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		if workspace == "~" {
			workspace = home
		} else if strings.HasPrefix(workspace, "~/") {
			workspace = home + workspace[1:]
		}
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	return workspace, nil
}
