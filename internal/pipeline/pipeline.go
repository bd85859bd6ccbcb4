// Package pipeline shapes raw adapter output before it becomes log events.
//
// Subprocess output is often redundant: identical repeated lines, progress
// bars updating many times per second, spinners redrawing themselves with
// carriage returns. Logging every byte wastes log space and makes replay
// useless, so the pipeline suppresses duplicates, coalesces progress, and
// folds carriage-return redraws into a single visual line. It runs
// synchronously on the session's single writer path, so it never reorders
// output and needs no locking of its own.
package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// Config holds the per-session tuning knobs.
type Config struct {
	// DedupeWindow is how many recent distinct lines are remembered for
	// exact-duplicate suppression.
	DedupeWindow int

	// ProgressThreshold is the minimum change, in percentage points, a
	// progress line must represent to be kept. Completion is always kept.
	ProgressThreshold float64
}

// Pipeline holds the per-session line-shaping state. Create one per session
// and feed it adapter output chunks in arrival order.
type Pipeline struct {
	cfg Config

	// partial accumulates bytes of the current incomplete line.
	partial []byte

	// pending is the current unterminated visual line: the text before a
	// bare carriage return. A later carriage return replaces it; a newline
	// completes it.
	pending    string
	hasPending bool

	// crSeen is set when the last byte of the previous chunk was a carriage
	// return, so a following newline can be recognized as CRLF.
	crSeen bool

	// recent is the dedupe window of the last distinct emitted lines.
	recent []string

	// lastProgress is the last progress value (0-100) emitted, or -1.
	lastProgress float64
}

const (
	DefaultDedupeWindow      = 8
	DefaultProgressThreshold = 5
)

var (
	percentPattern  = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)
	fractionPattern = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(?:B|KB|KiB|MB|MiB|GB|GiB)?\s*/\s*(\d+(?:\.\d+)?)\s*(?:B|KB|KiB|MB|MiB|GB|GiB)?\b`)

	// protectedPattern matches lines that must never be suppressed.
	protectedPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|fatal|panic|fail|failed|failure|exception|traceback)\b`)
)

// New creates a pipeline with defaults filled for zero config values.
func New(cfg Config) *Pipeline {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = DefaultProgressThreshold
	}
	return &Pipeline{cfg: cfg, lastProgress: -1}
}

// Feed consumes a chunk of raw output and returns the lines that should be
// appended to the event log, in order. Carriage-return updates replace the
// pending line in place; nothing is appended for a visual line until it
// terminates, so a spinner yields exactly one log line.
func (p *Pipeline) Feed(data []byte) []string {
	var out []string

	for _, b := range data {
		if p.crSeen {
			p.crSeen = false
			if b == '\n' {
				// CRLF: plain line terminator.
				out = p.completeLine(out)
				continue
			}
			// Bare CR: the accumulated text replaces the pending line.
			p.pending = string(p.partial)
			p.hasPending = true
			p.partial = p.partial[:0]
		}

		switch b {
		case '\r':
			p.crSeen = true
		case '\n':
			out = p.completeLine(out)
		default:
			p.partial = append(p.partial, b)
		}
	}

	return out
}

// Flush returns whatever is still buffered: the pending visual line and any
// incomplete trailing text. Call it when the adapter exits.
func (p *Pipeline) Flush() []string {
	var out []string
	if p.crSeen {
		p.crSeen = false
		p.pending = string(p.partial)
		p.hasPending = true
		p.partial = p.partial[:0]
	}
	if len(p.partial) > 0 {
		out = p.completeLine(out)
	} else if p.hasPending {
		line := p.pending
		p.hasPending = false
		p.pending = ""
		out = p.filter(out, line)
	}
	return out
}

// completeLine finalizes the current line. A newline terminates the visual
// line, so any pending carriage-return text is superseded by it.
func (p *Pipeline) completeLine(out []string) []string {
	line := string(p.partial)
	p.partial = p.partial[:0]

	if p.hasPending && line == "" {
		// Spinner finished with "\r\n": the pending text is the final frame.
		line = p.pending
	}
	p.hasPending = false
	p.pending = ""

	return p.filter(out, line)
}

// filter applies the suppression rules to a completed line.
func (p *Pipeline) filter(out []string, line string) []string {
	trimmed := strings.TrimRight(line, " \t")

	// Protected lines bypass every rule.
	if protectedPattern.MatchString(trimmed) {
		return append(out, line)
	}

	if p.isDuplicate(trimmed) {
		return out
	}

	if v, ok := progressValue(trimmed); ok {
		if p.lastProgress >= 0 && v < 100 && abs(v-p.lastProgress) < p.cfg.ProgressThreshold {
			return out
		}
		p.lastProgress = v
		p.remember(trimmed)
		return append(out, line)
	}

	p.remember(trimmed)
	return append(out, line)
}

func (p *Pipeline) isDuplicate(line string) bool {
	for _, r := range p.recent {
		if r == line {
			return true
		}
	}
	return false
}

func (p *Pipeline) remember(line string) {
	for i, r := range p.recent {
		if r == line {
			p.recent = append(p.recent[:i], p.recent[i+1:]...)
			break
		}
	}
	p.recent = append(p.recent, line)
	if len(p.recent) > p.cfg.DedupeWindow {
		p.recent = p.recent[1:]
	}
}

// progressValue extracts a 0-100 progress value from a line, recognizing
// percentages and completed/total fractions (with or without size units).
func progressValue(line string) (float64, bool) {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v >= 0 && v <= 100 {
			return v, true
		}
	}
	if m := fractionPattern.FindStringSubmatch(line); m != nil {
		num, err1 := strconv.ParseFloat(m[1], 64)
		den, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && den > 0 && num <= den {
			return num / den * 100, true
		}
	}
	return 0, false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
