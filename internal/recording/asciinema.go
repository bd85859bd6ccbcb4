// Package recording writes asciinema v2 recordings of shell sessions.
// The recording mirrors raw PTY output (before the output pipeline), so a
// downloaded cast replays exactly what the terminal showed.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type header struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Recorder appends asciinema v2 JSON-lines to a writer. Safe for use from
// the adapter's read goroutine and the session's write path concurrently.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File // set when the recorder owns the file
	started time.Time
}

// Create opens path and writes the v2 header for a cols x rows terminal.
func Create(path string, cols, rows uint16) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := &Recorder{w: f, file: f, started: time.Now()}
	if err := r.writeHeader(int(cols), int(rows)); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewWithWriter records to w without owning a file. Used in tests.
func NewWithWriter(w io.Writer, cols, rows uint16) (*Recorder, error) {
	r := &Recorder{w: w, started: time.Now()}
	if err := r.writeHeader(int(cols), int(rows)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.started.Unix(),
	})
	if err != nil {
		return err
	}
	_, err = r.w.Write(append(data, '\n'))
	return err
}

// Output records terminal output bytes.
func (r *Recorder) Output(data []byte) error {
	return r.event("o", data)
}

// Input records client keystrokes.
func (r *Recorder) Input(data []byte) error {
	return r.event("i", data)
}

func (r *Recorder) event(kind string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := time.Since(r.started).Seconds()
	line, err := json.Marshal([]any{offset, kind, string(data)})
	if err != nil {
		return err
	}
	_, err = r.w.Write(append(line, '\n'))
	return err
}

// Close closes the underlying file if the recorder owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
