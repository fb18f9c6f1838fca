// Package transcript appends chat messages to plain-text files.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/john/chatwatch/internal/message"
)

const timeLayout = "2006-01-02 15:04:05"

// Format renders m as one transcript line, in local time:
//
//	2024-05-01 14:03:12 Mod1(mod1): hello
func Format(m message.Message) string {
	return fmt.Sprintf("%s %s(%s): %s\n", m.SentAt.In(time.Local).Format(timeLayout), m.DisplayName, m.Login, m.Text)
}

// Sink is one transcript target together with the outcome of its last
// write. A failed write leaves the sink in place; the next message retries.
// A Sink is not safe for concurrent use.
type Sink struct {
	path    string
	lastErr error
}

// NewSink returns a sink appending to path. No file is touched until the
// first write.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Path returns the target file.
func (s *Sink) Path() string { return s.path }

// Record stores the outcome of a write.
func (s *Sink) Record(err error) { s.lastErr = err }

// Status reports the sink target and the last write error, if any.
func (s *Sink) Status() Status {
	st := Status{Path: s.path}
	if s.lastErr != nil {
		st.Err = s.lastErr.Error()
	}
	return st
}

// Status is a point-in-time view of a Sink.
type Status struct {
	Path string `json:"path"`
	Err  string `json:"error,omitempty"`
}

// OK reports whether the last write succeeded (or none happened yet).
func (s Status) OK() bool { return s.Err == "" }

// Append writes line to the end of path, creating the file if needed.
func Append(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	return nil
}

// Clean normalizes a configured transcript path. An empty path stays empty.
func Clean(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
