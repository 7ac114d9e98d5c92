// Package logbook keeps the append-only release log under .cascade/logs.
package logbook

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

type sink struct {
	mu       sync.Mutex
	path     string
	echo     io.Writer
	echoFrom Level
}

// Logbook persists release progress to a text file. A nil *Logbook discards
// everything, so callers never need to guard their log calls.
type Logbook struct {
	sink  *sink
	clock func() time.Time
	scope string
}

// Option customizes a Logbook.
type Option func(*Logbook)

// WithClock injects the clock used to stamp entries.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithEcho mirrors entries at or above min to w (used for --verbose).
func WithEcho(w io.Writer, min Level) Option {
	return func(l *Logbook) {
		l.sink.echo = w
		l.sink.echoFrom = min
	}
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	l := &Logbook{sink: &sink{path: path}, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.sink.path
}

// With returns a logbook writing to the same file whose entries are tagged
// with scope, e.g. a release id or a component name.
func (l *Logbook) With(scope string) *Logbook {
	if l == nil {
		return nil
	}
	child := *l
	if child.scope != "" {
		child.scope += " " + scope
	} else {
		child.scope = scope
	}
	return &child
}

// Append writes a single entry to the logbook. Write failures are dropped.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	message = strings.TrimSpace(message)
	if l.scope != "" {
		message = "[" + l.scope + "] " + message
	}
	line := fmt.Sprintf("%s %-5s %s\n", l.clock().UTC().Format(time.RFC3339), string(level), message)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.echo != nil && level.rank() >= l.sink.echoFrom.rank() {
		_, _ = io.WriteString(l.sink.echo, line)
	}
	file, err := os.OpenFile(l.sink.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries and the total number
// of entries in the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	file, err := os.Open(l.sink.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return lines, total
}

// Debug appends a diagnostic entry.
func (l *Logbook) Debug(format string, args ...any) {
	l.Append(LevelDebug, fmt.Sprintf(format, args...))
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
