// Package audit records tool plugin activity as JSON lines.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of plugin event being logged.
type EventType string

const (
	EventTypeLoad     EventType = "load"
	EventTypeUnload   EventType = "unload"
	EventTypeInvoke   EventType = "invoke"
	EventTypeTimeout  EventType = "timeout"
	EventTypeRejected EventType = "rejected"
)

// Event represents a single audit log entry for a plugin operation.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Plugin       string         `json:"plugin"`
	RunID        string         `json:"run_id,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	EventType    EventType      `json:"event_type"`
	Success      bool           `json:"success"`
	Duration     time.Duration  `json:"-"`
	ErrorMessage string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes the duration in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		alias
		DurationMS int64 `json:"duration_ms"`
	}{
		alias:      alias(e),
		DurationMS: e.Duration.Milliseconds(),
	})
}

// Logger appends events to a file. A nil or disabled Logger drops events.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	encoder *json.Encoder
	now     func() time.Time
}

// NewLogger opens path for appending, creating its directory. An empty
// path returns a disabled logger.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path comes from the state directory
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		file:    file,
		path:    path,
		encoder: json.NewEncoder(file),
		now:     time.Now,
	}, nil
}

// Log writes e, stamping it when Timestamp is zero.
func (l *Logger) Log(e Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.encoder == nil {
		return nil
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if err := l.encoder.Encode(e); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Load records a plugin start. errMsg is empty on success.
func (l *Logger) Load(plugin, errMsg string) error {
	return l.Log(Event{Plugin: plugin, EventType: EventTypeLoad, Success: errMsg == "", ErrorMessage: errMsg})
}

// Unload records a plugin shutdown.
func (l *Logger) Unload(plugin string) error {
	return l.Log(Event{Plugin: plugin, EventType: EventTypeUnload, Success: true})
}

// Invoke records one stage invocation. errMsg is empty on success.
func (l *Logger) Invoke(plugin, runID, stage string, d time.Duration, errMsg string) error {
	return l.Log(Event{
		Plugin:       plugin,
		RunID:        runID,
		Stage:        stage,
		EventType:    EventTypeInvoke,
		Success:      errMsg == "",
		Duration:     d,
		ErrorMessage: errMsg,
	})
}

// Timeout records an invocation that ran past its limit.
func (l *Logger) Timeout(plugin, runID, stage string, d time.Duration) error {
	return l.Log(Event{
		Plugin:       plugin,
		RunID:        runID,
		Stage:        stage,
		EventType:    EventTypeTimeout,
		Duration:     d,
		ErrorMessage: "operation timed out",
	})
}

// Rejected records a plugin refused before it ran.
func (l *Logger) Rejected(plugin, reason string) error {
	return l.Log(Event{Plugin: plugin, EventType: EventTypeRejected, ErrorMessage: reason})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	l.file = nil
	l.encoder = nil
	return err
}

// Path returns the file path of the audit log.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Enabled reports whether events are written.
func (l *Logger) Enabled() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder != nil
}
