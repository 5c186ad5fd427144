package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a config string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Category represents the subsystem generating the log
type Category string

const (
	CategoryRun     Category = "run"
	CategoryEntry   Category = "entry"
	CategoryGateway Category = "gateway"
	CategoryParse   Category = "parse"
	CategoryUsage   Category = "usage"
	CategoryStorage Category = "storage"
	CategoryHTTP    Category = "http"
	CategoryBus     Category = "bus"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	Instance  string         `json:"instance,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	EntryID   string         `json:"entry_id,omitempty"`
	PersonaID string         `json:"persona_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured events to multiple destinations.
// A nil *Logger discards everything.
type Logger struct {
	instance string
	baseDir  string
	main     io.Writer
	closers  []io.Closer
	errorOut io.Writer
	usageOut io.Writer
	mu       sync.Mutex
	minLevel Level
}

// NewLogger creates a logger writing to <baseDir>/events/<instance>.jsonl,
// with error events duplicated into errors.jsonl and usage events into
// usage.jsonl.
func NewLogger(baseDir, instance string) (*Logger, error) {
	eventsDir := filepath.Join(baseDir, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	open := func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}

	mainFile, err := open(filepath.Join(eventsDir, instance+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	errorFile, err := open(filepath.Join(baseDir, "errors.jsonl"))
	if err != nil {
		mainFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}
	usageFile, err := open(filepath.Join(baseDir, "usage.jsonl"))
	if err != nil {
		mainFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}

	return &Logger{
		instance: instance,
		baseDir:  baseDir,
		main:     mainFile,
		errorOut: errorFile,
		usageOut: usageFile,
		closers:  []io.Closer{mainFile, errorFile, usageFile},
		minLevel: LevelInfo,
	}, nil
}

// NewWriterLogger logs every event as JSON lines to w only.
func NewWriterLogger(w io.Writer, instance string) *Logger {
	return &Logger{instance: instance, main: w, minLevel: LevelInfo}
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Instance == "" {
		event.Instance = l.instance
	}
	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.main != nil {
		if _, err := l.main.Write(data); err != nil {
			return fmt.Errorf("failed to write event log: %w", err)
		}
	}
	if event.Level == LevelError && l.errorOut != nil {
		if _, err := l.errorOut.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}
	if event.Category == CategoryUsage && l.usageOut != nil {
		if _, err := l.usageOut.Write(data); err != nil {
			return fmt.Errorf("failed to write to usage log: %w", err)
		}
	}
	return nil
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last count events from a JSONL log.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}

	if len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
