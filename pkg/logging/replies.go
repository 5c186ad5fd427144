package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ReplyLogger keeps raw model replies in daily files so parse failures can be
// diagnosed after the fact. Files are named replies-YYYY-MM-DD.log.
type ReplyLogger struct {
	dir     string
	file    *os.File
	path    string
	mu      sync.Mutex
	lastDay string
}

// NewReplyLogger creates a reply logger that writes to dir.
func NewReplyLogger(dir string) (*ReplyLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reply log dir: %w", err)
	}

	l := &ReplyLogger{dir: dir}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// WriteReply appends one raw reply with a header naming where it came from.
func (l *ReplyLogger) WriteReply(runID, personaID, provider, model string, attempt int, reply string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if today := time.Now().Format("2006-01-02"); today != l.lastDay {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	if l.file == nil {
		return nil
	}

	header := fmt.Sprintf("\n=== [%s] run=%s persona=%s provider=%s model=%s attempt=%d ===\n",
		time.Now().Format("15:04:05"), runID, personaID, provider, model, attempt)
	if _, err := l.file.WriteString(header); err != nil {
		return err
	}
	if _, err := l.file.WriteString(reply); err != nil {
		return err
	}
	_, err := l.file.WriteString("\n")
	return err
}

// Path returns the current log file path.
func (l *ReplyLogger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Close closes the log file.
func (l *ReplyLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *ReplyLogger) rotateLocked() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	today := time.Now().Format("2006-01-02")
	l.lastDay = today
	l.path = filepath.Join(l.dir, "replies-"+today+".log")

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open reply log: %w", err)
	}
	l.file = file
	return nil
}
