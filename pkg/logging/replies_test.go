package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReplyLogger_WriteReply(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewReplyLogger(dir)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	if err := logger.WriteReply("run-1", "p-3", "openai", "gpt-4o-mini", 2, "not json at all"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	logger.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "replies-*.log"))
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}

	content, _ := os.ReadFile(files[0])
	text := string(content)
	if !strings.Contains(text, "run=run-1 persona=p-3 provider=openai model=gpt-4o-mini attempt=2") {
		t.Errorf("missing header in %q", text)
	}
	if !strings.Contains(text, "not json at all") {
		t.Errorf("missing reply body in %q", text)
	}
}

func TestReplyLogger_Nil(t *testing.T) {
	var logger *ReplyLogger
	if err := logger.WriteReply("r", "p", "x", "m", 1, "body"); err != nil {
		t.Errorf("nil WriteReply returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestReplyLogger_PathAfterClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewReplyLogger(dir)
	if err != nil {
		t.Fatal(err)
	}
	path := logger.Path()
	if filepath.Dir(path) != dir {
		t.Errorf("Path() = %q, want inside %q", path, dir)
	}
	logger.Close()
	if err := logger.WriteReply("r", "p", "x", "m", 1, "after close"); err != nil {
		t.Errorf("write after close returned %v", err)
	}
}
