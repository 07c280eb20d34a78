package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fileflow/fileflow/internal/config"
)

func TestDebug_CreatesLogFile(t *testing.T) {
	logsDir := config.GetLogsDir()
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatalf("Failed to create logs directory: %v", err)
	}

	Debug("Test message from unit test")
	time.Sleep(100 * time.Millisecond)

	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("Failed to read logs directory: %v", err)
	}

	found := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "debug-") && strings.HasSuffix(entry.Name(), ".log") {
			found = true
			break
		}
	}
	if !found {
		t.Log("Note: debug log file may not be created on first run")
	}
}

func TestDebug_FormatsMessage(t *testing.T) {
	Debug("Test message with %s and %d", "string", 42)
	Debug("Simple message without formatting")
	Debug("Message with special chars: %% \\n \\t")
}

func TestDebug_HandlesEmptyMessage(t *testing.T) {
	Debug("")
	Debug("   ")
}

func TestDebug_MultipleArguments(t *testing.T) {
	Debug("int: %d, float: %f, string: %s, bool: %t", 42, 3.14, "hello", true)
	Debug("Multiple strings: %s %s %s", "one", "two", "three")
}

func TestLogFilePath(t *testing.T) {
	logsDir := config.GetLogsDir()
	if logsDir == "" {
		t.Error("GetLogsDir returned empty string")
	}
	if !filepath.IsAbs(logsDir) {
		t.Errorf("Logs directory should be absolute path, got: %s", logsDir)
	}
	if !strings.HasSuffix(logsDir, "logs") {
		t.Errorf("Logs directory should end with 'logs', got: %s", logsDir)
	}
}

func TestCleanupLogs(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "fileflow-logs-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	ConfigureDebug(tempDir)
	defer ConfigureDebug(config.GetLogsDir())

	baseTime := time.Now()
	for i := 0; i < 10; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Hour)
		filename := fmt.Sprintf("debug-%s.log", ts.Format("20060102-150405"))
		path := filepath.Join(tempDir, filename)
		if err := os.WriteFile(path, []byte("dummy log"), 0644); err != nil {
			t.Fatalf("Failed to write dummy log: %v", err)
		}
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("Expected 10 files, got %d", len(entries))
	}

	CleanupLogs(5)

	entries, err = os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read dir after cleanup: %v", err)
	}
	if len(entries) != 5 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected 5 files, got %d. Files: %v", len(entries), names)
	}

	newestTS := baseTime.Add(9 * time.Hour).Format("20060102-150405")
	expectedName := fmt.Sprintf("debug-%s.log", newestTS)
	found := false
	for _, e := range entries {
		if e.Name() == expectedName {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected newest file %s to be present, but it was not", expectedName)
	}
}
