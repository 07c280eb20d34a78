package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fileflow/fileflow/internal/config"
)

var (
	logMu      sync.Mutex
	logger     *log.Logger
	logFile    *os.File
	configured bool
)

// ConfigureDebug points the debug logger at dir, opening a fresh
// timestamped log file there. Safe to call more than once, unlike a
// sync.Once-guarded initializer, so tests can redirect it to a temp dir.
func ConfigureDebug(dir string) {
	logMu.Lock()
	defer logMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	configured = false

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger = log.New(io.Discard, "", 0)
		return
	}

	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger = log.New(io.Discard, "", 0)
		return
	}
	logFile = f
	logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	configured = true
}

func ensureConfigured(dir string) {
	logMu.Lock()
	already := configured
	logMu.Unlock()
	if !already {
		ConfigureDebug(dir)
	}
}

// Debug writes a leveled debug line, lazily configuring the logger
// against the default logs directory on first use. Mirrors the
// teacher's single Debug(format, args...) entrypoint used throughout
// every other package.
func Debug(format string, args ...interface{}) {
	ensureConfigured(config.GetLogsDir())

	logMu.Lock()
	l := logger
	logMu.Unlock()
	if l == nil {
		return
	}
	l.Printf(format, args...)
}

// CleanupLogs removes the oldest debug log files in the configured
// directory, keeping only the keep newest ones.
func CleanupLogs(keep int) {
	logMu.Lock()
	f := logFile
	logMu.Unlock()

	var dir string
	if f != nil {
		dir = filepath.Dir(f.Name())
	} else {
		dir = config.GetLogsDir()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logs []os.DirEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "debug-") && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, e)
		}
	}
	if len(logs) <= keep {
		return
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].Name() < logs[j].Name() })

	toRemove := len(logs) - keep
	for _, e := range logs[:toRemove] {
		os.Remove(filepath.Join(dir, e.Name()))
	}
}
