package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shellport/shellport/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logFile *lumberjack.Logger
	mu      sync.Mutex
)

func logPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	return filepath.Join(config.Cfg.DataPath, "shellport.log")
}

// Init sets up dual logging to stdout and a rotating log file.
// Must be called after config.Load().
func Init() {
	path := logPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	mu.Lock()
	logFile = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.Cfg.LogMaxSizeMB,
		MaxBackups: config.Cfg.LogMaxBackups,
		MaxAge:     config.Cfg.LogMaxAgeDays,
		Compress:   config.Cfg.LogCompression,
	}
	mw := io.MultiWriter(os.Stdout, logFile)
	mu.Unlock()

	log.SetOutput(mw)
	log.Printf("Logging to file: %s", path)
}

// Close flushes and closes the rotating log file. Output reverts to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

// ReadTail returns the last n lines from the active log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	// Increase buffer for potentially long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n"), nil
}

// Clear rotates the active log file away and truncates it.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	if err := os.Truncate(logPath(), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return nil
}
