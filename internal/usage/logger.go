// Package usage records per-turn token usage in daily JSONL files.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogEntry is one finalized assistant turn.
type LogEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	AccountID      string    `json:"account_id"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
}

// Logger writes usage entries to daily JSONL files
type Logger struct {
	baseDir string
	mu      sync.Mutex
}

// NewLogger writes under dir, or DefaultDir() when dir is empty.
func NewLogger(dir string) *Logger {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Logger{baseDir: dir}
}

// Dir returns the directory entries are written to.
func (l *Logger) Dir() string {
	return l.baseDir
}

// Log writes a usage entry to the appropriate daily file
func (l *Logger) Log(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.baseDir, 0755); err != nil {
		return err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	date := entry.Timestamp.Format("2006-01-02")
	filename := filepath.Join(l.baseDir, date+".jsonl")

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n"); err != nil {
		return err
	}
	return w.Flush()
}

// DefaultDir returns the XDG data directory for usage logs
func DefaultDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "echochat", "usage")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".echochat", "usage")
	}

	return filepath.Join(homeDir, ".local", "share", "echochat", "usage")
}
