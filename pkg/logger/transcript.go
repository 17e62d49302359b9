package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultTranscriptPath = ".minichat/logs/chat.history"

var (
	transcript   *os.File
	transcriptMu sync.Mutex
)

// InitTranscript opens the chat transcript file. With cont set the file is
// appended to, otherwise it is truncated.
func InitTranscript(path string, cont bool) error {
	transcriptMu.Lock()
	defer transcriptMu.Unlock()

	if path == "" {
		path = defaultTranscriptPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	marker := "Chat Session Started"
	if cont {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		marker = "Chat Session Continued"
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	if transcript != nil {
		transcript.Close()
	}
	transcript = f

	_, err = fmt.Fprintf(f, "=== %s %s ===\n", marker, time.Now().Format(time.RFC3339))
	return err
}

// LogTranscript appends one finished message to the transcript.
func LogTranscript(role, content string) error {
	transcriptMu.Lock()
	defer transcriptMu.Unlock()

	if transcript == nil {
		return nil
	}
	content = strings.ReplaceAll(content, "\n", "\n  ")
	_, err := fmt.Fprintf(transcript, "[%s] %s: %s\n", time.Now().Format("15:04:05"), role, content)
	return err
}

// CloseTranscript closes the transcript file if open.
func CloseTranscript() error {
	transcriptMu.Lock()
	defer transcriptMu.Unlock()

	if transcript == nil {
		return nil
	}
	err := transcript.Close()
	transcript = nil
	return err
}
