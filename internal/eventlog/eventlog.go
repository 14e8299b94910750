package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/autodev/internal/ndjson"
	"github.com/iambrandonn/autodev/internal/protocol"
)

// EventLog appends task events to an NDJSON archive file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	written int
}

// PathFor returns the archive path of a task inside an events directory
func PathFor(eventsDir, taskID string) string {
	return filepath.Join(eventsDir, taskID+".ndjson")
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// WriteEvent writes an event to the log
func (l *EventLog) WriteEvent(evt protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(evt); err != nil {
		return err
	}
	l.written++
	return nil
}

// Drain writes every event received until the channel closes.
// Write failures are logged and skipped so the channel is always consumed.
func (l *EventLog) Drain(events <-chan protocol.Event) int {
	for evt := range events {
		if err := l.WriteEvent(evt); err != nil {
			l.logger.Warn("failed to archive event", "type", evt.Type(), "error", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
