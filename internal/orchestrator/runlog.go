package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RunLog appends events to a JSONL file under .foreman/logs, one file
// per run. The log is an audit trail; writes are best effort and a
// failed write never stops the run.
type RunLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// RunLogPath returns the log path for a run.
func RunLogPath(projectRoot, runID string) string {
	return filepath.Join(projectRoot, ".foreman", "logs", runID+".jsonl")
}

// OpenRunLog opens (appending) the log file for a run, creating parent
// directories as needed.
func OpenRunLog(projectRoot, runID string) (*RunLog, error) {
	path := RunLogPath(projectRoot, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLog{file: file, path: path}, nil
}

// Append writes one event as a JSON line.
func (l *RunLog) Append(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Path returns the log file path.
func (l *RunLog) Path() string {
	return l.path
}

// Close closes the log file.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
