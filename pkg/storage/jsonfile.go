package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ha1tch/storysync/pkg/models"
)

// JSONFileAuditLog appends finalized runs to a JSON-lines file. Existing
// lines are never rewritten.
type JSONFileAuditLog struct {
	path string
	mu   sync.Mutex
}

// NewJSONFileAuditLog creates the parent directory of path if needed
func NewJSONFileAuditLog(path string) (*JSONFileAuditLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	return &JSONFileAuditLog{path: path}, nil
}

// Path returns the log file location
func (l *JSONFileAuditLog) Path() string {
	return l.path
}

// Append writes one run as a single line
func (l *JSONFileAuditLog) Append(run *models.MigrationRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to audit log: %w", err)
	}
	return f.Sync()
}

// ReadAll returns every run in the log, oldest first
func (l *JSONFileAuditLog) ReadAll() ([]*models.MigrationRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var runs []*models.MigrationRun
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		run := &models.MigrationRun{}
		if err := json.Unmarshal(scanner.Bytes(), run); err != nil {
			return nil, fmt.Errorf("failed to parse audit log line %d: %w", line, err)
		}
		runs = append(runs, run)
	}
	return runs, scanner.Err()
}

// Find returns the last logged entry for a run id
func (l *JSONFileAuditLog) Find(runID string) (*models.MigrationRun, error) {
	runs, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].RunID == runID {
			return runs[i], nil
		}
	}
	return nil, ErrRunNotFound
}
