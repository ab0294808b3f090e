// Package store persists sub-agent requests/results and task records as
// versioned YAML documents with atomic replace.
package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Status values for sub-agent requests.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// IsTerminal reports whether a request status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Request is a persisted sub-agent spawn request.
type Request struct {
	ID               string     `yaml:"id"`
	ParentSessionKey string     `yaml:"parent_session_key"`
	Task             string     `yaml:"task"`
	Label            string     `yaml:"label"`
	Status           string     `yaml:"status"`
	TimeoutMin       int        `yaml:"timeout_min"`
	Notify           bool       `yaml:"notify"`
	AllowedTools     []string   `yaml:"allowed_tools,omitempty"`
	DeniedTools      []string   `yaml:"denied_tools,omitempty"`
	Notes            []string   `yaml:"notes,omitempty"`
	CreatedAt        time.Time  `yaml:"created_at"`
	StartedAt        *time.Time `yaml:"started_at,omitempty"`
	CompletedAt      *time.Time `yaml:"completed_at,omitempty"`
}

// Result is the persisted outcome of a sub-agent run.
type Result struct {
	RequestID  string `yaml:"request_id"`
	Output     string `yaml:"output"`
	TokenCount int64  `yaml:"token_count"`
	DurationMs int64  `yaml:"duration_ms"`
	Error      string `yaml:"error,omitempty"`
}

type subagentDoc struct {
	Version     int       `yaml:"version"`
	LastUpdated time.Time `yaml:"last_updated"`
	Requests    []Request `yaml:"requests"`
	Results     []Result  `yaml:"results"`
}

// writeAtomic marshals doc and replaces path via temp+fsync+rename.
func writeAtomic(path string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	ok = true
	return nil
}

// loadDoc reads path into out. Missing files leave out untouched. Read and
// parse failures warn and report false so the caller can reset to an empty
// document instead of failing init.
func loadDoc(path string, out any) bool {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return true
	}
	if err != nil {
		slog.Warn("store: read failed, starting empty", "path", path, "error", err)
		return false
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		slog.Warn("store: parse failed, starting empty", "path", path, "error", err)
		return false
	}
	return true
}
