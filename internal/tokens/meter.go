// Package tokens records per-invocation token usage in an append-only
// per-workspace JSONL log and answers simple aggregation queries.
package tokens

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// InvocationType labels what triggered an invocation.
type InvocationType string

const (
	InvocationUser      InvocationType = "user"
	InvocationCron      InvocationType = "cron"
	InvocationHeartbeat InvocationType = "heartbeat"
	InvocationSubagent  InvocationType = "subagent"
)

// Entry is one usage log line.
type Entry struct {
	TS             time.Time      `json:"ts"`
	Workspace      string         `json:"workspace"`
	InvocationType InvocationType `json:"invocation_type"`
	SessionKey     string         `json:"session_key,omitempty"`
	InputTokens    int64          `json:"input_tokens"`
	OutputTokens   int64          `json:"output_tokens"`
	TotalTokens    int64          `json:"total_tokens"`
	LLMCalls       int            `json:"llm_calls"`
	DurationMs     int64          `json:"duration_ms"`
	Model          string         `json:"model"`
}

// Totals is an aggregation over entries.
type Totals struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	LLMCalls     int
	Invocations  int
}

func (t *Totals) add(e Entry) {
	t.InputTokens += e.InputTokens
	t.OutputTokens += e.OutputTokens
	t.TotalTokens += e.TotalTokens
	t.LLMCalls += e.LLMCalls
	t.Invocations++
}

// Meter appends entries to one workspace log. Writers marshal outside the
// lock; the mutex is held only for the append so concurrent dispatch
// workers never interleave partial lines.
type Meter struct {
	mu        sync.Mutex
	path      string
	workspace string

	now func() time.Time
}

// NewMeter creates a meter writing to path for the named workspace.
func NewMeter(workspace, path string) *Meter {
	return &Meter{path: path, workspace: workspace, now: time.Now}
}

// Log appends one entry. Missing TS/Workspace/TotalTokens are filled in.
func (m *Meter) Log(e Entry) error {
	if e.TS.IsZero() {
		e.TS = m.now().UTC()
	}
	if e.Workspace == "" {
		e.Workspace = m.workspace
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.InputTokens + e.OutputTokens
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// Today aggregates entries whose timestamp falls on the current UTC day.
func (m *Meter) Today() (Totals, error) {
	day := m.now().UTC().Truncate(24 * time.Hour)
	return m.aggregate(func(e Entry) bool {
		return !e.TS.Before(day) && e.TS.Before(day.Add(24*time.Hour))
	})
}

// BySession aggregates entries for one session key.
func (m *Meter) BySession(sessionKey string) (Totals, error) {
	return m.aggregate(func(e Entry) bool { return e.SessionKey == sessionKey })
}

// All aggregates every entry in the log.
func (m *Meter) All() (Totals, error) {
	return m.aggregate(func(Entry) bool { return true })
}

func (m *Meter) aggregate(match func(Entry) bool) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var t Totals
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // skip torn or foreign lines
		}
		if match(e) {
			t.add(e)
		}
	}
	return t, sc.Err()
}
