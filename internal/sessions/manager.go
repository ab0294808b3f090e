// Package sessions maps external session keys to model-side thread ids and
// manages conversation rotation.
//
// A session is identified by "<channel>:<external-id>". Each session owns a
// conversation id of the form conv_{YYYY-MM-DDTHH-MM-SS-ffffff} (UTC, so ids
// sort chronologically); the backing thread id is
// "{session_key}:{conversation_id}". Rotation never reuses a past id.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the per-session bookkeeping.
type State struct {
	SessionKey     string    `json:"session_key"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	MessageCount   int       `json:"message_count"`
}

// Archive records a closed conversation.
type Archive struct {
	SessionKey     string    `json:"session_key"`
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary,omitempty"`
	Tag            string    `json:"tag"` // "manual" (/new) or "compact"
	ClosedAt       time.Time `json:"closed_at"`
}

// Manager owns session state for one workspace. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
	storage  string // directory for persisted state; "" = memory only
	lastConv time.Time

	now func() time.Time
}

// NewManager creates a manager persisting under storage (created if needed).
// Pass "" for a memory-only manager.
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*State),
		storage:  storage,
		now:      time.Now,
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
		m.loadAll()
	}
	return m
}

// ThreadID resolves the backing thread id, creating session state on first
// call. Idempotent.
func (m *Manager) ThreadID(sessionKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(sessionKey)
	return threadID(sessionKey, s.ConversationID)
}

// GetState returns a copy of the session state, or nil if never seen.
func (m *Manager) GetState(sessionKey string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// NewConversation rotates the conversation id and returns the prior id so
// the caller can archive it. Creates the session if needed.
func (m *Manager) NewConversation(sessionKey string) (oldConversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(sessionKey)
	old := s.ConversationID
	s.ConversationID = m.nextConversationIDLocked()
	s.StartedAt = m.now().UTC()
	s.MessageCount = 0
	m.saveLocked(s)
	return old
}

// Increment bumps the session's message count.
func (m *Manager) Increment(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(sessionKey)
	s.MessageCount++
	m.saveLocked(s)
}

// ArchiveConversation appends an archive record for a rotated conversation.
// An empty summary is stored as absent.
func (m *Manager) ArchiveConversation(sessionKey, conversationID, summary, tag string) error {
	if m.storage == "" || conversationID == "" {
		return nil
	}

	rec := Archive{
		SessionKey:     sessionKey,
		ConversationID: conversationID,
		Summary:        summary,
		Tag:            tag,
		ClosedAt:       m.now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.storage, "archive.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// getOrCreateLocked must be called with m.mu held.
func (m *Manager) getOrCreateLocked(sessionKey string) *State {
	if s, ok := m.sessions[sessionKey]; ok {
		return s
	}
	s := &State{
		SessionKey:     sessionKey,
		ConversationID: m.nextConversationIDLocked(),
		StartedAt:      m.now().UTC(),
	}
	m.sessions[sessionKey] = s
	m.saveLocked(s)
	return s
}

// nextConversationIDLocked produces a strictly monotonic conversation id.
// If two rotations land in the same microsecond the timestamp is advanced
// so the id never repeats.
func (m *Manager) nextConversationIDLocked() string {
	ts := m.now().UTC()
	if !ts.After(m.lastConv) {
		ts = m.lastConv.Add(time.Microsecond)
	}
	m.lastConv = ts
	return fmt.Sprintf("conv_%s-%06d", ts.Format("2006-01-02T15-04-05"), ts.Nanosecond()/1000)
}

func threadID(sessionKey, conversationID string) string {
	return fmt.Sprintf("%s:%s", sessionKey, conversationID)
}

// saveLocked persists one session atomically. Must be called with m.mu held.
// Persistence failures are swallowed: session state survives in memory and
// the next save retries.
func (m *Manager) saveLocked(s *State) {
	if m.storage == "" {
		return
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return
	}

	name := sanitizeFilename(s.SessionKey)
	if name == "" || !filepath.IsLocal(name) {
		return
	}
	final := filepath.Join(m.storage, name+".json")

	tmp, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return
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
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return
	}
	tmp.Close()
	if os.Rename(tmpPath, final) == nil {
		ok = true
	}
}

func (m *Manager) loadAll() {
	entries, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, e.Name()))
		if err != nil {
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err != nil || s.SessionKey == "" {
			continue
		}
		m.sessions[s.SessionKey] = &s
		// Keep the monotonic floor above everything already issued.
		if ts, ok := parseConversationTime(s.ConversationID); ok && ts.After(m.lastConv) {
			m.lastConv = ts
		}
	}
}

func parseConversationTime(conversationID string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(conversationID, "conv_")
	if !ok || len(raw) < 7 {
		return time.Time{}, false
	}
	// conv_2026-08-26T09-15-30-042117 → timestamp + microsecond suffix.
	base, micros := raw[:len(raw)-7], raw[len(raw)-6:]
	ts, err := time.Parse("2006-01-02T15-04-05", base)
	if err != nil {
		return time.Time{}, false
	}
	var us int
	if _, err := fmt.Sscanf(micros, "%d", &us); err != nil {
		return time.Time{}, false
	}
	return ts.Add(time.Duration(us) * time.Microsecond), true
}

func sanitizeFilename(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}
