package store

import (
	"fmt"
	"sync"
	"time"
)

// SubAgentStore owns the sub-agent request/result document for one
// workspace. All methods are safe for concurrent use; every mutation is
// persisted before returning.
type SubAgentStore struct {
	mu   sync.Mutex
	path string
	doc  subagentDoc

	now func() time.Time
}

// NewSubAgentStore opens (or creates) the store at path. A corrupted file
// is replaced by an empty document; opening never fails on content.
func NewSubAgentStore(path string) *SubAgentStore {
	s := &SubAgentStore{path: path, now: time.Now}
	if !loadDoc(path, &s.doc) {
		s.doc = subagentDoc{}
	}
	s.doc.Version = 1
	return s
}

// AddRequest persists a new request. Status defaults to pending.
func (s *SubAgentStore) AddRequest(r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.doc.Requests = append(s.doc.Requests, r)
	return s.saveLocked()
}

// GetRequest returns a copy of the request with the given id.
func (s *SubAgentStore) GetRequest(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.doc.Requests {
		if r.ID == id {
			return r, true
		}
	}
	return Request{}, false
}

// SetStatus transitions a request and stamps started_at/completed_at as the
// status demands.
func (s *SubAgentStore) SetStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Requests {
		if s.doc.Requests[i].ID != id {
			continue
		}
		r := &s.doc.Requests[i]
		r.Status = status
		now := s.now().UTC()
		switch {
		case status == StatusRunning && r.StartedAt == nil:
			r.StartedAt = &now
		case IsTerminal(status) && r.CompletedAt == nil:
			r.CompletedAt = &now
		}
		return s.saveLocked()
	}
	return fmt.Errorf("subagent store: unknown request %q", id)
}

// SaveResult persists the outcome for a request, replacing any prior result
// with the same request id.
func (s *SubAgentStore) SaveResult(res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Results {
		if s.doc.Results[i].RequestID == res.RequestID {
			s.doc.Results[i] = res
			return s.saveLocked()
		}
	}
	s.doc.Results = append(s.doc.Results, res)
	return s.saveLocked()
}

// GetResult returns the result for a request id.
func (s *SubAgentStore) GetResult(requestID string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.doc.Results {
		if r.RequestID == requestID {
			return r, true
		}
	}
	return Result{}, false
}

// Active returns copies of all pending/running requests.
func (s *SubAgentStore) Active() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.doc.Requests {
		if !IsTerminal(r.Status) {
			out = append(out, r)
		}
	}
	return out
}

// Recent returns up to limit requests, newest first.
func (s *SubAgentStore) Recent(limit int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.doc.Requests)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Request, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.doc.Requests[i])
	}
	return out
}

// CleanupStale enforces the store's hygiene rules in order: time out
// pending/running requests older than their own timeout, prune terminal
// requests older than maxAge, then drop results whose request is gone.
// Idempotent.
func (s *SubAgentStore) CleanupStale(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	changed := false

	for i := range s.doc.Requests {
		r := &s.doc.Requests[i]
		if IsTerminal(r.Status) {
			continue
		}
		timeout := time.Duration(r.TimeoutMin) * time.Minute
		if timeout <= 0 {
			continue
		}
		if now.Sub(r.CreatedAt) > timeout {
			r.Status = StatusTimedOut
			ts := now
			r.CompletedAt = &ts
			r.Notes = append(r.Notes, fmt.Sprintf("[auto] Marked failed: stale for >%dm", r.TimeoutMin))
			changed = true
		}
	}

	kept := s.doc.Requests[:0]
	for _, r := range s.doc.Requests {
		if IsTerminal(r.Status) && r.CompletedAt != nil && now.Sub(*r.CompletedAt) > maxAge {
			changed = true
			continue
		}
		kept = append(kept, r)
	}
	s.doc.Requests = kept

	ids := make(map[string]bool, len(s.doc.Requests))
	for _, r := range s.doc.Requests {
		ids[r.ID] = true
	}
	results := s.doc.Results[:0]
	for _, res := range s.doc.Results {
		if !ids[res.RequestID] {
			changed = true
			continue
		}
		results = append(results, res)
	}
	s.doc.Results = results

	if !changed {
		return nil
	}
	return s.saveLocked()
}

func (s *SubAgentStore) saveLocked() error {
	s.doc.LastUpdated = s.now().UTC()
	return writeAtomic(s.path, &s.doc)
}
