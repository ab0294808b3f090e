package store

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestSubAgentStore(t *testing.T) *SubAgentStore {
	t.Helper()
	return NewSubAgentStore(filepath.Join(t.TempDir(), "subagents.yaml"))
}

func TestRequestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subagents.yaml")

	s1 := NewSubAgentStore(path)
	req := Request{
		ID:               "r1",
		ParentSessionKey: "telegram:1",
		Task:             "summarize the repo",
		Label:            "summary",
		TimeoutMin:       30,
		Notify:           true,
		AllowedTools:     []string{"read_file"},
	}
	if err := s1.AddRequest(req); err != nil {
		t.Fatal(err)
	}
	if err := s1.SetStatus("r1", StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s1.SaveResult(Result{RequestID: "r1", Output: "done", TokenCount: 42, DurationMs: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := s1.SetStatus("r1", StatusCompleted); err != nil {
		t.Fatal(err)
	}

	s2 := NewSubAgentStore(path)
	got, ok := s2.GetRequest("r1")
	if !ok {
		t.Fatal("request lost on reload")
	}
	if got.Status != StatusCompleted || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("request = %+v", got)
	}
	if !reflect.DeepEqual(got.AllowedTools, req.AllowedTools) {
		t.Errorf("allowed tools = %v", got.AllowedTools)
	}
	res, ok := s2.GetResult("r1")
	if !ok || res.Output != "done" || res.TokenCount != 42 {
		t.Errorf("result = %+v ok=%v", res, ok)
	}
}

func TestCorruptedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subagents.yaml")
	if err := os.WriteFile(path, []byte("{{{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSubAgentStore(path)
	if got := s.Recent(0); len(got) != 0 {
		t.Errorf("recent = %v", got)
	}
	if err := s.AddRequest(Request{ID: "r1", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}
}

func TestSetStatusUnknownRequest(t *testing.T) {
	s := newTestSubAgentStore(t)
	if err := s.SetStatus("missing", StatusRunning); err == nil {
		t.Error("want error for unknown request")
	}
}

func TestActiveAndRecent(t *testing.T) {
	s := newTestSubAgentStore(t)
	s.AddRequest(Request{ID: "a", Status: StatusPending})
	s.AddRequest(Request{ID: "b", Status: StatusRunning})
	s.AddRequest(Request{ID: "c", Status: StatusCompleted})

	active := s.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d", len(active))
	}

	recent := s.Recent(2)
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestCleanupStaleTimesOutBeforePruning(t *testing.T) {
	s := newTestSubAgentStore(t)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	// Stale running request: created 2h ago with a 30m timeout.
	s.AddRequest(Request{ID: "stale", Status: StatusRunning, TimeoutMin: 30, CreatedAt: base.Add(-2 * time.Hour)})
	// Fresh running request stays.
	s.AddRequest(Request{ID: "fresh", Status: StatusRunning, TimeoutMin: 30, CreatedAt: base.Add(-5 * time.Minute)})
	// Old terminal request gets pruned, and its result with it.
	old := base.Add(-48 * time.Hour)
	s.AddRequest(Request{ID: "ancient", Status: StatusCompleted, CreatedAt: old, CompletedAt: &old})
	s.SaveResult(Result{RequestID: "ancient", Output: "x"})
	// Orphaned result dropped.
	s.SaveResult(Result{RequestID: "ghost", Output: "y"})

	if err := s.CleanupStale(24 * time.Hour); err != nil {
		t.Fatal(err)
	}

	stale, _ := s.GetRequest("stale")
	if stale.Status != StatusTimedOut || stale.CompletedAt == nil {
		t.Errorf("stale = %+v", stale)
	}
	if len(stale.Notes) == 0 {
		t.Fatal("stale request missing auto note")
	}
	// The note states the request's own timeout, not the retention window.
	if !strings.Contains(stale.Notes[0], ">30m") {
		t.Errorf("auto note = %q", stale.Notes[0])
	}
	fresh, _ := s.GetRequest("fresh")
	if fresh.Status != StatusRunning {
		t.Errorf("fresh = %+v", fresh)
	}
	if _, ok := s.GetRequest("ancient"); ok {
		t.Error("ancient request not pruned")
	}
	if _, ok := s.GetResult("ancient"); ok {
		t.Error("result of pruned request survived")
	}
	if _, ok := s.GetResult("ghost"); ok {
		t.Error("orphan result survived")
	}
}

func TestCleanupStaleIdempotent(t *testing.T) {
	s := newTestSubAgentStore(t)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.AddRequest(Request{ID: "stale", Status: StatusPending, TimeoutMin: 10, CreatedAt: base.Add(-time.Hour)})

	if err := s.CleanupStale(24 * time.Hour); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetRequest("stale")
	if err := s.CleanupStale(24 * time.Hour); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetRequest("stale")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second pass changed state: %+v vs %+v", first, second)
	}
}

func TestSaveResultReplacesPrior(t *testing.T) {
	s := newTestSubAgentStore(t)
	s.AddRequest(Request{ID: "r1"})
	s.SaveResult(Result{RequestID: "r1", Output: "first"})
	s.SaveResult(Result{RequestID: "r1", Output: "second"})

	res, _ := s.GetResult("r1")
	if res.Output != "second" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestTaskStoreCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	s := NewTaskStore(path)

	s.Add(Task{ID: "t1", Title: "one"})
	s.Add(Task{ID: "t2", Title: "two"})
	if err := s.SetStatus("t2", TaskInProgress); err != nil {
		t.Fatal(err)
	}

	counts := s.Counts()
	if counts[TaskPending] != 1 || counts[TaskInProgress] != 1 {
		t.Errorf("counts = %v", counts)
	}

	s2 := NewTaskStore(path)
	if len(s2.All()) != 2 {
		t.Errorf("reloaded tasks = %+v", s2.All())
	}
}
