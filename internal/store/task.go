package store

import (
	"fmt"
	"sync"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Task is one tracked work item.
type Task struct {
	ID        string    `yaml:"id"`
	Title     string    `yaml:"title"`
	Status    string    `yaml:"status"`
	Notes     string    `yaml:"notes,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type taskDoc struct {
	Version     int       `yaml:"version"`
	LastUpdated time.Time `yaml:"last_updated"`
	Tasks       []Task    `yaml:"tasks"`
}

// TaskStore owns the task document for one workspace.
type TaskStore struct {
	mu   sync.Mutex
	path string
	doc  taskDoc

	now func() time.Time
}

// NewTaskStore opens (or creates) the store at path. A corrupted file is
// replaced by an empty document.
func NewTaskStore(path string) *TaskStore {
	s := &TaskStore{path: path, now: time.Now}
	if !loadDoc(path, &s.doc) {
		s.doc = taskDoc{}
	}
	s.doc.Version = 1
	return s
}

// Add persists a new task and returns it with timestamps filled.
func (s *TaskStore) Add(t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = TaskPending
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.doc.Tasks = append(s.doc.Tasks, t)
	return t, s.saveLocked()
}

// SetStatus updates a task's status.
func (s *TaskStore) SetStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID != id {
			continue
		}
		s.doc.Tasks[i].Status = status
		s.doc.Tasks[i].UpdatedAt = s.now().UTC()
		return s.saveLocked()
	}
	return fmt.Errorf("task store: unknown task %q", id)
}

// All returns copies of every task.
func (s *TaskStore) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, len(s.doc.Tasks))
	copy(out, s.doc.Tasks)
	return out
}

// Counts returns the number of tasks per status.
func (s *TaskStore) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range s.doc.Tasks {
		counts[t.Status]++
	}
	return counts
}

func (s *TaskStore) saveLocked() error {
	s.doc.LastUpdated = s.now().UTC()
	return writeAtomic(s.path, &s.doc)
}
