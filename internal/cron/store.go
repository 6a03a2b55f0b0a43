package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/llamar/toolserver/internal/logging"
)

// DefaultTasksPath returns ~/.llamar/agents/tasks.json.
func DefaultTasksPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".llamar", "agents", "tasks.json")
}

// DefaultRunsDir returns ~/.llamar/agents/task_runs, one JSONL file per task.
func DefaultRunsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".llamar", "agents", "task_runs")
}

// Store manages task persistence and each task's run history.
type Store struct {
	path    string
	runsDir string
	mu      sync.RWMutex
	tasks   map[string]*Task
}

// NewStore creates a store backed by tasksPath/runsDir, falling back to
// the default layout for either when empty.
func NewStore(tasksPath, runsDir string) *Store {
	if tasksPath == "" {
		tasksPath = DefaultTasksPath()
	}
	if runsDir == "" {
		runsDir = DefaultRunsDir()
	}
	return &Store{path: tasksPath, runsDir: runsDir, tasks: make(map[string]*Task)}
}

// Load reads tasks from the JSON file, starting empty if absent.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("cron: tasks file not found, starting empty", "path", s.path)
			s.tasks = make(map[string]*Task)
			return nil
		}
		return fmt.Errorf("read tasks file: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tasks file: %w", err)
	}

	s.tasks = make(map[string]*Task, len(file.Tasks))
	for _, t := range file.Tasks {
		if t.ID == "" {
			continue
		}
		s.tasks[t.ID] = t
	}
	L_info("cron: loaded tasks", "count", len(s.tasks), "path", s.path)
	return nil
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create tasks directory: %w", err)
	}

	file := storeFile{Version: 1, Tasks: make([]*Task, 0, len(s.tasks))}
	for _, t := range s.tasks {
		file.Tasks = append(file.Tasks, t)
	}
	sort.Slice(file.Tasks, func(i, j int) bool { return file.Tasks[i].ID < file.Tasks[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp tasks file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp tasks file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp tasks file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp tasks file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp tasks file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename tasks file: %w", err)
	}
	return nil
}

// Save persists the current task set.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Get returns the task with id, or nil.
func (s *Store) Get(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

// All returns every task.
func (s *Store) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Due returns active tasks whose NextRun is at or before now, ordered
// ascending by NextRun.
func (s *Store) Due(now time.Time) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Task
	for _, t := range s.tasks {
		if t.Status != StatusActive || t.NextRun == nil {
			continue
		}
		if !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })
	return due
}

// Add inserts a new task, assigning an id and timestamps if absent.
func (s *Store) Add(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Schedule != "" && !ValidateExpr(t.Schedule) {
		return fmt.Errorf("invalid cron schedule %q", t.Schedule)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task with id %s already exists", t.ID)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusActive
	}
	t.FixUpStatusInvariant()

	s.tasks[t.ID] = t
	return s.saveLocked()
}

// Update replaces an existing task's fields.
func (s *Store) Update(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; !exists {
		return fmt.Errorf("task with id %s not found", t.ID)
	}
	t.UpdatedAt = time.Now()
	t.FixUpStatusInvariant()
	s.tasks[t.ID] = t
	return s.saveLocked()
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return fmt.Errorf("task with id %s not found", id)
	}
	delete(s.tasks, id)
	return s.saveLocked()
}

// AppendRun persists one task_runs row to <runsDir>/<task_id>.jsonl.
func (s *Store) AppendRun(run *TaskRun) error {
	if err := os.MkdirAll(s.runsDir, 0o750); err != nil {
		return fmt.Errorf("create runs directory: %w", err)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}

	path := filepath.Join(s.runsDir, run.TaskID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open task runs file: %w", err)
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// Runs reads the full run history for a task, oldest first.
func (s *Store) Runs(taskID string) ([]TaskRun, error) {
	path := filepath.Join(s.runsDir, taskID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open task runs file: %w", err)
	}
	defer f.Close()

	var runs []TaskRun
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run TaskRun
		if err := json.Unmarshal(line, &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, scanner.Err()
}

// Path returns the tasks.json file path.
func (s *Store) Path() string { return s.path }
