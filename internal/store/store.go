// Package store persists the task collection as a single JSON document
// and guards all access with one coarse mutex. The document on disk is
// canonical; writes go through an atomic temp-file rename so a crash
// never leaves a torn file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/go-tasker/internal/task"
)

// ErrNotFound is returned when no task matches the given key.
var ErrNotFound = errors.New("task not found")

// document is the on-disk shape of the store.
type document struct {
	Tasks []*task.Task `json:"tasks"`
}

// Store holds the task collection in memory, backed by one JSON file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	tasks  []*task.Task
}

// Open loads the store from path, creating an empty one if the file
// does not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &Store{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Reload replaces the in-memory collection with the document on disk.
// Unflushed in-memory changes are dropped; the document is canonical.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.tasks = nil
			return nil
		}
		return fmt.Errorf("read store: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode store %s: %w", s.path, err)
	}
	s.tasks = doc.Tasks
	return nil
}

// saveLocked writes the whole collection atomically. Callers hold s.mu.
func (s *Store) saveLocked() error {
	doc := document{Tasks: s.tasks}
	if doc.Tasks == nil {
		doc.Tasks = []*task.Task{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// Save flushes the in-memory collection to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) findLocked(uuid string) *task.Task {
	for _, t := range s.tasks {
		if t.UUID == uuid {
			return t
		}
	}
	return nil
}

// Add inserts a new task and persists. The insert is rolled back if the
// write fails, so a task never exists in memory only.
func (s *Store) Add(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLocked(t.UUID) != nil {
		return fmt.Errorf("task %s already exists", t.UUID)
	}
	s.tasks = append(s.tasks, t.Clone())
	if err := s.saveLocked(); err != nil {
		s.tasks = s.tasks[:len(s.tasks)-1]
		return err
	}
	return nil
}

// All returns a snapshot of every task.
func (s *Store) All() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Get returns the task with the given uuid.
func (s *Store) Get(uuid string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(uuid)
	if t == nil {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// FindByName returns every task whose name contains the given string,
// case-insensitively. Names are not unique; callers decide how to
// disambiguate.
func (s *Store) FindByName(name string) []*task.Task {
	needle := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if strings.Contains(strings.ToLower(t.Name), needle) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetByToken returns the ad-hoc task bearing the given trigger token.
func (s *Store) GetByToken(token string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return nil, ErrNotFound
	}
	for _, t := range s.tasks {
		if t.Kind == task.KindAdHoc && t.Token == token {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Update applies mutate to the stored task, bumps updated_at and
// persists. The mutation is discarded if it errors or the write fails.
func (s *Store) Update(uuid string, mutate func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(uuid)
	if t == nil {
		return nil, ErrNotFound
	}
	prev := t.Clone()
	if err := mutate(t); err != nil {
		*t = *prev
		return nil, err
	}
	t.Touch()
	if err := s.saveLocked(); err != nil {
		*t = *prev
		return nil, err
	}
	return t.Clone(), nil
}

// Transition atomically moves a task from one state to another and
// persists. It returns false without error when the task is not in the
// expected state, which is the single-flight guard: only one caller can
// win the idle-to-running edge.
func (s *Store) Transition(uuid string, from, to task.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findLocked(uuid)
	if t == nil {
		return false, ErrNotFound
	}
	if t.State != from {
		return false, nil
	}
	if !task.CanTransition(from, to) {
		return false, fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	t.State = to
	t.Touch()
	if err := s.saveLocked(); err != nil {
		t.State = from
		return false, err
	}
	return true, nil
}

// Remove deletes the task with the given uuid and persists.
func (s *Store) Remove(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tasks {
		if t.UUID == uuid {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return s.saveLocked()
		}
	}
	return ErrNotFound
}

// RemoveByName deletes every task with the given name and returns how
// many were removed.
func (s *Store) RemoveByName(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tasks[:0]
	removed := 0
	for _, t := range s.tasks {
		if t.Name == name {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0, nil
	}
	s.tasks = kept
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// RecoverRunning resets every task persisted as running back to idle.
// Called once at startup, before the first tick: a running state on
// disk can only be a leftover from a crashed process.
func (s *Store) RecoverRunning() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []string
	for _, t := range s.tasks {
		if t.State == task.StateRunning {
			t.State = task.StateIdle
			t.Touch()
			recovered = append(recovered, t.UUID)
		}
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	s.logger.Info("recovered interrupted tasks", "count", len(recovered))
	return recovered, nil
}
