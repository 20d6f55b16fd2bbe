// Package state holds the in-memory task state store.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"

	v1 "github.com/devflow/devflow/pkg/api/v1"
)

var (
	// ErrTaskNotFound is returned when a task id is not in the store.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when creating a task whose id already exists.
	ErrDuplicateTask = errors.New("task already exists")
)

// Entry owns the state of a single task. All reads go through Snapshot and
// all writes through Mutate, so callers never touch shared state directly.
type Entry struct {
	mu        sync.Mutex
	state     *v1.TaskState
	cancel    context.CancelFunc
	cancelled bool
}

// Snapshot returns a deep copy of the task state.
func (e *Entry) Snapshot() *v1.TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Mutate applies fn to the task state under the entry lock. fn must not
// block on I/O or call back into the store.
func (e *Entry) Mutate(fn func(s *v1.TaskState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
}

// SetCancel installs the cancel function for the task's execution context.
// If the task was cancelled before execution began, the function is invoked
// immediately.
func (e *Entry) SetCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	cancelled := e.cancelled
	e.cancel = cancel
	e.mu.Unlock()
	if cancelled && cancel != nil {
		cancel()
	}
}

// Cancel marks the entry cancelled and fires the execution cancel function
// if one is installed. It is idempotent.
func (e *Entry) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (e *Entry) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Store is a threadsafe map of task id to entry. Terminal tasks stay
// queryable; Delete exists only to roll back a failed submission.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*Entry)}
}

// Create registers a new task. The store takes ownership of the state.
func (s *Store) Create(st *v1.TaskState) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[st.TaskID]; ok {
		return nil, ErrDuplicateTask
	}
	e := &Entry{state: st}
	s.tasks[st.TaskID] = e
	return e, nil
}

// Delete removes a task from the store.
func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// Get returns the entry for a task id.
func (s *Store) Get(taskID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

// Snapshot returns a deep copy of a task's state.
func (s *Store) Snapshot(taskID string) (*v1.TaskState, error) {
	e, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(), nil
}

// ActiveCount returns the number of tasks not in a terminal status.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.state.Status.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// TaskIDs returns all known task ids, sorted.
func (s *Store) TaskIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
