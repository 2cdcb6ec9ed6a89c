package tasks

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTaskExists  = errors.New("task already registered")
	ErrInvalidTask = errors.New("invalid task")
)

// Func is a custom callback run once per cycle after the mappings are
// synchronized.
type Func func() error

// Task is a named callback.
type Task struct {
	Name string
	Fn   Func
}

// Registry keeps tasks in registration order.
type Registry struct {
	mu    sync.RWMutex
	tasks []Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make([]Task, 0)}
}

func (r *Registry) Add(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if fn == nil {
		return fmt.Errorf("%w: %s has no function", ErrInvalidTask, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.Name == name {
			return fmt.Errorf("%w: %s", ErrTaskExists, name)
		}
	}
	r.tasks = append(r.tasks, Task{Name: name, Fn: fn})
	return nil
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.tasks {
		if t.Name == name {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists task names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Name
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Clear removes all tasks and returns how many were registered.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.tasks)
	r.tasks = make([]Task, 0)
	return n
}

// Snapshot copies the task list so the caller can run it without the lock.
func (r *Registry) Snapshot() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}
