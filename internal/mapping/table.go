package mapping

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrIONameTaken = errors.New("I/O point already bound")
	ErrPVNameTaken = errors.New("PV name already in use")
)

// Table indexes entries by I/O name and by PV name. Both indices are
// changed under one lock and always hold the same entries.
type Table struct {
	mu   sync.RWMutex
	byIO map[string]*Entry
	byPV map[string]*Entry
}

func NewTable() *Table {
	return &Table{
		byIO: make(map[string]*Entry),
		byPV: make(map[string]*Entry),
	}
}

// Add inserts the entry into both indices, or into neither if a key is taken.
func (t *Table) Add(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byIO[e.IOName]; ok {
		return fmt.Errorf("%w: %s", ErrIONameTaken, e.IOName)
	}
	if _, ok := t.byPV[e.PVName]; ok {
		return fmt.Errorf("%w: %s", ErrPVNameTaken, e.PVName)
	}

	t.byIO[e.IOName] = e
	t.byPV[e.PVName] = e
	return nil
}

// Check reports the error Add would return, without inserting anything.
func (t *Table) Check(ioName, pvName string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.byIO[ioName]; ok {
		return fmt.Errorf("%w: %s", ErrIONameTaken, ioName)
	}
	if _, ok := t.byPV[pvName]; ok {
		return fmt.Errorf("%w: %s", ErrPVNameTaken, pvName)
	}
	return nil
}

func (t *Table) Remove(ioName string) bool {
	_, ok := t.Take(ioName)
	return ok
}

// Take removes the entry bound to ioName and returns it.
func (t *Table) Take(ioName string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIO[ioName]
	if !ok {
		return nil, false
	}
	delete(t.byIO, ioName)
	delete(t.byPV, e.PVName)
	return e, true
}

func (t *Table) GetByIOName(name string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byIO[name]
	return e, ok
}

func (t *Table) GetByPVName(name string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byPV[name]
	return e, ok
}

// Snapshot copies the entries, sorted by I/O name. The slice can be iterated
// without holding the table lock.
func (t *Table) Snapshot() []*Entry {
	t.mu.RLock()
	out := make([]*Entry, 0, len(t.byIO))
	for _, e := range t.byIO {
		out = append(out, e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IOName < out[j].IOName })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIO)
}

// Clear drops every entry and returns the removed ones.
func (t *Table) Clear() []*Entry {
	t.mu.Lock()
	out := make([]*Entry, 0, len(t.byIO))
	for _, e := range t.byIO {
		out = append(out, e)
	}
	t.byIO = make(map[string]*Entry)
	t.byPV = make(map[string]*Entry)
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IOName < out[j].IOName })
	return out
}
