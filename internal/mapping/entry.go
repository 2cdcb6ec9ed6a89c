package mapping

import (
	"sync"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/google/uuid"
)

// Entry binds one I/O point to one PV. Direction and kind never change after
// creation; the caches only serve change detection.
type Entry struct {
	ID        uuid.UUID
	IOName    string
	PVName    string
	Record    record.Record
	CreatedAt time.Time

	direction types.Direction
	kind      types.Kind

	mu     sync.Mutex
	lastHW int64
	hasHW  bool
	lastPV float64

	// The pending slot holds the last processed PV write until the next
	// OUTPUT sync consumes it.
	pending      bool
	pendingValue float64
}

func NewEntry(ioName, pvName string, direction types.Direction, kind types.Kind, rec record.Record) *Entry {
	return &Entry{
		ID:        uuid.New(),
		IOName:    ioName,
		PVName:    pvName,
		Record:    rec,
		CreatedAt: time.Now(),
		direction: direction,
		kind:      kind,
	}
}

func (e *Entry) Direction() types.Direction { return e.direction }
func (e *Entry) Kind() types.Kind           { return e.kind }

// MarkPending stores a PV write for the next cycle, replacing an older one.
func (e *Entry) MarkPending(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = true
	e.pendingValue = value
}

// Rearm puts a write back after a failed attempt unless a newer one arrived.
func (e *Entry) Rearm(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending {
		e.pending = true
		e.pendingValue = value
	}
}

func (e *Entry) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// TakePending empties the slot and returns the stored write.
func (e *Entry) TakePending() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending {
		return 0, false
	}
	e.pending = false
	return e.pendingValue, true
}

// Seed initialises both caches, so the first cycle only reacts to changes
// made after the binding was created.
func (e *Entry) Seed(hw int64, pv float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastHW = hw
	e.hasHW = true
	e.lastPV = pv
}

// LastHardware returns the cached hardware value; ok is false until the
// first observation.
func (e *Entry) LastHardware() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHW, e.hasHW
}

func (e *Entry) SetLastHardware(v int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastHW = v
	e.hasHW = true
}

func (e *Entry) LastPV() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPV
}

func (e *Entry) SetLastPV(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPV = v
}

// Info is a serializable view of an entry.
type Info struct {
	ID           uuid.UUID       `json:"id"`
	IOName       string          `json:"io_name"`
	PVName       string          `json:"pv_name"`
	Direction    types.Direction `json:"direction"`
	Kind         types.Kind      `json:"kind"`
	RecordKind   record.Kind     `json:"record_kind"`
	Pending      bool            `json:"pending"`
	LastHardware int64           `json:"last_hardware"`
	LastPV       float64         `json:"last_pv"`
	Value        float64         `json:"value"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (e *Entry) Info() Info {
	hw, _ := e.LastHardware()
	info := Info{
		ID:           e.ID,
		IOName:       e.IOName,
		PVName:       e.PVName,
		Direction:    e.direction,
		Kind:         e.kind,
		Pending:      e.Pending(),
		LastHardware: hw,
		LastPV:       e.LastPV(),
		CreatedAt:    e.CreatedAt,
	}
	if e.Record != nil {
		info.RecordKind = e.Record.Kind()
		info.Value = e.Record.Get()
	}
	return info
}
