package record

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is published for every stored record value.
type Event struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Label     string    `json:"label,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// SoftIOC is an in-process record layer. Records live in memory, updates are
// fanned out to subscribers and processed output updates are reported to the
// update handler.
type SoftIOC struct {
	mu      sync.RWMutex
	records map[string]*SoftRecord

	handlerMu sync.RWMutex
	handler   UpdateHandler

	subMu       sync.RWMutex
	subscribers map[int]chan Event
	nextSubID   int

	logger *zap.Logger
}

func NewSoftIOC(logger *zap.Logger) *SoftIOC {
	return &SoftIOC{
		records:     make(map[string]*SoftRecord),
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// SetUpdateHandler installs the receiver of processed output updates.
func (s *SoftIOC) SetUpdateHandler(h UpdateHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

func (s *SoftIOC) CreateRecord(kind Kind, name string, initial float64, opts Options) (Record, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidValue)
	}
	if kind < AnalogIn || kind > MultiBitIn {
		return nil, fmt.Errorf("unsupported record kind %d", kind)
	}
	if opts.DriveLow != nil && opts.DriveHigh != nil && *opts.DriveLow > *opts.DriveHigh {
		return nil, fmt.Errorf("%w: DRVL %v above DRVH %v", ErrInvalidValue, *opts.DriveLow, *opts.DriveHigh)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRecordExists, name)
	}

	rec := &SoftRecord{
		ioc:     s,
		name:    name,
		kind:    kind,
		opts:    opts,
		value:   coerce(kind, initial),
		updated: time.Now(),
	}
	s.records[name] = rec

	s.logger.Debug("Record created",
		zap.String("name", name),
		zap.Stringer("kind", kind),
		zap.Float64("initial", rec.value))

	return rec, nil
}

func (s *SoftIOC) Record(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, false
	}
	return rec, true
}

func (s *SoftIOC) RemoveRecord(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return false
	}
	delete(s.records, name)
	return true
}

// Records lists all records sorted by name.
func (s *SoftIOC) Records() []*SoftRecord {
	s.mu.RLock()
	out := make([]*SoftRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Put is an external write, the way a channel access client writes a PV.
func (s *SoftIOC) Put(name string, value float64) error {
	s.mu.RLock()
	rec, ok := s.records[name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, name)
	}
	if !rec.kind.IsOutput() {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	return rec.Set(value, true)
}

// Subscribe returns a channel receiving every record event. Slow subscribers
// lose events instead of blocking writers.
func (s *SoftIOC) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *SoftIOC) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("Record subscriber full, event dropped", zap.String("name", ev.Name))
		}
	}
}

func (s *SoftIOC) notify(name string, value float64) {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()

	if h != nil {
		h.PVUpdated(name, value)
	}
}

// SoftRecord is a record held by a SoftIOC.
type SoftRecord struct {
	ioc  *SoftIOC
	name string
	kind Kind
	opts Options

	mu      sync.RWMutex
	value   float64
	updated time.Time
}

func (r *SoftRecord) Name() string { return r.name }
func (r *SoftRecord) Kind() Kind   { return r.kind }

func (r *SoftRecord) Options() Options { return r.opts }

func (r *SoftRecord) Get() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Updated is the time of the last stored value.
func (r *SoftRecord) Updated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

func (r *SoftRecord) Set(value float64, notify bool) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s = %v", ErrInvalidValue, r.name, value)
	}

	value = coerce(r.kind, value)
	if notify && r.kind.IsOutput() {
		value = r.clamp(value)
	}

	now := time.Now()
	r.mu.Lock()
	r.value = value
	r.updated = now
	r.mu.Unlock()

	label, severity := r.alarm(value)
	r.ioc.publish(Event{
		Name:      r.name,
		Kind:      r.kind,
		Value:     value,
		Label:     label,
		Severity:  severity,
		Timestamp: now,
	})

	if notify && r.kind.IsOutput() {
		r.ioc.notify(r.name, value)
	}
	return nil
}

// Alarm returns the state label and severity of the current value.
func (r *SoftRecord) Alarm() (string, Severity) {
	return r.alarm(r.Get())
}

func (r *SoftRecord) alarm(value float64) (string, Severity) {
	switch r.kind {
	case MultiBitIn:
		idx := int(value)
		if idx < 0 || idx >= len(r.opts.States) {
			if len(r.opts.States) == 0 {
				return "", NoAlarm
			}
			return "", Invalid
		}
		st := r.opts.States[idx]
		return st.Label, st.Severity
	case BinaryIn, BinaryOut:
		if value != 0 {
			return r.opts.OneName, NoAlarm
		}
		return r.opts.ZeroName, NoAlarm
	default:
		return "", NoAlarm
	}
}

func (r *SoftRecord) clamp(value float64) float64 {
	if r.opts.DriveLow != nil && value < *r.opts.DriveLow {
		value = *r.opts.DriveLow
	}
	if r.opts.DriveHigh != nil && value > *r.opts.DriveHigh {
		value = *r.opts.DriveHigh
	}
	return value
}

func coerce(kind Kind, value float64) float64 {
	switch kind {
	case BinaryIn, BinaryOut:
		if value != 0 {
			return 1
		}
		return 0
	case MultiBitIn:
		return math.Trunc(value)
	default:
		return value
	}
}
