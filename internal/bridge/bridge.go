package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/builder"
	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/pvsync"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/tasks"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	MinCyclePeriod     = 20 * time.Millisecond
	DefaultCyclePeriod = pvsync.DefaultPeriod

	prefixSeparator = ":"
)

// Image is the process image as seen by the bridge.
type Image interface {
	procimg.Driver
	Point(name string) (procimg.Point, bool)
	PointAt(address int) (procimg.Point, bool)
	Core() string
	Close() error
}

// IO is the view of the process image handed to loop tasks. Tasks run on
// the sync goroutine between the two image writes of a cycle, so values set
// here reach the hardware at the end of the same cycle.
type IO interface {
	Value(name string) (int64, error)
	SetValue(name string, value int64) error
	Point(name string) (procimg.Point, bool)
	Points() []procimg.Point
}

type InitOptions struct {
	CyclePeriod time.Duration
	ResetOnExit bool
	// Debug switches the bridge log level to debug.
	Debug bool
	// AutoPrefix names PVs <core>:<module>:<pv>.
	AutoPrefix  bool
	StopTimeout time.Duration
}

type BindOptions struct {
	PVName    string
	DriveLow  *float64
	DriveHigh *float64
	Fields    map[string]string
}

type Status struct {
	State       State         `json:"state"`
	CyclePeriod time.Duration `json:"cycle_period_ns"`
	ResetOnExit bool          `json:"reset_on_exit"`
	AutoPrefix  bool          `json:"auto_prefix"`
	Mappings    int           `json:"mappings"`
	Tasks       int           `json:"tasks"`
	Engine      pvsync.Stats  `json:"engine"`
	LastError   string        `json:"last_error,omitempty"`
	Timestamp   int64         `json:"timestamp"`
}

type Option func(*Bridge)

// WithBuilders replaces the default builder registry.
func WithBuilders(r *builder.Registry) Option {
	return func(b *Bridge) { b.builders = r }
}

// WithLogLevel lets Init switch the given level to debug.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(b *Bridge) { b.level = &level }
}

// Bridge binds process image points to records and drives the sync engine.
type Bridge struct {
	image    Image
	records  record.Layer
	builders *builder.Registry
	table    *mapping.Table
	tasks    *tasks.Registry
	logger   *zap.Logger
	level    *zap.AtomicLevel

	// lifecycleMu serializes Init, Start, Stop and Close.
	lifecycleMu sync.Mutex
	bindMu      sync.Mutex
	// run counts Start calls. Guarded by lifecycleMu.
	run uint64

	mu      sync.RWMutex
	state   State
	opts    InitOptions
	engine  *pvsync.Engine
	lastErr error

	listenersMu sync.RWMutex
	listeners   map[int]chan Status
	nextID      int
}

func New(image Image, records record.Layer, logger *zap.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		image:     image,
		records:   records,
		builders:  builder.Default(),
		table:     mapping.NewTable(),
		tasks:     tasks.NewRegistry(),
		logger:    logger,
		state:     StateUninitialized,
		listeners: make(map[int]chan Status),
	}
	for _, opt := range opts {
		opt(b)
	}

	if h, ok := records.(interface{ SetUpdateHandler(record.UpdateHandler) }); ok {
		h.SetUpdateHandler(b)
	}
	return b
}

// Init validates the options, reads the image once and prepares the engine.
// A second Init is ignored with a warning.
func (b *Bridge) Init(opts InitOptions) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.State() != StateUninitialized {
		b.logger.Warn("Bridge already initialized")
		return nil
	}

	if opts.CyclePeriod == 0 {
		opts.CyclePeriod = DefaultCyclePeriod
	}
	if opts.CyclePeriod < MinCyclePeriod {
		return fmt.Errorf("%w: %s < %s", ErrInvalidCyclePeriod, opts.CyclePeriod, MinCyclePeriod)
	}

	if opts.Debug && b.level != nil {
		b.level.SetLevel(zapcore.DebugLevel)
	}

	if err := b.image.Read(); err != nil {
		return fmt.Errorf("initial image read failed: %w", err)
	}

	engine := pvsync.NewEngine(b.image, b.table, b.tasks, pvsync.Config{
		Period:      opts.CyclePeriod,
		ResetOnExit: opts.ResetOnExit,
		StopTimeout: opts.StopTimeout,
	}, b.logger.Named("pvsync"))
	engine.SetFatalHandler(b.handleFatal)

	b.mu.Lock()
	b.opts = opts
	b.engine = engine
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.setState(StateStopped); err != nil {
		return err
	}

	b.logger.Debug("Bridge initialized",
		zap.Duration("cycle_period", opts.CyclePeriod),
		zap.Bool("reset_on_exit", opts.ResetOnExit),
		zap.Bool("auto_prefix", opts.AutoPrefix))
	return nil
}

// Bind creates the record of an I/O point and registers the mapping. Every
// check runs before the record is created.
func (b *Bridge) Bind(ioName string, opts BindOptions) (record.Record, error) {
	if b.State() == StateUninitialized {
		return nil, ErrNotInitialized
	}

	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	point, ok := b.image.Point(ioName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoint, ioName)
	}

	pvName := opts.PVName
	if pvName == "" {
		pvName = ioName
	}
	if b.options().AutoPrefix {
		pvName = b.prefixed(point, pvName)
	}

	if err := b.table.Check(ioName, pvName); err != nil {
		return nil, err
	}
	if _, exists := b.records.Record(pvName); exists {
		return nil, fmt.Errorf("%w: %s", mapping.ErrPVNameTaken, pvName)
	}

	build, ok := b.builders.Lookup(point.ProductType)
	if !ok {
		return nil, fmt.Errorf("%w %d (%s)", ErrNoBuilder, point.ProductType, point.Module)
	}

	spec, err := build(b.image, point, builder.Request{
		PVName:    pvName,
		DriveLow:  opts.DriveLow,
		DriveHigh: opts.DriveHigh,
		Fields:    opts.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", ioName, err)
	}

	rec, err := b.records.CreateRecord(spec.RecordKind, pvName, spec.Initial, spec.Options)
	if err != nil {
		return nil, fmt.Errorf("create record %s: %w", pvName, err)
	}

	entry := mapping.NewEntry(ioName, pvName, spec.Direction, spec.Kind, rec)
	if raw, err := b.image.Value(ioName); err == nil {
		entry.Seed(raw, rec.Get())
	}

	if err := b.table.Add(entry); err != nil {
		b.records.RemoveRecord(pvName)
		return nil, err
	}

	b.logger.Debug("PV created",
		zap.String("io", ioName),
		zap.String("pv", pvName),
		zap.Stringer("record", spec.RecordKind),
		zap.Stringer("direction", spec.Direction))

	return rec, nil
}

// Unbind removes the mapping of an I/O point and its record. It reports
// false when nothing was bound, including on an uninitialized bridge.
func (b *Bridge) Unbind(ioName string) bool {
	if b.State() == StateUninitialized {
		return false
	}

	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	entry, ok := b.table.Take(ioName)
	if !ok {
		return false
	}
	b.records.RemoveRecord(entry.PVName)

	b.logger.Debug("Mapping removed",
		zap.String("io", ioName),
		zap.String("pv", entry.PVName))
	return true
}

func (b *Bridge) AddTask(name string, fn tasks.Func) error {
	if b.State() == StateUninitialized {
		return ErrNotInitialized
	}
	if err := b.tasks.Add(name, fn); err != nil {
		return err
	}
	b.logger.Debug("Loop task added", zap.String("task", name))
	return nil
}

func (b *Bridge) RemoveTask(name string) bool {
	if b.State() == StateUninitialized {
		return false
	}
	removed := b.tasks.Remove(name)
	if removed {
		b.logger.Debug("Loop task removed", zap.String("task", name))
	}
	return removed
}

// IO returns the process image for loop tasks. Outside a task the values are
// those of the last cycle.
func (b *Bridge) IO() IO { return b.image }

func (b *Bridge) Tasks() []string { return b.tasks.Names() }
func (b *Bridge) TaskCount() int  { return b.tasks.Len() }

func (b *Bridge) ClearTasks() int {
	if b.State() == StateUninitialized {
		return 0
	}
	n := b.tasks.Clear()
	b.logger.Debug("Loop tasks cleared", zap.Int("count", n))
	return n
}

func (b *Bridge) Start() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	switch b.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateRunning:
		return ErrAlreadyRunning
	}

	b.mu.Lock()
	engine := b.engine
	b.lastErr = nil
	b.mu.Unlock()

	if err := engine.Start(); err != nil {
		if errors.Is(err, pvsync.ErrAlreadyRunning) {
			return ErrAlreadyRunning
		}
		return err
	}
	b.run++
	if err := b.setState(StateRunning); err != nil {
		return err
	}

	b.logger.Info("Bridge started",
		zap.Int("mappings", b.table.Len()),
		zap.Int("tasks", b.tasks.Len()))
	return nil
}

// Stop halts the sync engine. Mappings and tasks are kept, so the bridge can
// be started again.
func (b *Bridge) Stop() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	return b.stopLocked()
}

func (b *Bridge) stopLocked() error {
	switch b.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateStopped:
		return nil
	}

	engine := b.currentEngine()
	if err := engine.Stop(); err != nil {
		if errors.Is(err, pvsync.ErrStopTimeout) {
			// The worker is still cycling, so the bridge stays RUNNING until
			// its loop has really exited.
			go b.awaitLoopExit(engine.Done(), b.run)
		}
		return err
	}
	if err := b.setState(StateStopped); err != nil {
		return err
	}

	b.logger.Info("Bridge stopped")
	return nil
}

// awaitLoopExit completes a timed out stop once the loop of run has exited.
// A later Stop or restart in between leaves nothing to do.
func (b *Bridge) awaitLoopExit(done <-chan struct{}, run uint64) {
	if done == nil {
		return
	}
	<-done

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.run != run || b.State() != StateRunning {
		return
	}
	if err := b.stopLocked(); err != nil {
		b.logger.Warn("Failed to complete bridge stop", zap.Error(err))
	}
}

// Close stops the bridge, removes every mapping and record and closes the
// image.
func (b *Bridge) Close() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.State() == StateUninitialized {
		return nil
	}

	if err := b.stopLocked(); err != nil {
		// The image stays open while the worker may still use it.
		return fmt.Errorf("close: %w", err)
	}

	b.bindMu.Lock()
	for _, e := range b.table.Clear() {
		b.records.RemoveRecord(e.PVName)
	}
	b.bindMu.Unlock()
	b.tasks.Clear()

	closeErr := b.image.Close()

	if err := b.setState(StateUninitialized); err != nil {
		return err
	}
	b.logger.Info("Bridge closed")

	if closeErr != nil {
		return fmt.Errorf("close image: %w", closeErr)
	}
	return nil
}

// PVUpdated queues a processed PV write for the output mapping bound to
// pvName. The next cycle writes it to the point.
func (b *Bridge) PVUpdated(pvName string, value float64) {
	entry, ok := b.table.GetByPVName(pvName)
	if !ok {
		b.logger.Debug("Update for unmapped PV", zap.String("pv", pvName))
		return
	}
	if entry.Direction() == types.DirectionOutput {
		entry.MarkPending(value)
	}
}

func (b *Bridge) Mappings() []mapping.Info {
	snapshot := b.table.Snapshot()
	out := make([]mapping.Info, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.Info()
	}
	return out
}

func (b *Bridge) Mapping(ioName string) (mapping.Info, bool) {
	e, ok := b.table.GetByIOName(ioName)
	if !ok {
		return mapping.Info{}, false
	}
	return e.Info(), true
}

// Points lists every point of the image, bound or not.
func (b *Bridge) Points() []procimg.Point {
	return b.image.Points()
}

func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bridge) Status() Status {
	b.mu.RLock()
	st := Status{
		State:       b.state,
		CyclePeriod: b.opts.CyclePeriod,
		ResetOnExit: b.opts.ResetOnExit,
		AutoPrefix:  b.opts.AutoPrefix,
		Timestamp:   time.Now().Unix(),
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	engine := b.engine
	b.mu.RUnlock()

	st.Mappings = b.table.Len()
	st.Tasks = b.tasks.Len()
	if engine != nil {
		st.Engine = engine.Stats()
	}
	return st
}

// SubscribeStatus returns a channel receiving the status after every state
// change. Slow subscribers miss updates.
func (b *Bridge) SubscribeStatus(buffer int) (<-chan Status, func()) {
	ch := make(chan Status, buffer)

	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = ch
	b.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.listenersMu.Lock()
			delete(b.listeners, id)
			b.listenersMu.Unlock()
			close(ch)
		})
	}
}

func (b *Bridge) handleFatal(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()

	if stopErr := b.Stop(); stopErr != nil && !errors.Is(stopErr, ErrNotInitialized) {
		b.logger.Warn("Failed to stop bridge after fatal cycle", zap.Error(stopErr))
	}
}

func (b *Bridge) setState(to State) error {
	b.mu.Lock()
	from := b.state
	if err := ValidateTransition(from, to); err != nil {
		b.mu.Unlock()
		return err
	}
	b.state = to
	b.mu.Unlock()

	b.broadcastStatus()
	return nil
}

func (b *Bridge) broadcastStatus() {
	status := b.Status()

	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()

	for _, ch := range b.listeners {
		select {
		case ch <- status:
		default:
		}
	}
}

func (b *Bridge) options() InitOptions {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

func (b *Bridge) currentEngine() *pvsync.Engine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engine
}

func (b *Bridge) prefixed(point procimg.Point, pvName string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.image.Core(), point.Module, pvName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, prefixSeparator)
}
