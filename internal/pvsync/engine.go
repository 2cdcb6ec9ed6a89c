package pvsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/tasks"
	"go.uber.org/zap"
)

const DefaultPeriod = 200 * time.Millisecond

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	Period      time.Duration
	ResetOnExit bool
	// StopTimeout bounds Stop. Zero means ten periods, at least one second.
	StopTimeout time.Duration
}

// Stats describe the cycles since the engine was last started.
type Stats struct {
	Cycles    uint64        `json:"cycles"`
	Overruns  uint64        `json:"overruns"`
	LastCycle time.Duration `json:"last_cycle_ns"`
	StartedAt time.Time     `json:"started_at"`
	LastError string        `json:"last_error,omitempty"`
}

// Engine runs the fixed-cycle synchronization between the process image and
// the records bound in the mapping table.
type Engine struct {
	image  procimg.Driver
	table  *mapping.Table
	tasks  *tasks.Registry
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	stopping bool
	stopChan chan struct{}
	done     chan struct{}
	onFatal  func(error)

	statsMu sync.RWMutex
	stats   Stats
}

func NewEngine(image procimg.Driver, table *mapping.Table, registry *tasks.Registry, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = max(10*cfg.Period, time.Second)
	}

	return &Engine{
		image:  image,
		table:  table,
		tasks:  registry,
		cfg:    cfg,
		logger: logger,
		state:  StateStopped,
	}
}

// SetFatalHandler installs the callback run after the loop has exited on a
// fatal cycle error. It runs on the engine goroutine, after the engine is
// already stopped, so it may call Stop.
func (e *Engine) SetFatalHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFatal = fn
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return ErrAlreadyRunning
	}

	e.state = StateRunning
	e.stopping = false
	e.stopChan = make(chan struct{})
	e.done = make(chan struct{})

	e.statsMu.Lock()
	e.stats = Stats{StartedAt: time.Now()}
	e.statsMu.Unlock()

	go e.loop(e.stopChan, e.done)

	e.logger.Info("Sync engine started",
		zap.Duration("period", e.cfg.Period),
		zap.Int("mappings", e.table.Len()),
		zap.Int("tasks", e.tasks.Len()))

	return nil
}

// Stop signals the loop and waits for it to exit. Calling Stop on a stopped
// engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	if !e.stopping {
		e.stopping = true
		close(e.stopChan)
	}
	done := e.done
	e.mu.Unlock()

	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		e.logger.Info("Sync engine stopped")
		return nil
	case <-timer.C:
		e.logger.Warn("Sync engine did not stop cleanly",
			zap.Duration("timeout", e.cfg.StopTimeout))
		return ErrStopTimeout
	}
}

// Done is closed when the loop of the current run has exited. It is nil
// before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Period() time.Duration {
	return e.cfg.Period
}

func (e *Engine) Stats() Stats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

func (e *Engine) loop(stop <-chan struct{}, done chan struct{}) {
	fatal := e.run(stop)

	if e.cfg.ResetOnExit {
		e.resetOutputs()
	}

	e.mu.Lock()
	e.state = StateStopped
	onFatal := e.onFatal
	e.mu.Unlock()
	close(done)

	if fatal != nil && onFatal != nil {
		onFatal(fatal)
	}
}

// run cycles until stop is closed or a cycle fails.
func (e *Engine) run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		start := time.Now()
		err := e.RunCycle()
		elapsed := time.Since(start)
		e.recordCycle(elapsed, err)

		if err != nil {
			e.logger.Error("Sync cycle failed, stopping bridge",
				zap.String("severity", "critical"),
				zap.Error(err))
			return err
		}

		if elapsed >= e.cfg.Period {
			e.logger.Warn("Cycle time exceeded",
				zap.Duration("elapsed", elapsed),
				zap.Duration("period", e.cfg.Period))
			continue
		}

		timer := time.NewTimer(e.cfg.Period - elapsed)
		select {
		case <-stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (e *Engine) recordCycle(elapsed time.Duration, err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.Cycles++
	e.stats.LastCycle = elapsed
	if elapsed >= e.cfg.Period {
		e.stats.Overruns++
	}
	if err != nil {
		e.stats.LastError = err.Error()
	}
}

// RunCycle performs one complete cycle. It must not be called while the
// loop is running.
func (e *Engine) RunCycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CycleError{Stage: StagePanic, Err: fmt.Errorf("%v", r)}
		}
	}()

	if err := e.image.Read(); err != nil {
		return &CycleError{Stage: StageRead, Err: err}
	}

	for _, entry := range e.table.Snapshot() {
		if err := e.syncEntry(entry); err != nil {
			e.logger.Warn("Mapping sync failed",
				zap.String("io", entry.IOName),
				zap.String("pv", entry.PVName),
				zap.Error(err))
		}
	}

	if err := e.image.Write(); err != nil {
		return &CycleError{Stage: StageWrite, Err: err}
	}

	registered := e.tasks.Snapshot()
	if len(registered) == 0 {
		return nil
	}

	for _, t := range registered {
		if err := runTask(t); err != nil {
			return &CycleError{Stage: StageTask, Task: t.Name, Err: err}
		}
	}

	if err := e.image.Write(); err != nil {
		return &CycleError{Stage: StageFlush, Err: err}
	}
	return nil
}

func runTask(t tasks.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Fn()
}

// resetOutputs drives every output point to its default and writes the
// image one last time.
func (e *Engine) resetOutputs() {
	count := 0
	for _, p := range e.image.Points() {
		if !p.Output {
			continue
		}
		if err := e.image.SetValue(p.Name, p.Default); err != nil {
			e.logger.Warn("Failed to reset output",
				zap.String("io", p.Name),
				zap.Error(err))
			continue
		}
		count++
	}

	if err := e.image.Write(); err != nil {
		e.logger.Error("Failed to write reset outputs", zap.Error(err))
		return
	}
	e.logger.Info("Outputs reset to defaults", zap.Int("count", count))
}
