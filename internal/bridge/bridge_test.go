package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/mapping"
	"github.com/XavSPM/RevpiEpics/internal/procimg"
	"github.com/XavSPM/RevpiEpics/internal/pvsync"
	"github.com/XavSPM/RevpiEpics/internal/record"
	"github.com/XavSPM/RevpiEpics/internal/tasks"
	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testLayout = `
core: RevPi
modules:
  - name: RevPiCore
    product_type: 95
    position: 0
    length: 11
    points:
      - {name: RevPiStatus, offset: 0, width: 8}
  - name: AIO
    product_type: 103
    position: 31
    length: 89
    points:
      - {name: InputValue_1, offset: 0, signed: true}
      - {name: InputStatus_1, offset: 8, width: 8}
      - {name: OutputStatus_1, offset: 18, width: 8}
      - {name: OutputValue_1, offset: 20, output: true}
      - {name: Output1Range, offset: 69, width: 8}
      - {name: Output1Multiplier, offset: 73, signed: true}
      - {name: Output1Divisor, offset: 75}
      - {name: Output1Offset, offset: 77, signed: true}
  - name: DIO
    product_type: 96
    position: 32
    length: 4
    points:
      - {name: I_1, offset: 0, bit: 0}
      - {name: O_1, offset: 2, bit: 0, output: true}
`

type testBridge struct {
	*Bridge
	ioc  *record.SoftIOC
	mem  *procimg.MemoryBackend
	logs *observer.ObservedLogs
}

func newTestBridge(t *testing.T, opts ...Option) *testBridge {
	t.Helper()
	layout, err := procimg.ParseLayout([]byte(testLayout))
	require.NoError(t, err)

	mem := procimg.NewMemoryBackend(0)
	mem.Poke(80, 2)          // Output1Range: 0..10 V
	mem.Poke(84, 0x01, 0x00) // Output1Multiplier
	mem.Poke(86, 0x01, 0x00) // Output1Divisor

	img, err := procimg.New(layout, mem)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	ioc := record.NewSoftIOC(zap.NewNop())
	b := New(img, ioc, zap.New(core), opts...)
	t.Cleanup(func() { _ = b.Close() })

	return &testBridge{Bridge: b, ioc: ioc, mem: mem, logs: logs}
}

func (tb *testBridge) init(t *testing.T, opts InitOptions) {
	t.Helper()
	if opts.CyclePeriod == 0 {
		opts.CyclePeriod = MinCyclePeriod
	}
	require.NoError(t, tb.Init(opts))
}

func TestOperationsRequireInit(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.Bind("I_1", BindOptions{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, b.Start(), ErrNotInitialized)
	assert.ErrorIs(t, b.Stop(), ErrNotInitialized)
	assert.ErrorIs(t, b.AddTask("t", func() error { return nil }), ErrNotInitialized)
	assert.False(t, b.Unbind("I_1"))
	assert.False(t, b.RemoveTask("t"))
	assert.Equal(t, 0, b.ClearTasks())
	assert.Equal(t, StateUninitialized, b.State())
	assert.Zero(t, b.logs.FilterMessage("Loop tasks cleared").Len())
}

func TestInitValidatesCyclePeriod(t *testing.T) {
	b := newTestBridge(t)

	err := b.Init(InitOptions{CyclePeriod: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrInvalidCyclePeriod)
	assert.Equal(t, StateUninitialized, b.State())

	require.NoError(t, b.Init(InitOptions{CyclePeriod: 20 * time.Millisecond}))
	assert.Equal(t, StateStopped, b.State())

	require.NoError(t, b.Init(InitOptions{CyclePeriod: 50 * time.Millisecond}))
	assert.Equal(t, 1, b.logs.FilterMessage("Bridge already initialized").Len())
	assert.Equal(t, 20*time.Millisecond, b.Status().CyclePeriod)
}

func TestInitDefaultPeriodAndDebugLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	b := newTestBridge(t, WithLogLevel(level))

	require.NoError(t, b.Init(InitOptions{Debug: true}))
	assert.Equal(t, DefaultCyclePeriod, b.Status().CyclePeriod)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestBindAIO(t *testing.T) {
	b := newTestBridge(t)
	b.mem.Poke(11, 0x18, 0xFC) // InputValue_1 = -1000
	b.mem.Poke(19, 0x06)       // InputStatus_1
	b.init(t, InitOptions{})

	in, err := b.Bind("InputValue_1", BindOptions{PVName: "ai1"})
	require.NoError(t, err)
	assert.Equal(t, record.AnalogIn, in.Kind())
	assert.Equal(t, -1000.0, in.Get())

	st, err := b.Bind("InputStatus_1", BindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "InputStatus_1", st.Name())
	assert.Equal(t, record.MultiBitIn, st.Kind())
	assert.Equal(t, 3.0, st.Get())

	out, err := b.Bind("OutputValue_1", BindOptions{PVName: "ao1"})
	require.NoError(t, err)
	assert.Equal(t, record.AnalogOut, out.Kind())
	opts := out.(*record.SoftRecord).Options()
	require.NotNil(t, opts.DriveHigh)
	assert.Equal(t, 10000.0, *opts.DriveHigh)
	assert.Equal(t, 0.0, *opts.DriveLow)

	info, ok := b.Mapping("OutputValue_1")
	require.True(t, ok)
	assert.Equal(t, "ao1", info.PVName)
	assert.Equal(t, types.DirectionOutput, info.Direction)
	assert.Len(t, b.Mappings(), 3)
}

func TestBindFailuresHaveNoSideEffects(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.Bind("I_1", BindOptions{PVName: "shared"})
	require.NoError(t, err)

	tests := []struct {
		name string
		io   string
		opts BindOptions
		want error
	}{
		{"unknown point", "I_99", BindOptions{}, ErrUnknownPoint},
		{"already bound", "I_1", BindOptions{PVName: "other"}, mapping.ErrIONameTaken},
		{"pv taken", "O_1", BindOptions{PVName: "shared"}, mapping.ErrPVNameTaken},
		{"no builder", "RevPiStatus", BindOptions{}, ErrNoBuilder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Bind(tt.io, tt.opts)
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, b.Mappings(), 1)
			assert.Len(t, b.ioc.Records(), 1)
		})
	}
}

func TestBindRejectsExistingRecordName(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.ioc.CreateRecord(record.AnalogIn, "external", 0, record.Options{})
	require.NoError(t, err)

	_, err = b.Bind("I_1", BindOptions{PVName: "external"})
	assert.ErrorIs(t, err, mapping.ErrPVNameTaken)
	assert.Empty(t, b.Mappings())
}

func TestBindBuilderErrorCreatesNothing(t *testing.T) {
	b := newTestBridge(t)
	b.mem.Poke(80, 0) // output range off
	b.init(t, InitOptions{})

	_, err := b.Bind("OutputValue_1", BindOptions{})
	assert.Error(t, err)
	assert.Empty(t, b.ioc.Records())
	assert.Empty(t, b.Mappings())
}

func TestAutoPrefix(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{AutoPrefix: true})

	rec, err := b.Bind("InputValue_1", BindOptions{})
	require.NoError(t, err)
	assert.Equal(t, "RevPi:AIO:InputValue_1", rec.Name())

	rec, err = b.Bind("I_1", BindOptions{PVName: "door"})
	require.NoError(t, err)
	assert.Equal(t, "RevPi:DIO:door", rec.Name())
}

func TestPVWriteReachesHardware(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.Bind("OutputValue_1", BindOptions{PVName: "ao1"})
	require.NoError(t, err)
	_, err = b.Bind("O_1", BindOptions{PVName: "do1"})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.ioc.Put("ao1", 5000.4))
	require.NoError(t, b.ioc.Put("do1", 1))

	require.Eventually(t, func() bool {
		raw := b.mem.Bytes()
		return raw[31] == 0x88 && raw[32] == 0x13 && raw[102] == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		info, _ := b.Mapping("OutputValue_1")
		return !info.Pending
	}, time.Second, 5*time.Millisecond)
}

func TestPVWriteIsClampedToDriveLimits(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	high := 2000.0
	_, err := b.Bind("OutputValue_1", BindOptions{PVName: "ao1", DriveHigh: &high})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.ioc.Put("ao1", 9000))

	// 2000 = 0x07D0
	require.Eventually(t, func() bool {
		raw := b.mem.Bytes()
		return raw[31] == 0xD0 && raw[32] == 0x07
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHardwareInputReachesPV(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	rec, err := b.Bind("I_1", BindOptions{PVName: "di1"})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	b.mem.Poke(100, 1)
	require.Eventually(t, func() bool { return rec.Get() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPVUpdatedIgnoresInputsAndUnknown(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.Bind("I_1", BindOptions{PVName: "di1"})
	require.NoError(t, err)

	b.PVUpdated("di1", 1)
	b.PVUpdated("missing", 1)

	info, _ := b.Mapping("I_1")
	assert.False(t, info.Pending)
}

func TestFailingTaskStopsBridge(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	statuses, cancel := b.SubscribeStatus(8)
	defer cancel()

	calls := 0
	require.NoError(t, b.AddTask("interlock", func() error {
		calls++
		return errors.New("tripped")
	}))
	require.NoError(t, b.Start())

	seen := make([]State, 0)
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case st := <-statuses:
			seen = append(seen, st.State)
		case <-timeout:
			t.Fatalf("bridge did not stop, saw %v", seen)
		}
	}
	assert.Equal(t, []State{StateRunning, StateStopped}, seen)
	assert.Equal(t, StateStopped, b.State())
	assert.Contains(t, b.Status().LastError, "interlock")

	// The caller decides about restarting.
	assert.True(t, b.RemoveTask("interlock"))
	require.NoError(t, b.Start())
	assert.Equal(t, StateRunning, b.State())
	assert.Empty(t, b.Status().LastError)
	assert.Equal(t, 1, calls)
}

func TestStartStopRestart(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.Start(), ErrAlreadyRunning)
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.Equal(t, StateStopped, b.State())

	_, err := b.Bind("I_1", BindOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool { return b.Status().Engine.Cycles > 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Status().Mappings)
}

func TestStopTimeoutKeepsBridgeRunning(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{StopTimeout: 30 * time.Millisecond})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, b.AddTask("slow", func() error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))
	require.NoError(t, b.Start())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	err := b.Stop()
	assert.ErrorIs(t, err, pvsync.ErrStopTimeout)
	assert.Equal(t, StateRunning, b.State(), "the worker is still cycling")
	assert.ErrorIs(t, b.Start(), ErrAlreadyRunning)
	assert.Error(t, b.Close(), "close must not tear down under a live worker")
	assert.Equal(t, StateRunning, b.State())

	close(release)
	require.Eventually(t, func() bool { return b.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)

	require.True(t, b.RemoveTask("slow"))
	require.NoError(t, b.Start())
	assert.Equal(t, StateRunning, b.State())
	require.NoError(t, b.Stop())
	assert.Equal(t, StateStopped, b.State())
}

func TestTaskFacade(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	noop := func() error { return nil }
	require.NoError(t, b.AddTask("a", noop))
	require.NoError(t, b.AddTask("b", noop))
	assert.ErrorIs(t, b.AddTask("a", noop), tasks.ErrTaskExists)

	assert.Equal(t, []string{"a", "b"}, b.Tasks())
	assert.Equal(t, 2, b.TaskCount())
	assert.True(t, b.RemoveTask("a"))
	assert.False(t, b.RemoveTask("a"))
	assert.Equal(t, 1, b.ClearTasks())
	assert.Equal(t, 0, b.TaskCount())
}

func TestUnbindRemovesRecord(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.Bind("I_1", BindOptions{PVName: "di1"})
	require.NoError(t, err)

	assert.True(t, b.Unbind("I_1"))
	assert.False(t, b.Unbind("I_1"))
	_, ok := b.ioc.Record("di1")
	assert.False(t, ok)

	// Names are free again.
	_, err = b.Bind("I_1", BindOptions{PVName: "di1"})
	assert.NoError(t, err)
}

func TestResetOnExitThroughBridge(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{ResetOnExit: true})

	_, err := b.Bind("O_1", BindOptions{PVName: "do1"})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.NoError(t, b.ioc.Put("do1", 1))
	require.Eventually(t, func() bool { return b.mem.Bytes()[102] == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop())
	assert.Equal(t, byte(0), b.mem.Bytes()[102])
}

func TestCloseClearsEverything(t *testing.T) {
	b := newTestBridge(t)
	b.init(t, InitOptions{})

	_, err := b.Bind("I_1", BindOptions{})
	require.NoError(t, err)
	require.NoError(t, b.AddTask("t", func() error { return nil }))
	require.NoError(t, b.Start())

	require.NoError(t, b.Close())
	assert.Equal(t, StateUninitialized, b.State())
	assert.Empty(t, b.Mappings())
	assert.Empty(t, b.ioc.Records())
	assert.Equal(t, 0, b.TaskCount())

	_, err = b.Bind("I_1", BindOptions{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, b.Close())
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateUninitialized, StateStopped))
	assert.NoError(t, ValidateTransition(StateStopped, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopped))
	assert.ErrorIs(t, ValidateTransition(StateUninitialized, StateRunning), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StateRunning, StateUninitialized), ErrInvalidTransition)
}
