package record

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type handlerSpy struct {
	mu     sync.Mutex
	names  []string
	values []float64
}

func (h *handlerSpy) PVUpdated(name string, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, name)
	h.values = append(h.values, value)
}

func (h *handlerSpy) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}

func ptr(v float64) *float64 { return &v }

func TestCreateRecord(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())

	rec, err := ioc.CreateRecord(AnalogIn, "core:aio:in1", 12.5, Options{})
	require.NoError(t, err)
	assert.Equal(t, "core:aio:in1", rec.Name())
	assert.Equal(t, AnalogIn, rec.Kind())
	assert.Equal(t, 12.5, rec.Get())

	_, err = ioc.CreateRecord(AnalogOut, "core:aio:in1", 0, Options{})
	assert.ErrorIs(t, err, ErrRecordExists)

	_, err = ioc.CreateRecord(AnalogOut, "", 0, Options{})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ioc.CreateRecord(AnalogOut, "bad-limits", 0, Options{DriveLow: ptr(5), DriveHigh: ptr(1)})
	assert.ErrorIs(t, err, ErrInvalidValue)

	got, ok := ioc.Record("core:aio:in1")
	require.True(t, ok)
	assert.Same(t, rec, got)

	assert.True(t, ioc.RemoveRecord("core:aio:in1"))
	assert.False(t, ioc.RemoveRecord("core:aio:in1"))
	_, ok = ioc.Record("core:aio:in1")
	assert.False(t, ok)
}

func TestBinaryCoercion(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())

	rec, err := ioc.CreateRecord(BinaryIn, "di", 7, Options{ZeroName: "Off", OneName: "On"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Get())

	require.NoError(t, rec.Set(0, true))
	assert.Equal(t, 0.0, rec.Get())

	label, sev := rec.(*SoftRecord).Alarm()
	assert.Equal(t, "Off", label)
	assert.Equal(t, NoAlarm, sev)
}

func TestSetRejectsNonFinite(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	rec, err := ioc.CreateRecord(AnalogIn, "ai", 0, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, rec.Set(math.NaN(), true), ErrInvalidValue)
	assert.ErrorIs(t, rec.Set(math.Inf(1), false), ErrInvalidValue)
	assert.Equal(t, 0.0, rec.Get())
}

func TestNotifyOnlyForProcessedOutputs(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	spy := &handlerSpy{}
	ioc.SetUpdateHandler(spy)

	out, err := ioc.CreateRecord(AnalogOut, "ao", 0, Options{})
	require.NoError(t, err)
	in, err := ioc.CreateRecord(AnalogIn, "ai", 0, Options{})
	require.NoError(t, err)

	require.NoError(t, out.Set(1, false))
	require.NoError(t, in.Set(1, true))
	assert.Empty(t, spy.calls())

	require.NoError(t, out.Set(2, true))
	assert.Equal(t, []string{"ao"}, spy.calls())
}

func TestDriveLimitsClampProcessedWrites(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	rec, err := ioc.CreateRecord(AnalogOut, "ao", 0, Options{DriveLow: ptr(0), DriveHigh: ptr(10000)})
	require.NoError(t, err)

	require.NoError(t, ioc.Put("ao", 12000))
	assert.Equal(t, 10000.0, rec.Get())

	require.NoError(t, ioc.Put("ao", -5))
	assert.Equal(t, 0.0, rec.Get())

	// Feedback from hardware is stored as is.
	require.NoError(t, rec.Set(12000, false))
	assert.Equal(t, 12000.0, rec.Get())
}

func TestPut(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	spy := &handlerSpy{}
	ioc.SetUpdateHandler(spy)

	_, err := ioc.CreateRecord(AnalogIn, "ai", 0, Options{})
	require.NoError(t, err)
	_, err = ioc.CreateRecord(BinaryOut, "bo", 0, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, ioc.Put("missing", 1), ErrUnknownRecord)
	assert.ErrorIs(t, ioc.Put("ai", 1), ErrReadOnly)

	require.NoError(t, ioc.Put("bo", 3))
	rec, _ := ioc.Record("bo")
	assert.Equal(t, 1.0, rec.Get())
	assert.Equal(t, []string{"bo"}, spy.calls())
	assert.Equal(t, []float64{1}, spy.values)
}

func TestMultiBitAlarm(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	states := []State{
		{Label: "OK", Severity: NoAlarm},
		{Label: "Below the range", Severity: Major},
	}
	rec, err := ioc.CreateRecord(MultiBitIn, "status", 0, Options{States: states})
	require.NoError(t, err)
	sr := rec.(*SoftRecord)

	label, sev := sr.Alarm()
	assert.Equal(t, "OK", label)
	assert.Equal(t, NoAlarm, sev)

	require.NoError(t, rec.Set(1, true))
	label, sev = sr.Alarm()
	assert.Equal(t, "Below the range", label)
	assert.Equal(t, Major, sev)

	require.NoError(t, rec.Set(5, true))
	_, sev = sr.Alarm()
	assert.Equal(t, Invalid, sev)
}

func TestSubscribe(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	events, cancel := ioc.Subscribe(4)

	rec, err := ioc.CreateRecord(AnalogIn, "ai", 0, Options{})
	require.NoError(t, err)
	require.NoError(t, rec.Set(42, true))

	ev := <-events
	assert.Equal(t, "ai", ev.Name)
	assert.Equal(t, AnalogIn, ev.Kind)
	assert.Equal(t, 42.0, ev.Value)
	assert.False(t, ev.Timestamp.IsZero())

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// No subscriber left, Set must not block.
	require.NoError(t, rec.Set(43, true))
}

func TestSubscriberOverflowDoesNotBlock(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	_, cancel := ioc.Subscribe(1)
	defer cancel()

	rec, err := ioc.CreateRecord(AnalogIn, "ai", 0, Options{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, rec.Set(float64(i), true))
	}
	assert.Equal(t, 9.0, rec.Get())
}

func TestRecordsSorted(t *testing.T) {
	ioc := NewSoftIOC(zap.NewNop())
	for _, n := range []string{"c", "a", "b"} {
		_, err := ioc.CreateRecord(AnalogIn, n, 0, Options{})
		require.NoError(t, err)
	}

	names := make([]string, 0)
	for _, r := range ioc.Records() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "ai", AnalogIn.String())
	assert.Equal(t, "mbbi", MultiBitIn.String())
	assert.True(t, BinaryOut.IsOutput())
	assert.False(t, MultiBitIn.IsOutput())
	assert.Equal(t, "MAJOR", Major.String())
}
