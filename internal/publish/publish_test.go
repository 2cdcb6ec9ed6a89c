package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePublisher struct {
	name   string
	mu     sync.Mutex
	events []record.Event
	err    error
	closed bool
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(ctx context.Context, ev record.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return f.err
}

func (f *fakePublisher) received() []record.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Event(nil), f.events...)
}

func testEvent(name string, v float64) record.Event {
	return record.Event{
		Name:      name,
		Kind:      record.AnalogIn,
		Value:     v,
		Severity:  record.NoAlarm,
		Timestamp: time.UnixMilli(1700000000123),
	}
}

func TestPayloadEncoding(t *testing.T) {
	ev := testEvent("core:device:pv:InputValue_1", 12.5)
	ev.Label = "OK"

	data, err := Encode(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "core:device:pv:InputValue_1", got["pv"])
	assert.Equal(t, "ai", got["kind"])
	assert.Equal(t, 12.5, got["value"])
	assert.Equal(t, "OK", got["label"])
	assert.Equal(t, "NO_ALARM", got["severity"])
	assert.Equal(t, float64(1700000000123), got["timestamp_ms"])
}

func TestDispatcherFansOutAndSurvivesFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	broken := &fakePublisher{name: "broken", err: errors.New("offline")}
	healthy := &fakePublisher{name: "healthy"}
	d := NewDispatcher(zap.New(core), 0, broken, healthy)
	assert.Equal(t, 2, d.Len())

	events := make(chan record.Event, 2)
	events <- testEvent("a", 1)
	events <- testEvent("b", 2)
	close(events)

	d.Run(context.Background(), events)

	assert.Len(t, broken.received(), 2)
	got := healthy.received()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
	assert.Equal(t, 2, logs.FilterMessage("Publish failed").Len())
}

func TestDispatcherStopsOnContext(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), time.Second, &fakePublisher{name: "p"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx, make(chan record.Event))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherCloseJoinsErrors(t *testing.T) {
	a := &fakePublisher{name: "a", err: errors.New("a failed")}
	b := &fakePublisher{name: "b"}
	d := NewDispatcher(zap.NewNop(), 0, a, b)

	err := d.Close()
	assert.ErrorContains(t, err, "a failed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestDispatcherWithSoftIOC(t *testing.T) {
	ioc := record.NewSoftIOC(zap.NewNop())
	rec, err := ioc.CreateRecord(record.AnalogIn, "temp", 0, record.Options{})
	require.NoError(t, err)

	events, cancelSub := ioc.Subscribe(8)
	defer cancelSub()

	pub := &fakePublisher{name: "p"}
	d := NewDispatcher(zap.NewNop(), 0, pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, events)

	require.NoError(t, rec.Set(21, true))
	assert.Eventually(t, func() bool {
		got := pub.received()
		return len(got) == 1 && got[0].Value == 21
	}, time.Second, 5*time.Millisecond)
}

// fakeToken completes immediately.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTTClient struct {
	mqtt.Client
	topic        string
	qos          byte
	retained     bool
	payload      []byte
	err          error
	disconnected bool
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.retained = retained
	c.payload = payload.([]byte)
	return newFakeToken(c.err)
}

func (c *fakeMQTTClient) Disconnect(quiesce uint) {
	c.disconnected = true
}

func TestMQTTPublisher(t *testing.T) {
	client := &fakeMQTTClient{}
	p := newMQTTPublisher(client, MQTTOptions{TopicPrefix: "revpi/", QoS: 1, Retained: true}, zap.NewNop())

	require.NoError(t, p.Publish(context.Background(), testEvent("core:device:pv:O_1", 1)))
	assert.Equal(t, "revpi/core:device:pv:O_1", client.topic)
	assert.Equal(t, byte(1), client.qos)
	assert.True(t, client.retained)

	var payload Payload
	require.NoError(t, json.Unmarshal(client.payload, &payload))
	assert.Equal(t, "core:device:pv:O_1", payload.PV)
	assert.Equal(t, 1.0, payload.Value)

	client.err = errors.New("not connected")
	err := p.Publish(context.Background(), testEvent("x", 0))
	assert.ErrorContains(t, err, "not connected")

	require.NoError(t, p.Close())
	assert.True(t, client.disconnected)
}

func TestMQTTTopicWithoutPrefix(t *testing.T) {
	p := newMQTTPublisher(&fakeMQTTClient{}, MQTTOptions{}, zap.NewNop())
	assert.Equal(t, "pv", p.Topic("pv"))
}

func TestRedisPublisherReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := newRedisPublisher(client, RedisOptions{KeyPrefix: "revpi:pv:", Channel: "revpi:updates"})
	defer p.Close()

	assert.Equal(t, "revpi:pv:temp", p.Key("temp"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Publish(ctx, testEvent("temp", 1))
	assert.ErrorContains(t, err, "redis publish temp")
}
