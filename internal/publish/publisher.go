package publish

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/record"
	"go.uber.org/zap"
)

// Publisher forwards record events to an external system.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev record.Event) error
	Close() error
}

// Payload is the JSON document sent for each event.
type Payload struct {
	PV        string  `json:"pv"`
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Label     string  `json:"label,omitempty"`
	Severity  string  `json:"severity"`
	Timestamp int64   `json:"timestamp_ms"`
}

func NewPayload(ev record.Event) Payload {
	return Payload{
		PV:        ev.Name,
		Kind:      ev.Kind.String(),
		Value:     ev.Value,
		Label:     ev.Label,
		Severity:  ev.Severity.String(),
		Timestamp: ev.Timestamp.UnixMilli(),
	}
}

func Encode(ev record.Event) ([]byte, error) {
	return json.Marshal(NewPayload(ev))
}

// Dispatcher fans events out to every publisher. A failing publisher is
// logged and does not hold back the others.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *zap.Logger
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, publishers ...Publisher) *Dispatcher {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Dispatcher{
		publishers: publishers,
		timeout:    timeout,
		logger:     logger,
	}
}

func (d *Dispatcher) Len() int {
	return len(d.publishers)
}

// Run publishes events until ctx is done or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan record.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev record.Event) {
	for _, p := range d.publishers {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := p.Publish(pctx, ev)
		cancel()

		if err != nil {
			d.logger.Warn("Publish failed",
				zap.String("publisher", p.Name()),
				zap.String("pv", ev.Name),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) Close() error {
	var errs []error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
