// Package notify fans committed pipeline changes out to email and queue
// sinks. Every sink runs after the transition has committed; failures are
// reported to the caller for logging and never undo the change.
package notify

import (
	"context"
	"errors"
	"fmt"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/metrics"
)

// Sink delivers one committed change somewhere.
type Sink interface {
	Deliver(ctx context.Context, ev pipeline.Event) error
}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher implements pipeline.Notifier over a list of sinks.
type Dispatcher struct {
	sinks []namedSink
}

// NewDispatcher returns an empty dispatcher. Notify on an empty dispatcher is a no-op.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add registers a sink under a channel name used in metrics and errors.
func (d *Dispatcher) Add(name string, sink Sink) *Dispatcher {
	if sink != nil {
		d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
	}
	return d
}

// Len reports how many sinks are registered.
func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Notify delivers ev to every sink. One failing sink does not stop the others.
func (d *Dispatcher) Notify(ctx context.Context, ev pipeline.Event) error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.sink.Deliver(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		metrics.IncNotificationSent(s.name)
	}
	return errors.Join(errs...)
}

var _ pipeline.Notifier = (*Dispatcher)(nil)
