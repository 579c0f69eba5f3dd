// Package dispatch fans classified change events out to an ordered set of
// sinks. Sinks are independent: one sink's failure is reported and never
// blocks delivery to the others or the monitor's cursor persistence.
// Delivery is at-least-once; sinks needing exactly-once are responsible
// for their own idempotence.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"undeleterd/internal/diff"
)

// Sink consumes change events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev diff.ChangeEvent) error
	Close() error
}

// SinkError is one sink's failure for one event.
type SinkError struct {
	Sink  string
	RowID int64
	Err   error
}

func (e SinkError) Error() string {
	return fmt.Sprintf("sink %s: rowid %d: %v", e.Sink, e.RowID, e.Err)
}

// Dispatcher delivers event batches to all sinks.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// New returns a dispatcher. timeout bounds each sink's work per event so a
// stuck sink cannot stall the monitor loop indefinitely.
func New(sinks []Sink, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, log: log}
}

// Dispatch delivers the batch. Events are delivered in order; for each
// event the sinks run concurrently with each other, and the call returns
// only when every delivery has finished or timed out, so dispatch never
// overlaps the next tick. All failures are collected, none short-circuits.
func (d *Dispatcher) Dispatch(ctx context.Context, events []diff.ChangeEvent) []SinkError {
	var (
		mu   sync.Mutex
		errs []SinkError
	)
	for _, ev := range events {
		var wg sync.WaitGroup
		for _, s := range d.sinks {
			wg.Add(1)
			go func(s Sink) {
				defer wg.Done()
				dctx := ctx
				var cancel context.CancelFunc
				if d.timeout > 0 {
					dctx, cancel = context.WithTimeout(ctx, d.timeout)
					defer cancel()
				}
				if err := s.Deliver(dctx, ev); err != nil {
					d.log.Error("sink delivery failed",
						"sink", s.Name(), "table", ev.Table.String(),
						"rowid", ev.RowID, "err", err)
					mu.Lock()
					errs = append(errs, SinkError{Sink: s.Name(), RowID: ev.RowID, Err: err})
					mu.Unlock()
				}
			}(s)
		}
		wg.Wait()
	}
	return errs
}

// Close closes every sink, reporting the first error.
func (d *Dispatcher) Close() error {
	var first error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close sink %s: %w", s.Name(), err)
		}
	}
	return first
}
