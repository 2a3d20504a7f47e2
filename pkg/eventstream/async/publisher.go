// Package async hands events to another publisher from a background worker,
// so state changes never wait on the event backend.
package async

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/worker"
)

// Config configures a Publisher.
type Config struct {
	// Next receives every queued event.
	Next eventstream.Publisher

	// QueueSize bounds the events waiting for Next. Defaults to the worker
	// pool default.
	QueueSize uint

	Logger *slog.Logger
}

// Publisher queues events for Next. A single worker drains the queue, so
// events reach Next in publish order.
type Publisher struct {
	next   eventstream.Publisher
	pool   *worker.Pool
	logger *slog.Logger
}

var _ eventstream.Publisher = (*Publisher)(nil)

// NewPublisher starts the worker feeding c.Next.
func NewPublisher(c Config) (*Publisher, error) {
	if c.Next == nil {
		return nil, fmt.Errorf("async publisher requires a next publisher")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	pool, err := worker.NewPool(&worker.Config{Name: "events", NumWorkers: 1, QueueSize: c.QueueSize, Logger: c.Logger})
	if err != nil {
		return nil, fmt.Errorf("creating event pool: %w", err)
	}
	return &Publisher{next: c.Next, pool: pool, logger: c.Logger}, nil
}

// Publish queues event and returns without waiting for Next. A full queue
// drops the event and returns ErrDropped.
func (p *Publisher) Publish(_ context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	queued := p.pool.Enqueue(worker.Job{
		Name: event.EventType,
		Run: func(ctx context.Context) error {
			return p.next.Publish(ctx, event)
		},
	})
	if !queued {
		return fmt.Errorf("%w: %s %s", eventstream.ErrDropped, event.EventType, event.Subject)
	}
	return nil
}

// Close drains queued events into Next and then closes it.
func (p *Publisher) Close() error {
	p.pool.Close()
	return p.next.Close()
}
