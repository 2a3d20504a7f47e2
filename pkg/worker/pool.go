// Package worker runs jobs on a fixed set of goroutines fed by a bounded queue.
//
// cortex keeps separate pools for amortized and exact attribution so a burst
// of slow ablations can't starve query-path scoring.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// Job is a unit of work for the worker pool to execute.
type Job struct {
	// Name identifies the job in logs.
	Name string

	Run func(ctx context.Context) error

	done chan error
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Name identifies the pool in logs.
	Name string

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	Logger *slog.Logger
}

// Pool executes jobs asynchronously.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *slog.Logger

	// ctx is cancelled by Close once the queue drains; jobs run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: logger.With("pool", c.Name),
		ctx:    ctx,
		cancel: cancel,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job without waiting for it. Returns false, dropping the
// job, when the queue is full or the pool is closed.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.queue <- job:
		p.logger.Debug("job queued", "job", job.Name)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped", "job", job.Name)
		return false
	}
}

// Submit queues job, waiting for queue space, then waits for the job to
// finish and returns its error. ctx bounds both waits; a job already running
// when ctx ends keeps running but its result is discarded.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	job.done = make(chan error, 1)

	if err := p.send(ctx, job); err != nil {
		return err
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) send(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, waits for queued jobs to drain and then
// cancels the context jobs run under.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for job := range p.queue {
		p.run(job)
	}

	p.logger.Debug("worker stopped", "worker_id", id)
}

func (p *Pool) run(job Job) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			p.logger.Error("job panicked", "job", job.Name, "panic", r)
		}
		if job.done != nil {
			job.done <- err
		}
	}()

	err = job.Run(p.ctx)
	if err != nil && job.done == nil {
		p.logger.Error("background job failed", "job", job.Name, "error", err)
	}
}
