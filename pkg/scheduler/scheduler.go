// Package scheduler runs cortex's periodic jobs (lifecycle passes, due
// deletions, attribution validation) on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/papercomputeco/cortex/pkg/metrics"
)

// Func is a scheduled job. The context is cancelled when the scheduler stops.
type Func func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds configuration for the scheduler.
type Config struct {
	// Timeout bounds each run. Zero means no timeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// New returns a stopped scheduler.
func New(c Config) *Scheduler {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: c.Timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under name on spec, a cron expression or descriptor such
// as "@every 1h".
func (s *Scheduler) Add(name, spec string, fn Func) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			metrics.ScheduledJobs.WithLabelValues(name, "error").Inc()
			s.logger.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		metrics.ScheduledJobs.WithLabelValues(name, "ok").Inc()
		s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduling %s on %q: %w", name, spec, err)
	}
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
