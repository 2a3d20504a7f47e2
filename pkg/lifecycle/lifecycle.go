// Package lifecycle ages memories through the hot, warm and cold tiers.
//
// A pass demotes memories whose last activity is older than the tier's TTL
// and pins guarded memories back to hot. Passes move tiers only; nothing is
// ever deleted here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/metrics"
	"github.com/papercomputeco/cortex/pkg/scheduler"
)

const (
	DefaultHotTTL   = 30 * 24 * time.Hour
	DefaultWarmTTL  = 180 * 24 * time.Hour
	DefaultSchedule = "@every 1h"

	pageSize = 500
)

// Store is the memory access a pass needs. storage.Store satisfies it.
type Store interface {
	Get(ctx context.Context, id string) (*memory.Memory, error)
	List(ctx context.Context, f memory.ListFilter) ([]*memory.Memory, error)
	Transition(ctx context.Context, id string, to memory.Tier, cause memory.Cause) (*memory.Memory, error)
	TransitionIf(ctx context.Context, id string, to memory.Tier, cause memory.Cause, cond func(*memory.Memory) bool) (*memory.Memory, bool, error)
}

// Config configures a Manager.
type Config struct {
	Store  Store
	Logger *slog.Logger

	// HotTTL is the idle time after which a hot memory becomes warm.
	HotTTL time.Duration

	// WarmTTL is the idle time after which a warm memory becomes cold.
	WarmTTL time.Duration

	// Schedule is the cron spec Start runs passes on.
	Schedule string

	Now func() time.Time
}

// Change is one tier move made by a pass.
type Change struct {
	MemoryID string       `json:"memory_id"`
	From     memory.Tier  `json:"from"`
	To       memory.Tier  `json:"to"`
	Cause    memory.Cause `json:"cause"`
}

// Report summarizes a pass.
type Report struct {
	Scanned    int           `json:"scanned"`
	HotToWarm  int           `json:"hot_to_warm"`
	WarmToCold int           `json:"warm_to_cold"`
	Pinned     int           `json:"pinned"`
	Guarded    int           `json:"guarded"`
	Skipped    int           `json:"skipped"`
	Changes    []Change      `json:"changes"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Summary returns a one-line description of the pass.
func (r *Report) Summary() string {
	return fmt.Sprintf("Lifecycle pass: %d scanned, %d hot->warm, %d warm->cold, %d pinned, %d guarded, %d skipped",
		r.Scanned, r.HotToWarm, r.WarmToCold, r.Pinned, r.Guarded, r.Skipped)
}

// Manager runs lifecycle passes on demand or on a schedule.
type Manager struct {
	store    Store
	logger   *slog.Logger
	hotTTL   time.Duration
	warmTTL  time.Duration
	schedule string
	now      func() time.Time

	// pass serializes passes so a manual run never overlaps a scheduled one.
	pass sync.Mutex

	mu        sync.Mutex
	scheduler *scheduler.Scheduler
}

// NewManager returns a Manager. The store is required.
func NewManager(c Config) (*Manager, error) {
	if c.Store == nil {
		return nil, errors.New("lifecycle manager requires a store")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HotTTL <= 0 {
		c.HotTTL = DefaultHotTTL
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = DefaultWarmTTL
	}
	if c.WarmTTL < c.HotTTL {
		return nil, fmt.Errorf("warm ttl %s is shorter than hot ttl %s", c.WarmTTL, c.HotTTL)
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Manager{
		store:    c.Store,
		logger:   c.Logger,
		hotTTL:   c.HotTTL,
		warmTTL:  c.WarmTTL,
		schedule: c.Schedule,
		now:      c.Now,
	}, nil
}

// RunPass ages every visible memory once. A memory idle past WarmTTL moves
// hot to warm to cold in the same pass. Memories changed concurrently are
// skipped and picked up by the next pass.
func (m *Manager) RunPass(ctx context.Context) (*Report, error) {
	m.pass.Lock()
	defer m.pass.Unlock()

	now := m.now()
	report := &Report{StartedAt: now, Changes: []Change{}}
	defer func() {
		report.Duration = time.Since(now)
		metrics.LifecyclePassDuration.Observe(report.Duration.Seconds())
	}()

	var errs []error
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := m.store.List(ctx, memory.ListFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return report, fmt.Errorf("listing memories: %w", err)
		}
		for _, mem := range page {
			report.Scanned++
			if err := m.age(ctx, mem, now, report); err != nil {
				errs = append(errs, err)
			}
		}
		if len(page) < pageSize {
			break
		}
	}

	m.logger.Info("lifecycle pass finished",
		"scanned", report.Scanned, "hot_to_warm", report.HotToWarm, "warm_to_cold", report.WarmToCold,
		"pinned", report.Pinned, "skipped", report.Skipped)
	return report, errors.Join(errs...)
}

func (m *Manager) age(ctx context.Context, mem *memory.Memory, now time.Time, report *Report) error {
	if mem.Guarded() {
		if mem.Tier == memory.TierHot {
			report.Guarded++
			return nil
		}
		moved, err := m.move(ctx, mem, memory.TierHot, memory.CausePin, nil, report)
		if moved {
			report.Pinned++
		}
		return err
	}

	if mem.Tier == memory.TierHot && idleFor(mem, now, m.hotTTL) {
		moved, err := m.move(ctx, mem, memory.TierWarm, memory.CauseLifecycle, stillIdle(memory.TierHot, now, m.hotTTL), report)
		if !moved {
			return err
		}
		report.HotToWarm++
	}
	if mem.Tier == memory.TierWarm && idleFor(mem, now, m.warmTTL) {
		moved, err := m.move(ctx, mem, memory.TierCold, memory.CauseLifecycle, stillIdle(memory.TierWarm, now, m.warmTTL), report)
		if moved {
			report.WarmToCold++
		}
		return err
	}
	return nil
}

func idleFor(mem *memory.Memory, now time.Time, ttl time.Duration) bool {
	return now.Sub(mem.LastActivity()) > ttl
}

// stillIdle rechecks a demotion against the stored memory, which may have
// been retrieved or moved since the pass listed it.
func stillIdle(tier memory.Tier, now time.Time, ttl time.Duration) func(*memory.Memory) bool {
	return func(cur *memory.Memory) bool {
		return cur.Tier == tier && idleFor(cur, now, ttl)
	}
}

// move transitions mem in place. A memory that became guarded, active or
// tombstoned since it was listed is skipped without error.
func (m *Manager) move(ctx context.Context, mem *memory.Memory, to memory.Tier, cause memory.Cause, cond func(*memory.Memory) bool, report *Report) (bool, error) {
	from := mem.Tier
	updated, ok, err := m.store.TransitionIf(ctx, mem.ID, to, cause, cond)
	if err != nil {
		report.Skipped++
		if memory.IsInvalidTransition(err) || memory.IsNotFound(err) {
			m.logger.Debug("lifecycle skipped memory", "memory_id", mem.ID, "to", to, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("moving %s to %s: %w", mem.ID, to, err)
	}
	if !ok {
		report.Skipped++
		m.logger.Debug("lifecycle skipped memory no longer idle", "memory_id", mem.ID, "to", to)
		*mem = *updated
		return false, nil
	}

	*mem = *updated
	report.Changes = append(report.Changes, Change{MemoryID: mem.ID, From: from, To: mem.Tier, Cause: cause})
	return true, nil
}

// Demote moves a memory one tier down on an operator's behalf. Guarded
// memories and cold memories are rejected with InvalidTransitionError.
func (m *Manager) Demote(ctx context.Context, id string) (*memory.Memory, error) {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := cur.Tier.Next()
	if !ok {
		return nil, &memory.InvalidTransitionError{
			ID:     id,
			From:   string(cur.Tier),
			To:     string(cur.Tier),
			Reason: "cold is the lowest tier",
		}
	}
	return m.store.Transition(ctx, id, next, memory.CauseOperator)
}

// Start runs passes on the configured schedule until Stop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return errors.New("lifecycle manager already started")
	}

	s := scheduler.New(scheduler.Config{Logger: m.logger})
	if err := s.Add("lifecycle", m.schedule, func(ctx context.Context) error {
		_, err := m.RunPass(ctx)
		return err
	}); err != nil {
		return err
	}
	s.Start()
	m.scheduler = s
	m.logger.Info("lifecycle scheduler started", "schedule", m.schedule)
	return nil
}

// Stop stops the schedule and waits for a running pass.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}
