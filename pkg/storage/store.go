package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
	"github.com/papercomputeco/cortex/pkg/ids"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/metrics"
	"github.com/papercomputeco/cortex/pkg/vector"
)

const defaultOverfetch = 2

// MaxK is the deepest retrieval RetrieveSimilar serves. Larger k is
// clamped.
const MaxK = 1000

// maxFetch bounds the widened index window.
const maxFetch = 16 * MaxK

// StoreConfig configures a Store.
type StoreConfig struct {
	Driver    MemoryDriver
	Index     vector.Driver
	Publisher eventstream.Publisher
	Logger    *slog.Logger

	// Overfetch multiplies k when querying the index, leaving room for
	// results the driver filters out. Defaults to 2, at most 16.
	Overfetch int

	Now func() time.Time
}

// Store is the memory store used by every engine.
type Store struct {
	driver    MemoryDriver
	index     vector.Driver
	publisher eventstream.Publisher
	logger    *slog.Logger
	overfetch int
	now       func() time.Time
}

// NewStore returns a Store over c.Driver and c.Index.
func NewStore(c StoreConfig) *Store {
	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Overfetch < 1 {
		c.Overfetch = defaultOverfetch
	}
	c.Overfetch = min(c.Overfetch, maxFetch/MaxK)
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Store{
		driver:    c.Driver,
		index:     c.Index,
		publisher: c.Publisher,
		logger:    c.Logger,
		overfetch: c.Overfetch,
		now:       c.Now,
	}
}

// Put validates m, fills defaults and stores it. The embedding is indexed
// before the row is written; an index entry whose row never lands is
// invisible because retrieval filters through the driver.
func (s *Store) Put(ctx context.Context, m *memory.Memory) error {
	if strings.TrimSpace(m.Text) == "" {
		return memory.ErrEmptyText
	}
	if err := memory.ValidateCriticality(m.Criticality); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = ids.New(ids.PrefixMemory)
	}
	if m.Tier == "" {
		m.Tier = memory.TierHot
	}
	if _, err := memory.ParseTier(string(m.Tier)); err != nil {
		return err
	}
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.AssertedAt.IsZero() {
		m.AssertedAt = m.CreatedAt
	}
	m.UpdatedAt = now
	m.Version = 1
	m.Tombstoned = false

	if len(m.Embedding) > 0 {
		if err := s.index.Add(ctx, []vector.Document{{ID: m.ID, Embedding: m.Embedding}}); err != nil {
			return fmt.Errorf("indexing memory %s: %w", m.ID, err)
		}
	}
	if err := s.driver.Put(ctx, m); err != nil {
		return fmt.Errorf("storing memory %s: %w", m.ID, err)
	}

	metrics.MemoriesWritten.Inc()
	s.publish(ctx, eventstream.New(eventstream.EventTypeMemoryWritten, m.ID, m))
	return nil
}

// Get returns a visible memory.
func (s *Store) Get(ctx context.Context, id string) (*memory.Memory, error) {
	return s.driver.Get(ctx, id)
}

// List returns visible memories matching f.
func (s *Store) List(ctx context.Context, f memory.ListFilter) ([]*memory.Memory, error) {
	return s.driver.List(ctx, f)
}

// Versions returns a memory's edit history.
func (s *Store) Versions(ctx context.Context, id string) ([]memory.Version, error) {
	return s.driver.Versions(ctx, id)
}

// Update applies fn atomically. See MemoryDriver.Update.
func (s *Store) Update(ctx context.Context, id string, fn func(*memory.Memory) error) (*memory.Memory, error) {
	return s.driver.Update(ctx, id, fn)
}

// Edit applies a versioned edit and reindexes a changed embedding. An edit
// raising criticality to the guard pins the memory to hot.
func (s *Store) Edit(ctx context.Context, e memory.Edit) (*memory.Memory, error) {
	if strings.TrimSpace(e.Text) == "" {
		return nil, memory.ErrEmptyText
	}
	if e.Criticality != nil {
		if err := memory.ValidateCriticality(*e.Criticality); err != nil {
			return nil, err
		}
	}
	if e.EditedAt.IsZero() {
		e.EditedAt = s.now()
	}

	before, err := s.driver.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	m, err := s.driver.Edit(ctx, e)
	if err != nil {
		return nil, err
	}
	s.tierChanged(ctx, m, before.Tier, memory.CausePin)
	if len(e.Embedding) > 0 {
		if err := s.index.Add(ctx, []vector.Document{{ID: m.ID, Embedding: e.Embedding}}); err != nil {
			return nil, fmt.Errorf("reindexing memory %s: %w", m.ID, err)
		}
	}

	s.publish(ctx, eventstream.New(eventstream.EventTypeMemoryEdited, m.ID, m))
	return m, nil
}

// Transition moves a memory to tier to on behalf of cause, recording the
// change when the tier actually moves.
func (s *Store) Transition(ctx context.Context, id string, to memory.Tier, cause memory.Cause) (*memory.Memory, error) {
	m, _, err := s.TransitionIf(ctx, id, to, cause, nil)
	return m, err
}

// errConditionUnmet discards an update whose condition no longer holds.
var errConditionUnmet = errors.New("transition condition unmet")

// TransitionIf is Transition gated on cond, which sees the current copy of
// the memory under its update lock. When cond reports false nothing is
// written and TransitionIf returns the stored memory with ok false. A nil
// cond always holds.
func (s *Store) TransitionIf(ctx context.Context, id string, to memory.Tier, cause memory.Cause, cond func(*memory.Memory) bool) (*memory.Memory, bool, error) {
	var from memory.Tier
	m, err := s.driver.Update(ctx, id, func(m *memory.Memory) error {
		if cond != nil && !cond(m) {
			return errConditionUnmet
		}
		from = m.Tier
		if err := memory.Transition(m, to, cause); err != nil {
			return err
		}
		if from != m.Tier {
			m.UpdatedAt = s.now()
		}
		return nil
	})
	if errors.Is(err, errConditionUnmet) {
		cur, err := s.driver.Get(ctx, id)
		return cur, false, err
	}
	if err != nil {
		return nil, false, err
	}
	s.tierChanged(ctx, m, from, cause)
	return m, true, nil
}

// RecordRetrieval counts a retrieval of id at time at and promotes the
// memory to hot in the same update.
func (s *Store) RecordRetrieval(ctx context.Context, id string, at time.Time) (*memory.Memory, error) {
	var from memory.Tier
	m, err := s.driver.Update(ctx, id, func(m *memory.Memory) error {
		from = m.Tier
		m.RetrievalCount++
		m.LastRetrievedAt = &at
		return memory.Transition(m, memory.TierHot, memory.CauseRetrieval)
	})
	if err != nil {
		return nil, err
	}
	s.tierChanged(ctx, m, from, memory.CauseRetrieval)
	return m, nil
}

// SetCriticality updates a memory's criticality. Reaching the guard pins
// the memory to hot in the same update.
func (s *Store) SetCriticality(ctx context.Context, id string, value float64) (*memory.Memory, error) {
	if err := memory.ValidateCriticality(value); err != nil {
		return nil, err
	}

	var from memory.Tier
	m, err := s.driver.Update(ctx, id, func(m *memory.Memory) error {
		from = m.Tier
		m.Criticality = value
		m.UpdatedAt = s.now()
		if m.Guarded() {
			return memory.Transition(m, memory.TierHot, memory.CausePin)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.tierChanged(ctx, m, from, memory.CausePin)
	return m, nil
}

// RetrieveSimilar returns up to k visible memories ordered by similarity.
// The index is queried with headroom and re-queried with a larger window
// while hidden results leave the page short.
func (s *Store) RetrieveSimilar(ctx context.Context, embedding []float32, k int) ([]memory.Scored, error) {
	if k <= 0 {
		return []memory.Scored{}, nil
	}
	k = min(k, MaxK)

	fetch := min(k*s.overfetch, maxFetch)
	for {
		results, err := s.index.Query(ctx, embedding, fetch)
		if err != nil {
			return nil, fmt.Errorf("querying index: %w", err)
		}

		out := make([]memory.Scored, 0, min(k, len(results)))
		for _, r := range results {
			m, err := s.driver.Get(ctx, r.ID)
			if memory.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading memory %s: %w", r.ID, err)
			}
			out = append(out, memory.Scored{Memory: m, Score: r.Score})
			if len(out) == k {
				return out, nil
			}
		}

		// A short page means the index ran out.
		if len(results) < fetch || fetch >= maxFetch {
			return out, nil
		}
		s.logger.Debug("retrieval window filtered short, widening", "k", k, "fetch", fetch, "visible", len(out))
		fetch = min(fetch*2, maxFetch)
	}
}

// Tombstone hides ids and removes them from the index. The driver flip is
// the commit point; a failed index purge is returned but the memories are
// already invisible.
func (s *Store) Tombstone(ctx context.Context, ids []string) error {
	if err := s.driver.Tombstone(ctx, ids); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("purging index: %w", err)
	}
	return nil
}

// Delete removes ids from the index only. It lets the provenance engine
// purge embeddings after its own tombstone transaction.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	return s.index.Delete(ctx, ids)
}

// Close closes the index and the driver.
func (s *Store) Close() error {
	return errors.Join(s.index.Close(), s.driver.Close())
}

func (s *Store) tierChanged(ctx context.Context, m *memory.Memory, from memory.Tier, cause memory.Cause) {
	if from == m.Tier {
		return
	}
	metrics.TierTransitions.WithLabelValues(string(from), string(m.Tier), string(cause)).Inc()
	s.logger.Debug("tier changed", "memory_id", m.ID, "from", from, "to", m.Tier, "cause", cause)
	s.publish(ctx, eventstream.New(eventstream.EventTypeTierChanged, m.ID, eventstream.TierChange{
		From: string(from), To: string(m.Tier), Cause: string(cause),
	}))
}

func (s *Store) publish(ctx context.Context, e *eventstream.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publishing event", "type", e.EventType, "error", err)
	}
}
