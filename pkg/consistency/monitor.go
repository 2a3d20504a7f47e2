package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
	"github.com/papercomputeco/cortex/pkg/ids"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/metrics"
	"github.com/papercomputeco/cortex/pkg/vector"
)

const (
	DefaultTopK          = 20
	DefaultMinSimilarity = 0.75
	DefaultMinConfidence = 0.6
)

// Config configures a Monitor.
type Config struct {
	Store      Store
	Memories   Memories
	Classifier Classifier
	Publisher  eventstream.Publisher
	Logger     *slog.Logger

	// TopK is the number of neighbours compared per write.
	TopK int

	// MinSimilarity skips neighbours less similar than this.
	MinSimilarity float64

	// MinConfidence downgrades less certain verdicts to ambiguous.
	MinConfidence float64

	// SupersedePenalty is subtracted from the criticality of a memory
	// superseded by a temporal update. Zero leaves criticality alone.
	SupersedePenalty float64

	Now func() time.Time
}

// Monitor checks writes for contradictions and records them.
type Monitor struct {
	store      Store
	memories   Memories
	classifier Classifier
	publisher  eventstream.Publisher
	logger     *slog.Logger

	topK          int
	minSimilarity float64
	minConfidence float64
	penalty       float64
	now           func() time.Time
}

// NewMonitor returns a Monitor. Store and Memories are required; the
// classifier defaults to a HeuristicClassifier.
func NewMonitor(c Config) (*Monitor, error) {
	if c.Store == nil || c.Memories == nil {
		return nil, errors.New("consistency monitor requires a store and memories")
	}
	if c.Classifier == nil {
		c.Classifier = NewHeuristicClassifier(HeuristicConfig{})
	}
	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Monitor{
		store:         c.Store,
		memories:      c.Memories,
		classifier:    c.Classifier,
		publisher:     c.Publisher,
		logger:        c.Logger,
		topK:          c.TopK,
		minSimilarity: c.MinSimilarity,
		minConfidence: c.MinConfidence,
		penalty:       c.SupersedePenalty,
		now:           c.Now,
	}, nil
}

// Detect compares m, which has not been committed yet, against its stored
// neighbours and returns the contradictions found. Nothing is persisted. If m
// turns out to be the older side of a temporal update it is marked Resolved
// in place.
func (mon *Monitor) Detect(ctx context.Context, m *memory.Memory) ([]*Contradiction, error) {
	if len(m.Embedding) == 0 {
		return nil, fmt.Errorf("memory %s has no embedding", m.ID)
	}

	neighbours, err := mon.memories.RetrieveSimilar(ctx, m.Embedding, mon.topK+1)
	if err != nil {
		return nil, fmt.Errorf("retrieving neighbours: %w", err)
	}

	var found []*Contradiction
	for _, n := range neighbours {
		if n.Memory.ID == m.ID || n.Memory.Resolved || float64(n.Score) < mon.minSimilarity {
			continue
		}

		p := NewPair(n.Memory, m, float64(n.Score))
		v, err := mon.classifier.Classify(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("classifying %s against %s: %w", m.ID, n.Memory.ID, err)
		}
		if v.Relation == RelationConsistent {
			continue
		}

		c := mon.contradiction(p, v)
		if c.Kind == KindTemporalUpdate && p.Older.ID == m.ID && !m.Resolved {
			m.Resolved = true
			m.Criticality = max(0, m.Criticality-mon.penalty)
		}
		found = append(found, c)
	}
	return found, nil
}

// Record persists contradictions Detect returned after the newer memory was
// committed, and auto-resolves temporal updates.
func (mon *Monitor) Record(ctx context.Context, newID string, found []*Contradiction) error {
	var errs []error
	for _, c := range found {
		if c.Kind == KindTemporalUpdate {
			if err := mon.supersede(ctx, newID, c); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		if err := mon.store.PutContradiction(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("storing contradiction %s: %w", c.ID, err))
			continue
		}
		metrics.Contradictions.WithLabelValues(string(c.Kind)).Inc()
		mon.logger.Info("contradiction detected",
			"id", c.ID, "kind", c.Kind, "older", c.MemoryIDA, "newer", c.MemoryIDB, "confidence", c.Confidence)
		mon.publish(ctx, eventstream.New(eventstream.EventTypeContradictionDetected, c.ID, c))
		if c.Resolved {
			mon.publish(ctx, eventstream.New(eventstream.EventTypeContradictionResolved, c.ID, c))
		}
	}
	return errors.Join(errs...)
}

// CheckOnWrite runs Detect then Record for a memory that is already stored.
func (mon *Monitor) CheckOnWrite(ctx context.Context, m *memory.Memory) ([]*Contradiction, error) {
	found, err := mon.Detect(ctx, m)
	if err != nil {
		return nil, err
	}
	if m.Resolved {
		if _, err := mon.memories.Update(ctx, m.ID, func(stored *memory.Memory) error {
			stored.Resolved = true
			stored.Criticality = m.Criticality
			return nil
		}); err != nil {
			return nil, fmt.Errorf("marking %s superseded: %w", m.ID, err)
		}
	}
	return found, mon.Record(ctx, m.ID, found)
}

// Classify compares two stored memories on demand. A verdict below the
// confidence threshold comes back as ambiguous together with
// ErrLowConfidence.
func (mon *Monitor) Classify(ctx context.Context, idA, idB string) (Verdict, error) {
	a, err := mon.memories.Get(ctx, idA)
	if err != nil {
		return Verdict{}, err
	}
	b, err := mon.memories.Get(ctx, idB)
	if err != nil {
		return Verdict{}, err
	}

	sim := 0.0
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		sim = float64(vector.Cosine(a.Embedding, b.Embedding))
	}
	v, err := mon.classifier.Classify(ctx, NewPair(a, b, sim))
	if err != nil {
		return Verdict{}, err
	}
	if v.Relation != RelationConsistent && v.Confidence < mon.minConfidence {
		return Verdict{Relation: RelationAmbiguous, Confidence: v.Confidence, Reason: v.Reason}, ErrLowConfidence
	}
	return v, nil
}

// Resolve marks a contradiction resolved by an operator.
func (mon *Monitor) Resolve(ctx context.Context, id, by string) (*Contradiction, error) {
	if by == "" {
		by = "operator"
	}
	c, err := mon.store.ResolveContradiction(ctx, id, by, mon.now())
	if err != nil {
		return nil, err
	}
	mon.publish(ctx, eventstream.New(eventstream.EventTypeContradictionResolved, c.ID, c))
	return c, nil
}

// List returns stored contradictions matching f.
func (mon *Monitor) List(ctx context.Context, f Filter) ([]*Contradiction, error) {
	return mon.store.ListContradictions(ctx, f)
}

// Get returns one contradiction.
func (mon *Monitor) Get(ctx context.Context, id string) (*Contradiction, error) {
	return mon.store.GetContradiction(ctx, id)
}

func (mon *Monitor) contradiction(p Pair, v Verdict) *Contradiction {
	kind := v.Relation.Kind()
	if v.Confidence < mon.minConfidence {
		kind = KindAmbiguous
	}
	return &Contradiction{
		ID:         ids.New(ids.PrefixContradiction),
		MemoryIDA:  p.Older.ID,
		MemoryIDB:  p.Newer.ID,
		Kind:       kind,
		Confidence: v.Confidence,
		Similarity: p.Similarity,
		Reason:     v.Reason,
		DetectedAt: mon.now(),
	}
}

// supersede marks the older side of a temporal update resolved. The newer
// memory is not touched.
func (mon *Monitor) supersede(ctx context.Context, newID string, c *Contradiction) error {
	if c.MemoryIDA != newID {
		_, err := mon.memories.Update(ctx, c.MemoryIDA, func(m *memory.Memory) error {
			m.Resolved = true
			if mon.penalty > 0 {
				m.Criticality = max(0, m.Criticality-mon.penalty)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("superseding %s: %w", c.MemoryIDA, err)
		}
	}

	at := mon.now()
	c.Resolved = true
	c.ResolvedAt = &at
	c.ResolvedBy = ResolvedByAuto
	return nil
}

func (mon *Monitor) publish(ctx context.Context, e *eventstream.Event) {
	if err := mon.publisher.Publish(ctx, e); err != nil {
		mon.logger.Warn("publishing event", "type", e.EventType, "error", err)
	}
}
