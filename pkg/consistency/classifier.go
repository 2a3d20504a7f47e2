package consistency

import (
	"context"
	"time"

	"github.com/papercomputeco/cortex/pkg/memory"
)

// Relation is a classifier's reading of a memory pair.
type Relation string

const (
	RelationConsistent     Relation = "consistent"
	RelationLogical        Relation = "logical"
	RelationTemporalUpdate Relation = "temporal_update"
	RelationConcurrent     Relation = "concurrent_conflict"

	// RelationAmbiguous is only produced by downgrading a low-confidence
	// verdict.
	RelationAmbiguous Relation = "ambiguous"
)

// Kind maps a conflicting relation to its contradiction kind.
func (r Relation) Kind() Kind {
	switch r {
	case RelationLogical:
		return KindLogical
	case RelationTemporalUpdate:
		return KindTemporalUpdate
	case RelationConcurrent:
		return KindConcurrentConflict
	}
	return KindAmbiguous
}

// Pair is the input to a classifier. Older's text was asserted no later
// than Newer's.
type Pair struct {
	Older      *memory.Memory
	Newer      *memory.Memory
	Similarity float64
}

// NewPair orders a and b by when their current text was asserted, so an
// edited memory counts as the newer side.
func NewPair(a, b *memory.Memory, similarity float64) Pair {
	if b.Asserted().Before(a.Asserted()) {
		a, b = b, a
	}
	return Pair{Older: a, Newer: b, Similarity: similarity}
}

// Gap is the time between the two assertions.
func (p Pair) Gap() time.Duration {
	return p.Newer.Asserted().Sub(p.Older.Asserted())
}

// Verdict is a classifier's output.
type Verdict struct {
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason,omitempty"`
}

// Classifier decides how two similar memories relate.
type Classifier interface {
	Classify(ctx context.Context, p Pair) (Verdict, error)
}
