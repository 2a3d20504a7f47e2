// Package attribution scores how much each retrieved memory contributed to a
// generated response.
//
// Amortized scores come from a small linear predictor over cheap features
// and are computed on every query. Exact scores come from leave-one-out
// ablation: the response is regenerated with each memory withheld and the
// embedding shift is measured. Exact scoring is expensive and runs on its own
// bounded pool. Validation compares the two on a sample of queries and
// refits the predictor; while the correlation sits below the threshold the
// engine reports itself degraded.
package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/papercomputeco/cortex/pkg/memory"
)

// Mode is how an attribution was computed.
type Mode string

const (
	ModeAmortized Mode = "amortized"
	ModeExact     Mode = "exact"
)

// ErrEngineDegraded marks attribution results that can't be trusted: either
// the amortized predictor failed validation or a dependency kept failing.
var ErrEngineDegraded = errors.New("attribution engine degraded")

// Attribution is the contribution of one memory to one query's response.
// Weights need not sum to one. Attributions are never mutated once stored.
type Attribution struct {
	QueryID       string    `json:"query_id"`
	MemoryID      string    `json:"memory_id"`
	Weight        float64   `json:"weight"`
	Confidence    float64   `json:"confidence"`
	Mode          Mode      `json:"mode"`
	ComputeTimeMs int64     `json:"compute_time_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query is the audit record of an answered query.
type Query struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Response  string    `json:"response"`
	MemoryIDs []string  `json:"memory_ids"`
	CreatedAt time.Time `json:"created_at"`

	// AgentID is the agent that asked, empty when unknown.
	AgentID string `json:"agent_id,omitempty"`
}

// Filter narrows ListAttributions. Zero values match everything.
type Filter struct {
	QueryID  string
	MemoryID string
	Mode     Mode
	Since    time.Time
}

// Match reports whether a satisfies the filter.
func (f Filter) Match(a Attribution) bool {
	if f.QueryID != "" && a.QueryID != f.QueryID {
		return false
	}
	if f.MemoryID != "" && a.MemoryID != f.MemoryID {
		return false
	}
	if f.Mode != "" && a.Mode != f.Mode {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists queries and their attributions.
type Store interface {
	PutQuery(ctx context.Context, q *Query) error

	// GetQuery returns memory.NotFoundError for unknown ids.
	GetQuery(ctx context.Context, id string) (*Query, error)

	// ListQueries returns queries created at or after since, newest first.
	// limit <= 0 means no limit.
	ListQueries(ctx context.Context, since time.Time, limit int) ([]*Query, error)

	PutAttributions(ctx context.Context, as []Attribution) error

	// ListAttributions returns matches ordered by query then weight desc.
	ListAttributions(ctx context.Context, f Filter) ([]Attribution, error)
}

// Memories is the memory lookup the engine scores against.
type Memories interface {
	Get(ctx context.Context, id string) (*memory.Memory, error)
}

// Generator produces a response to query from the given memory texts.
type Generator interface {
	Generate(ctx context.Context, query string, memories []string) (string, error)
}

// Status is the engine's validation state.
type Status struct {
	Correlation float64 `json:"correlation"`
	Threshold   float64 `json:"threshold"`

	// Samples counts the held-out memory scores Correlation is measured on.
	Samples int `json:"samples"`

	// FitSamples counts the scores the predictor was refitted on.
	FitSamples int `json:"fit_samples"`

	Degraded      bool       `json:"degraded"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
	Weights       []float64  `json:"weights"`
}
