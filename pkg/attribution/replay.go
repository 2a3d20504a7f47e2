package attribution

import (
	"context"
	"fmt"
	"slices"

	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/worker"
)

// Shift is how one remaining memory's amortized weight moves when a query
// is answered again without the withheld memory.
type Shift struct {
	MemoryID string  `json:"memory_id"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
}

// Replay is a stored query answered again with one memory withheld.
type Replay struct {
	QueryID  string `json:"query_id"`
	Query    string `json:"query"`
	Withheld string `json:"withheld"`
	Original string `json:"original_response"`
	Replayed string `json:"replayed_response"`
	Changed  bool   `json:"changed"`

	// Weight is the withheld memory's exact ablation weight on the
	// original answer.
	Weight float64 `json:"weight"`

	Shifts []Shift `json:"shifts"`
}

// Replay regenerates the answer to q without the memory withheld and
// reports how the answer and the other memories' weights move. Nothing is
// stored beyond the exact scores of q, which are computed once and reused.
func (e *Engine) Replay(ctx context.Context, q *Query, withheld string) (*Replay, error) {
	if !slices.Contains(q.MemoryIDs, withheld) {
		return nil, fmt.Errorf("query %s did not retrieve %s", q.ID, withheld)
	}

	truth, err := e.exactWeights(ctx, q)
	if err != nil {
		return nil, err
	}

	var out *Replay
	err = e.exact.Submit(ctx, worker.Job{
		Name: "replay " + q.ID,
		Run: func(context.Context) error {
			var err error
			out, err = e.replay(ctx, q, withheld)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	out.Weight = truth[withheld]
	return out, nil
}

func (e *Engine) replay(ctx context.Context, q *Query, withheld string) (*Replay, error) {
	mems, ranks, err := e.load(ctx, q.MemoryIDs)
	if err != nil {
		return nil, err
	}

	var (
		rest      []*memory.Memory
		restRanks []int
		texts     []string
	)
	for i, m := range mems {
		if m.ID == withheld {
			continue
		}
		rest = append(rest, m)
		restRanks = append(restRanks, ranks[i])
		texts = append(texts, m.Text)
	}

	replayed, err := e.generate(ctx, q.Text, texts)
	if err != nil {
		return nil, err
	}

	r := &Replay{
		QueryID:  q.ID,
		Query:    q.Text,
		Withheld: withheld,
		Original: q.Response,
		Replayed: replayed,
		Changed:  replayed != q.Response,
		Shifts:   make([]Shift, 0, len(rest)),
	}
	if len(rest) == 0 {
		return r, nil
	}

	before, err := e.features(ctx, q.Response, rest, restRanks)
	if err != nil {
		return nil, err
	}
	// Without the withheld memory the survivors close ranks.
	reranked := make([]int, len(rest))
	for i := range reranked {
		reranked[i] = i
	}
	after, err := e.features(ctx, replayed, rest, reranked)
	if err != nil {
		return nil, err
	}
	for i, m := range rest {
		r.Shifts = append(r.Shifts, Shift{
			MemoryID: m.ID,
			Before:   e.predictor.Predict(before[i]),
			After:    e.predictor.Predict(after[i]),
		})
	}
	return r, nil
}
