package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
)

const (
	// DefaultReplays is how many recent queries VerifyMemory replays when
	// the caller doesn't say.
	DefaultReplays = 10

	// MaxReplays caps the queries VerifyMemory replays.
	MaxReplays = 100

	// replayScan bounds how many recent queries are searched for ones that
	// retrieved the memory.
	replayScan = 1000
)

// Verification is what would change if a memory were withheld from the
// queries that recently relied on it.
type Verification struct {
	MemoryID string               `json:"memory_id"`
	Replays  []attribution.Replay `json:"replays"`

	// Changed counts replays whose answer differs from the original.
	Changed int `json:"changed"`

	// MeanWeight is the memory's average exact weight across the replays.
	MeanWeight float64 `json:"mean_weight"`

	GeneratedAt time.Time `json:"generated_at"`
}

// VerifyMemory replays the last n queries that retrieved id with the
// memory withheld, using the exact ablation to weigh its contribution.
// n <= 0 means DefaultReplays; larger n is capped at MaxReplays.
func (s *Service) VerifyMemory(ctx context.Context, id string, n int) (*Verification, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = DefaultReplays
	}
	n = min(n, MaxReplays)

	recent, err := s.queries.ListQueries(ctx, time.Time{}, replayScan)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}

	v := &Verification{MemoryID: id, Replays: []attribution.Replay{}, GeneratedAt: s.now()}
	var total float64
	for _, q := range recent {
		if len(v.Replays) == n {
			break
		}
		if !slices.Contains(q.MemoryIDs, id) {
			continue
		}
		r, err := s.attribution.Replay(ctx, q, id)
		if err != nil {
			return nil, fmt.Errorf("replaying query %s: %w", q.ID, err)
		}
		v.Replays = append(v.Replays, *r)
		total += r.Weight
		if r.Changed {
			v.Changed++
		}
	}
	if len(v.Replays) > 0 {
		v.MeanWeight = total / float64(len(v.Replays))
	}

	s.logger.Info("memory verified", "memory_id", id, "replays", len(v.Replays), "changed", v.Changed)
	return v, nil
}
