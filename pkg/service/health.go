package service

import (
	"context"
	"fmt"
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
)

const healthPage = 500

// Health summarizes memory quality.
type Health struct {
	Memories            int                       `json:"memories"`
	Tiers               map[memory.Tier]int       `json:"tiers"`
	Contradictions      int                       `json:"contradictions"`
	Unresolved          int                       `json:"unresolved_contradictions"`
	ContradictionRate   float64                   `json:"contradiction_rate"`
	Queries             int                       `json:"queries_last_30_days"`
	RetrievalEfficiency float64                   `json:"retrieval_efficiency"`
	Deletions           map[provenance.Status]int `json:"deletions"`
	Attribution         attribution.Status        `json:"attribution"`
	GeneratedAt         time.Time                 `json:"generated_at"`
}

// Health computes the current health metrics. The contradiction rate is
// contradictions per visible memory. Retrieval efficiency is the share of
// retrievals in the last ImpactWindow whose amortized weight reached
// UsefulWeight.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	now := s.now()
	h := &Health{
		Tiers:       map[memory.Tier]int{memory.TierHot: 0, memory.TierWarm: 0, memory.TierCold: 0},
		Deletions:   map[provenance.Status]int{},
		Attribution: s.attribution.Status(),
		GeneratedAt: now,
	}

	for offset := 0; ; offset += healthPage {
		page, err := s.store.List(ctx, memory.ListFilter{Limit: healthPage, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing memories: %w", err)
		}
		for _, m := range page {
			h.Memories++
			h.Tiers[m.Tier]++
		}
		if len(page) < healthPage {
			break
		}
	}

	contradictions, err := s.monitor.List(ctx, consistency.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing contradictions: %w", err)
	}
	h.Contradictions = len(contradictions)
	for _, c := range contradictions {
		if !c.Resolved {
			h.Unresolved++
		}
	}
	if h.Memories > 0 {
		h.ContradictionRate = float64(h.Contradictions) / float64(h.Memories)
	}

	since := now.Add(-ImpactWindow)
	queries, err := s.queries.ListQueries(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	h.Queries = len(queries)

	attrs, err := s.queries.ListAttributions(ctx, attribution.Filter{Mode: attribution.ModeAmortized, Since: since})
	if err != nil {
		return nil, fmt.Errorf("listing attributions: %w", err)
	}
	useful := make(map[string]bool)
	for _, a := range attrs {
		if a.Weight >= UsefulWeight {
			useful[a.QueryID+"/"+a.MemoryID] = true
		}
	}
	retrieved, hits := 0, 0
	for _, q := range queries {
		for _, id := range q.MemoryIDs {
			retrieved++
			if useful[q.ID+"/"+id] {
				hits++
			}
		}
	}
	if retrieved > 0 {
		h.RetrievalEfficiency = float64(hits) / float64(retrieved)
	}

	deletions, err := s.provenance.Deletions(ctx, provenance.DeletionFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing deletions: %w", err)
	}
	for _, d := range deletions {
		h.Deletions[d.Status]++
	}
	return h, nil
}
