package service

import (
	"context"
	"fmt"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
)

// Recommendation is what Impact suggests doing with a memory.
type Recommendation string

const (
	RecommendArchive Recommendation = "archive"
	RecommendUpdate  Recommendation = "update"
	RecommendBoost   Recommendation = "boost"
	RecommendNone    Recommendation = "none"
)

// Impact is how much a memory has been relied on recently.
type Impact struct {
	MemoryID           string         `json:"memory_id"`
	Tier               memory.Tier    `json:"tier"`
	Criticality        float64        `json:"criticality"`
	QueriesLast30Days  int            `json:"queries_last_30_days"`
	AvgWeight          float64        `json:"avg_weight"`
	MaxWeight          float64        `json:"max_weight"`
	DependentArtifacts []string       `json:"dependent_artifacts"`
	Unresolved         int            `json:"unresolved_contradictions"`
	Recommendation     Recommendation `json:"recommendation"`
	Reason             string         `json:"reason"`
}

// Impact analyses a memory's attributions over the last ImpactWindow, the
// artifacts derived from it and its open contradictions.
func (s *Service) Impact(ctx context.Context, id string) (*Impact, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	attrs, err := s.queries.ListAttributions(ctx, attribution.Filter{
		MemoryID: id,
		Since:    s.now().Add(-ImpactWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("listing attributions: %w", err)
	}

	// One weight per query; exact scores override amortized ones.
	weights := make(map[string]float64)
	exact := make(map[string]bool)
	for _, a := range attrs {
		if _, seen := weights[a.QueryID]; seen && (exact[a.QueryID] || a.Mode != attribution.ModeExact) {
			continue
		}
		weights[a.QueryID] = a.Weight
		exact[a.QueryID] = a.Mode == attribution.ModeExact
	}

	imp := &Impact{
		MemoryID:          m.ID,
		Tier:              m.Tier,
		Criticality:       m.Criticality,
		QueriesLast30Days: len(weights),
	}
	for _, w := range weights {
		imp.AvgWeight += w
		imp.MaxWeight = max(imp.MaxWeight, w)
	}
	if len(weights) > 0 {
		imp.AvgWeight /= float64(len(weights))
	}

	g, err := s.provenance.Lineage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading lineage: %w", err)
	}
	imp.DependentArtifacts = g.Live()
	if imp.DependentArtifacts == nil {
		imp.DependentArtifacts = []string{}
	}

	unresolved := false
	open, err := s.monitor.List(ctx, consistency.Filter{MemoryID: id, Resolved: &unresolved})
	if err != nil {
		return nil, fmt.Errorf("listing contradictions: %w", err)
	}
	imp.Unresolved = len(open)

	imp.Recommendation, imp.Reason = recommend(m, imp)
	return imp, nil
}

func recommend(m *memory.Memory, imp *Impact) (Recommendation, string) {
	switch {
	case imp.Unresolved > 0:
		return RecommendUpdate, fmt.Sprintf("%d unresolved contradictions reference this memory", imp.Unresolved)
	case m.Resolved && imp.QueriesLast30Days > 0:
		return RecommendUpdate, "superseded by a newer memory but still retrieved"
	case imp.QueriesLast30Days == 0 && !m.Guarded():
		return RecommendArchive, "not attributed to any query in the last 30 days"
	case imp.AvgWeight >= BoostWeight && !m.Guarded():
		return RecommendBoost, fmt.Sprintf("average weight %.2f across %d queries", imp.AvgWeight, imp.QueriesLast30Days)
	}
	return RecommendNone, ""
}
