package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
)

// AgentStatus is the health of one agent's memories and queries.
type AgentStatus struct {
	AgentID  string              `json:"agent_id"`
	Memories int                 `json:"memories"`
	Tiers    map[memory.Tier]int `json:"tiers"`

	// Unresolved counts open contradictions touching the agent's memories.
	Unresolved int `json:"unresolved_contradictions"`

	Queries     int        `json:"queries_last_30_days"`
	LastQueryAt *time.Time `json:"last_query_at,omitempty"`
}

// AgentFleet reports every agent that owns a memory or asked a query in
// the last ImpactWindow, ordered by agent id. Memories and queries without
// an agent are grouped under the empty id.
func (s *Service) AgentFleet(ctx context.Context) ([]AgentStatus, error) {
	agents := make(map[string]*AgentStatus)
	get := func(id string) *AgentStatus {
		a, ok := agents[id]
		if !ok {
			a = &AgentStatus{
				AgentID: id,
				Tiers:   map[memory.Tier]int{memory.TierHot: 0, memory.TierWarm: 0, memory.TierCold: 0},
			}
			agents[id] = a
		}
		return a
	}

	owner := make(map[string]string)
	for offset := 0; ; offset += healthPage {
		page, err := s.store.List(ctx, memory.ListFilter{Limit: healthPage, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("listing memories: %w", err)
		}
		for _, m := range page {
			owner[m.ID] = m.AgentID
			a := get(m.AgentID)
			a.Memories++
			a.Tiers[m.Tier]++
		}
		if len(page) < healthPage {
			break
		}
	}

	open := false
	contradictions, err := s.monitor.List(ctx, consistency.Filter{Resolved: &open})
	if err != nil {
		return nil, fmt.Errorf("listing contradictions: %w", err)
	}
	for _, c := range contradictions {
		touched := make(map[string]bool, 2)
		for _, id := range []string{c.MemoryIDA, c.MemoryIDB} {
			if agent, ok := owner[id]; ok {
				touched[agent] = true
			}
		}
		for agent := range touched {
			get(agent).Unresolved++
		}
	}

	queries, err := s.queries.ListQueries(ctx, s.now().Add(-ImpactWindow), 0)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	for _, q := range queries {
		a := get(q.AgentID)
		a.Queries++
		if a.LastQueryAt == nil || q.CreatedAt.After(*a.LastQueryAt) {
			at := q.CreatedAt
			a.LastQueryAt = &at
		}
	}

	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b AgentStatus) int { return strings.Compare(a.AgentID, b.AgentID) })
	return out, nil
}
