package provenance

import (
	"context"
	"fmt"

	"github.com/papercomputeco/cortex/pkg/memory"
)

// Reader is the part of Store that graph loading needs.
type Reader interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	Children(ctx context.Context, id string) ([]Edge, error)
}

// Graph is the subgraph reachable from a root, held in an arena keyed by
// node id. Nodes are recorded in breadth-first discovery order.
type Graph struct {
	root     string
	nodes    map[string]*Node
	order    []string
	children map[string][]string
}

// LoadGraph walks the edges out of rootID breadth first. A root with no node
// yields a graph holding only the root id.
func LoadGraph(ctx context.Context, r Reader, rootID string) (*Graph, error) {
	g := &Graph{
		root:     rootID,
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
	}

	queue := []string{rootID}
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n, err := r.GetNode(ctx, id)
		switch {
		case memory.IsNotFound(err):
			n = &Node{ID: id}
		case err != nil:
			return nil, fmt.Errorf("loading node %s: %w", id, err)
		}
		g.nodes[id] = n
		g.order = append(g.order, id)

		edges, err := r.Children(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading children of %s: %w", id, err)
		}
		for _, e := range edges {
			g.children[id] = append(g.children[id], e.ChildID)
			if !seen[e.ChildID] {
				seen[e.ChildID] = true
				queue = append(queue, e.ChildID)
			}
		}
	}
	return g, nil
}

// Root returns the id the graph was loaded from.
func (g *Graph) Root() string { return g.root }

// Node returns the node for id, if loaded.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Descendants returns every node reachable from the root in discovery
// order, root excluded.
func (g *Graph) Descendants() []string {
	return append([]string(nil), g.order[1:]...)
}

// Live returns the descendants that are not tombstoned yet.
func (g *Graph) Live() []string {
	var out []string
	for _, id := range g.order[1:] {
		if !g.nodes[id].Tombstoned {
			out = append(out, id)
		}
	}
	return out
}

// Contains reports whether id is the root or one of its descendants.
func (g *Graph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}
