package graph

import (
	"context"
	"fmt"

	"github.com/certnode/core/pkg/receipt"
	"github.com/certnode/core/pkg/tiers"
)

// Direction selects which way a traversal walks the DAG.
type Direction string

const (
	DirectionAncestors   Direction = "ancestors"
	DirectionDescendants Direction = "descendants"
	DirectionBoth        Direction = "both"
)

// ValidDirection reports whether d is a known traversal direction.
func ValidDirection(d Direction) bool {
	switch d {
	case DirectionAncestors, DirectionDescendants, DirectionBoth:
		return true
	}
	return false
}

// Node is one receipt in a traversal result, annotated with its BFS depth
// from the query root and the path that first reached it.
type Node struct {
	Receipt       *receipt.Receipt `json:"receipt"`
	DepthFromRoot int              `json:"depth_from_root"`
	Path          []string         `json:"path"`
}

// View is the result of a tier-gated traversal.
type View struct {
	Nodes []Node                 `json:"nodes"`
	Edges []receipt.Relationship `json:"edges"`
	// TotalDepth is the maximum observed depth-from-root.
	TotalDepth int `json:"total_depth"`
	// DepthLimitReached is true only when the tier ceiling excluded
	// reachable nodes, never on natural graph termination.
	DepthLimitReached bool `json:"depth_limit_reached"`
}

// Traverse walks the graph breadth-first from rootID, stopping expansion at
// the tier's depth ceiling. Reads are snapshot-consistent and may run
// concurrently with writes.
func (e *Engine) Traverse(ctx context.Context, tenantID, rootID string, tier tiers.Tier, dir Direction) (*View, error) {
	if !ValidDirection(dir) {
		return nil, receipt.NewValidationError("direction", fmt.Sprintf("unknown direction %q", dir))
	}

	root, err := e.store.GetReceipt(ctx, tenantID, rootID)
	if err != nil {
		return nil, err
	}

	maxDepth := tier.Limits.MaxTraversalDepth
	view := &View{}

	type queued struct {
		r     *receipt.Receipt
		depth int
		path  []string
	}
	visited := map[string]bool{root.ID: true}
	queue := []queued{{r: root, depth: 0, path: []string{root.ID}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		view.Nodes = append(view.Nodes, Node{Receipt: cur.r, DepthFromRoot: cur.depth, Path: cur.path})
		if cur.depth > view.TotalDepth {
			view.TotalDepth = cur.depth
		}

		neighbors, err := e.neighbors(ctx, tenantID, cur.r.ID, dir)
		if err != nil {
			return nil, err
		}
		for _, next := range neighbors {
			if visited[next] {
				continue
			}
			if !tiers.Unlimited(maxDepth) && cur.depth >= maxDepth {
				// Excluded by the ceiling, not by the graph's shape.
				view.DepthLimitReached = true
				continue
			}
			nr, err := e.store.GetReceipt(ctx, tenantID, next)
			if err != nil {
				// Edge endpoints are inserted atomically; a missing
				// neighbor is a dangling edge, skip it.
				continue
			}
			visited[next] = true
			path := make([]string, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			queue = append(queue, queued{r: nr, depth: cur.depth + 1, path: append(path, next)})
		}
	}

	// An edge belongs to the view when both endpoints were included.
	// Children of each included node cover every such edge exactly once.
	for _, n := range view.Nodes {
		childEdges, err := e.store.Children(ctx, tenantID, n.Receipt.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range childEdges {
			if visited[edge.ChildReceiptID] {
				view.Edges = append(view.Edges, edge)
			}
		}
	}

	return view, nil
}

func (e *Engine) neighbors(ctx context.Context, tenantID, receiptID string, dir Direction) ([]string, error) {
	var out []string
	if dir == DirectionDescendants || dir == DirectionBoth {
		edges, err := e.store.Children(ctx, tenantID, receiptID)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			out = append(out, edge.ChildReceiptID)
		}
	}
	if dir == DirectionAncestors || dir == DirectionBoth {
		edges, err := e.store.Parents(ctx, tenantID, receiptID)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			out = append(out, edge.ParentReceiptID)
		}
	}
	return out, nil
}
