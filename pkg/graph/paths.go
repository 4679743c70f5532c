package graph

import (
	"context"

	"github.com/certnode/core/pkg/receipt"
)

// Path is one simple forward (parent -> child) route between two receipts.
type Path struct {
	ReceiptIDs    []string               `json:"receipt_ids"`
	Relationships []receipt.Relationship `json:"relationships"`
	Length        int                    `json:"length"`
}

// DefaultMaxPaths bounds path enumeration when the caller does not.
const DefaultMaxPaths = 10

// FindPaths enumerates up to maxPaths distinct simple forward paths from
// fromID to toID. Unreachable pairs yield an empty slice, not an error.
//
// Ordering is deterministic for a given graph: breadth-first, so shorter
// paths come first, with ties broken by edge insertion order.
func (e *Engine) FindPaths(ctx context.Context, tenantID, fromID, toID string, maxPaths int) ([]Path, error) {
	if maxPaths <= 0 {
		maxPaths = DefaultMaxPaths
	}

	if _, err := e.store.GetReceipt(ctx, tenantID, fromID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetReceipt(ctx, tenantID, toID); err != nil {
		return nil, err
	}

	paths := []Path{}
	if fromID == toID {
		return paths, nil
	}

	type partial struct {
		ids   []string
		edges []receipt.Relationship
	}
	queue := []partial{{ids: []string{fromID}}}

	for len(queue) > 0 && len(paths) < maxPaths {
		cur := queue[0]
		queue = queue[1:]

		tail := cur.ids[len(cur.ids)-1]
		children, err := e.store.Children(ctx, tenantID, tail)
		if err != nil {
			return nil, err
		}

		for _, edge := range children {
			// Simple paths only. The DAG guarantees no cycles, but a
			// diamond can still revisit a node along one route.
			if containsID(cur.ids, edge.ChildReceiptID) {
				continue
			}

			ids := make([]string, len(cur.ids), len(cur.ids)+1)
			copy(ids, cur.ids)
			ids = append(ids, edge.ChildReceiptID)
			edges := make([]receipt.Relationship, len(cur.edges), len(cur.edges)+1)
			copy(edges, cur.edges)
			edges = append(edges, edge)

			if edge.ChildReceiptID == toID {
				paths = append(paths, Path{ReceiptIDs: ids, Relationships: edges, Length: len(edges)})
				if len(paths) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, partial{ids: ids, edges: edges})
		}
	}

	return paths, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
