package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/certnode/core/pkg/receipt"
	"github.com/certnode/core/pkg/tiers"
)

// Summary is the tenant-level analytics rollup.
type Summary struct {
	TotalReceipts       int                          `json:"total_receipts"`
	TotalRelationships  int                          `json:"total_relationships"`
	ReceiptsByType      map[receipt.Type]int         `json:"receipts_by_type"`
	RelationshipsByType map[receipt.RelationType]int `json:"relationships_by_type"`
	MaxDepth            int                          `json:"max_depth"`
	OrphanedReceipts    int                          `json:"orphaned_receipts"`
	OrphanedReceiptIDs  []string                     `json:"orphaned_receipt_ids,omitempty"`
	IntegrityIssues     []receipt.IntegrityIssue     `json:"integrity_issues,omitempty"`
}

// Analytics computes totals, per-type counts, max observed depth, and
// orphaned receipts (no parent and no child edges) for a tenant. When
// validate is true it also runs a full integrity pass.
func (e *Engine) Analytics(ctx context.Context, tenantID string, validate bool) (*Summary, error) {
	receipts, err := e.store.ListReceipts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rels, err := e.store.ListRelationships(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalReceipts:       len(receipts),
		TotalRelationships:  len(rels),
		ReceiptsByType:      make(map[receipt.Type]int),
		RelationshipsByType: make(map[receipt.RelationType]int),
	}

	connected := make(map[string]bool, len(receipts))
	for _, rel := range rels {
		summary.RelationshipsByType[rel.RelationType]++
		connected[rel.ParentReceiptID] = true
		connected[rel.ChildReceiptID] = true
	}

	for _, r := range receipts {
		summary.ReceiptsByType[r.Type]++
		if r.GraphDepth > summary.MaxDepth {
			summary.MaxDepth = r.GraphDepth
		}
		if !connected[r.ID] {
			summary.OrphanedReceipts++
			summary.OrphanedReceiptIDs = append(summary.OrphanedReceiptIDs, r.ID)
		}
	}
	sort.Strings(summary.OrphanedReceiptIDs)

	if validate {
		issues, err := e.ValidateIntegrity(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		summary.IntegrityIssues = issues
	}
	return summary, nil
}

// ValidateIntegrity re-derives each receipt's expected depth from its
// current parent set and confirms cycle-freedom. Findings are reported as
// an issue list, never an error: a violated invariant in stored data is a
// diagnosis, not a crash.
func (e *Engine) ValidateIntegrity(ctx context.Context, tenantID string) ([]receipt.IntegrityIssue, error) {
	receipts, err := e.store.ListReceipts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rels, err := e.store.ListRelationships(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*receipt.Receipt, len(receipts))
	for _, r := range receipts {
		byID[r.ID] = r
	}
	parentsOf := make(map[string][]string)
	childrenOf := make(map[string][]string)
	issues := []receipt.IntegrityIssue{}

	for _, rel := range rels {
		if byID[rel.ParentReceiptID] == nil || byID[rel.ChildReceiptID] == nil {
			issues = append(issues, receipt.IntegrityIssue{
				ReceiptID: rel.ChildReceiptID,
				Kind:      "dangling_edge",
				Detail:    fmt.Sprintf("edge %s -> %s references a missing receipt", rel.ParentReceiptID, rel.ChildReceiptID),
			})
			continue
		}
		parentsOf[rel.ChildReceiptID] = append(parentsOf[rel.ChildReceiptID], rel.ParentReceiptID)
		childrenOf[rel.ParentReceiptID] = append(childrenOf[rel.ParentReceiptID], rel.ChildReceiptID)
	}

	// Depth invariant: 0 with no parents, else 1 + max(parent depths).
	for _, r := range receipts {
		expected := 0
		for _, pid := range parentsOf[r.ID] {
			if p := byID[pid]; p != nil && p.GraphDepth+1 > expected {
				expected = p.GraphDepth + 1
			}
		}
		if r.GraphDepth != expected {
			issues = append(issues, receipt.IntegrityIssue{
				ReceiptID: r.ID,
				Kind:      "depth_mismatch",
				Detail:    fmt.Sprintf("stored depth %d, expected %d", r.GraphDepth, expected),
			})
		}
	}

	// Cycle check, defense in depth: append-only construction should make
	// cycles impossible, but corrupted storage is exactly what this pass
	// exists to catch. Iterative three-color DFS.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(receipts))
	for _, r := range receipts {
		if color[r.ID] != white {
			continue
		}
		stack := []string{r.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			if color[id] == white {
				color[id] = gray
				for _, child := range childrenOf[id] {
					switch color[child] {
					case gray:
						issues = append(issues, receipt.IntegrityIssue{
							ReceiptID: child,
							Kind:      "cycle",
							Detail:    fmt.Sprintf("cycle detected through %s", child),
						})
					case white:
						stack = append(stack, child)
					}
				}
			} else {
				color[id] = black
				stack = stack[:len(stack)-1]
			}
		}
	}

	return issues, nil
}

// Completeness is the evidence-chain richness score for one receipt.
// The score is heuristic and non-authoritative: more connected evidence
// always scores higher, nothing else is promised.
type Completeness struct {
	ReceiptID         string `json:"receipt_id"`
	Score             int    `json:"score"` // 0-100
	Signed            bool   `json:"signed"`
	DistinctRelations int    `json:"distinct_relations"`
	EvidenceEdges     int    `json:"evidence_edges"`
	EvidenceChain     bool   `json:"evidence_chain"`
}

// CalculateCompleteness scores a receipt's evidence chain: 20 for a signed
// receipt, up to 30 for distinct relation types touching it, up to 30 for
// adjacent EVIDENCES edges, and 20 when an EVIDENCES ancestor chain reaches
// at least two levels up. Chain walking respects the tier's depth ceiling.
func (e *Engine) CalculateCompleteness(ctx context.Context, tenantID, receiptID string, tier tiers.Tier) (*Completeness, error) {
	r, err := e.store.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}

	parents, err := e.store.Parents(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	children, err := e.store.Children(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}

	c := &Completeness{ReceiptID: receiptID, Signed: r.Proof.Signature != ""}

	relTypes := make(map[receipt.RelationType]bool)
	for _, rel := range append(append([]receipt.Relationship{}, parents...), children...) {
		relTypes[rel.RelationType] = true
		if rel.RelationType == receipt.RelationEvidences {
			c.EvidenceEdges++
		}
	}
	c.DistinctRelations = len(relTypes)

	if c.Signed {
		c.Score += 20
	}
	c.Score += minInt(c.DistinctRelations*10, 30)
	c.Score += minInt(c.EvidenceEdges*5, 30)

	c.EvidenceChain, err = e.evidenceChainReaches(ctx, tenantID, receiptID, 2, tier)
	if err != nil {
		return nil, err
	}
	if c.EvidenceChain {
		c.Score += 20
	}
	if c.Score > 100 {
		c.Score = 100
	}
	return c, nil
}

// evidenceChainReaches walks EVIDENCES edges toward ancestors and reports
// whether the chain reaches the wanted depth within the tier ceiling.
func (e *Engine) evidenceChainReaches(ctx context.Context, tenantID, receiptID string, want int, tier tiers.Tier) (bool, error) {
	type item struct {
		id    string
		depth int
	}
	visited := map[string]bool{receiptID: true}
	queue := []item{{id: receiptID}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= want {
			return true, nil
		}
		if !tier.AllowsDepth(cur.depth + 1) {
			continue
		}
		parents, err := e.store.Parents(ctx, tenantID, cur.id)
		if err != nil {
			return false, err
		}
		for _, rel := range parents {
			if rel.RelationType != receipt.RelationEvidences || visited[rel.ParentReceiptID] {
				continue
			}
			visited[rel.ParentReceiptID] = true
			queue = append(queue, item{id: rel.ParentReceiptID, depth: cur.depth + 1})
		}
	}
	return false, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
