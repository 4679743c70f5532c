package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/certnode/core/pkg/receipt"
)

// tenantGraph holds one tenant's nodes and adjacency rows. Tenants never
// share graphs; every map below is scoped to a single tenant.
type tenantGraph struct {
	receipts map[string]*receipt.Receipt
	edges    []receipt.Relationship // insertion order
	parents  map[string][]int       // child id -> indexes into edges
	children map[string][]int       // parent id -> indexes into edges
	edgeSet  map[string]bool        // parent|child|relation uniqueness
}

func newTenantGraph() *tenantGraph {
	return &tenantGraph{
		receipts: make(map[string]*receipt.Receipt),
		parents:  make(map[string][]int),
		children: make(map[string][]int),
		edgeSet:  make(map[string]bool),
	}
}

// MemoryStore is an in-memory Store used by tests and single-node
// deployments. It is an injected repository, never process-global state.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantGraph
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantGraph)}
}

func edgeKey(rel receipt.Relationship) string {
	return rel.ParentReceiptID + "|" + rel.ChildReceiptID + "|" + string(rel.RelationType)
}

// InsertReceipt adds a receipt and its parent edges atomically.
func (s *MemoryStore) InsertReceipt(ctx context.Context, r *receipt.Receipt, rels []receipt.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tg := s.tenants[r.TenantID]
	if tg == nil {
		tg = newTenantGraph()
		s.tenants[r.TenantID] = tg
	}

	if _, exists := tg.receipts[r.ID]; exists {
		return fmt.Errorf("receipt %s: %w", r.ID, receipt.ErrDuplicate)
	}
	for _, rel := range rels {
		if tg.edgeSet[edgeKey(rel)] {
			return fmt.Errorf("edge %s: %w", edgeKey(rel), receipt.ErrDuplicate)
		}
		if _, ok := tg.receipts[rel.ParentReceiptID]; !ok {
			return fmt.Errorf("parent %s: %w", rel.ParentReceiptID, receipt.ErrNotFound)
		}
	}

	cp := *r
	tg.receipts[r.ID] = &cp
	for _, rel := range rels {
		idx := len(tg.edges)
		tg.edges = append(tg.edges, rel)
		tg.parents[rel.ChildReceiptID] = append(tg.parents[rel.ChildReceiptID], idx)
		tg.children[rel.ParentReceiptID] = append(tg.children[rel.ParentReceiptID], idx)
		tg.edgeSet[edgeKey(rel)] = true
	}
	return nil
}

// GetReceipt returns a copy of a receipt within a tenant.
func (s *MemoryStore) GetReceipt(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tg := s.tenants[tenantID]
	if tg == nil {
		return nil, &receipt.NotFoundError{Kind: "receipt", ID: receiptID}
	}
	r, ok := tg.receipts[receiptID]
	if !ok {
		return nil, &receipt.NotFoundError{Kind: "receipt", ID: receiptID}
	}
	cp := *r
	return &cp, nil
}

// Parents returns edges whose child is receiptID, in insertion order.
func (s *MemoryStore) Parents(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error) {
	return s.adjacent(tenantID, receiptID, true)
}

// Children returns edges whose parent is receiptID, in insertion order.
func (s *MemoryStore) Children(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error) {
	return s.adjacent(tenantID, receiptID, false)
}

func (s *MemoryStore) adjacent(tenantID, receiptID string, wantParents bool) ([]receipt.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tg := s.tenants[tenantID]
	if tg == nil {
		return nil, nil
	}
	var idxs []int
	if wantParents {
		idxs = tg.parents[receiptID]
	} else {
		idxs = tg.children[receiptID]
	}
	out := make([]receipt.Relationship, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, tg.edges[i])
	}
	return out, nil
}

// ListReceipts returns copies of every receipt in a tenant.
func (s *MemoryStore) ListReceipts(ctx context.Context, tenantID string) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tg := s.tenants[tenantID]
	if tg == nil {
		return nil, nil
	}
	out := make([]*receipt.Receipt, 0, len(tg.receipts))
	for _, r := range tg.receipts {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ListRelationships returns every edge in a tenant, in insertion order.
func (s *MemoryStore) ListRelationships(ctx context.Context, tenantID string) ([]receipt.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tg := s.tenants[tenantID]
	if tg == nil {
		return nil, nil
	}
	out := make([]receipt.Relationship, len(tg.edges))
	copy(out, tg.edges)
	return out, nil
}
