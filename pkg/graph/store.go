// Package graph implements the tenant-scoped receipt DAG: append-only
// node/edge storage, depth bookkeeping, tier-gated traversal, path finding,
// analytics, and integrity validation.
//
// Cycle safety is structural. Edges are only ever created pointing from
// pre-existing receipts to a brand-new receipt, and edges are never mutated
// after creation, so no back-edge can close a cycle.
package graph

import (
	"context"

	"github.com/certnode/core/pkg/receipt"
)

// Store persists receipts and relationships for one or more tenants.
// Implementations must guarantee:
//
//   - InsertReceipt is atomic: the receipt and all its edges land together
//     or not at all.
//   - Uniqueness on receipt id and on (parent, child, relation); violations
//     return an error wrapping receipt.ErrDuplicate, with no partial state.
//   - Missing lookups return an error wrapping receipt.ErrNotFound.
//   - Parents/Children return edges in insertion order, which is what makes
//     path enumeration deterministic.
//   - Reads are snapshot-consistent with concurrent writes: a returned
//     receipt's depth and edges are internally consistent even if receipts
//     added elsewhere are not yet visible.
type Store interface {
	InsertReceipt(ctx context.Context, r *receipt.Receipt, rels []receipt.Relationship) error
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error)

	// Parents returns edges whose child is receiptID.
	Parents(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error)
	// Children returns edges whose parent is receiptID.
	Children(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error)

	ListReceipts(ctx context.Context, tenantID string) ([]*receipt.Receipt, error)
	ListRelationships(ctx context.Context, tenantID string) ([]receipt.Relationship, error)
}
