package graph

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/certnode/core/pkg/canonicalize"
	"github.com/certnode/core/pkg/envelope"
	"github.com/certnode/core/pkg/receipt"
)

// Engine issues signed receipts into the tenant-scoped DAG and serves
// traversal, path-finding, analytics, and integrity checks over it.
type Engine struct {
	store      Store
	signingKey *ecdsa.PrivateKey
	kid        string
	clock      func() time.Time

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewEngine creates an engine around an injected store and issuer key.
func NewEngine(store Store, signingKey *ecdsa.PrivateKey, kid string) *Engine {
	return &Engine{
		store:       store,
		signingKey:  signingKey,
		kid:         kid,
		clock:       time.Now,
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// tenantLock serializes receipt creation within one tenant so the
// read-parent-depth-then-insert-child step is atomic. Different tenants
// create in parallel; there is no global write lock.
func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		e.tenantLocks[tenantID] = l
	}
	return l
}

// CreateReceipt validates parents, signs the payload, computes the depth
// invariant, and inserts the receipt plus its edges atomically.
//
// graphDepth is 0 with no parents, else 1 + max(parent depths). All parents
// must already exist in the same tenant.
func (e *Engine) CreateReceipt(ctx context.Context, tenantID string, rType receipt.Type, payload any, parentLinks []receipt.ParentLink) (*receipt.Receipt, error) {
	if tenantID == "" {
		return nil, receipt.NewValidationError("tenant_id", "tenant is required")
	}
	if !receipt.ValidType(rType) {
		return nil, receipt.NewValidationError("type", fmt.Sprintf("unknown receipt type %q", rType))
	}
	if payload == nil {
		return nil, receipt.NewValidationError("payload", "payload is required")
	}

	seen := make(map[string]bool, len(parentLinks))
	for i, link := range parentLinks {
		if link.ReceiptID == "" {
			return nil, receipt.NewValidationError("parent_links", fmt.Sprintf("link %d: receipt id is required", i))
		}
		if !receipt.ValidRelationType(link.RelationType) {
			return nil, receipt.NewValidationError("parent_links", fmt.Sprintf("link %d: unknown relation type %q", i, link.RelationType))
		}
		key := link.ReceiptID + "|" + string(link.RelationType)
		if seen[key] {
			return nil, receipt.NewValidationError("parent_links", fmt.Sprintf("duplicate link %s (%s)", link.ReceiptID, link.RelationType))
		}
		seen[key] = true
	}

	lock := e.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	depth := 0
	parents := make([]*receipt.Receipt, 0, len(parentLinks))
	for _, link := range parentLinks {
		parent, err := e.store.GetReceipt(ctx, tenantID, link.ReceiptID)
		if err != nil {
			if errors.Is(err, receipt.ErrNotFound) {
				return nil, &receipt.NotFoundError{Kind: "parent", ID: link.ReceiptID}
			}
			return nil, fmt.Errorf("load parent %s: %w", link.ReceiptID, err)
		}
		parents = append(parents, parent)
		if parent.GraphDepth+1 > depth {
			depth = parent.GraphDepth + 1
		}
	}

	proof, err := envelope.Sign(payload, e.signingKey, e.kid)
	if err != nil {
		return nil, err
	}

	payloadJCS, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	now := e.clock().UTC()
	r := &receipt.Receipt{
		ID:          proof.ReceiptID,
		TenantID:    tenantID,
		Type:        rType,
		Payload:     payload,
		ContentHash: "sha256:" + canonicalize.HashBytes(payloadJCS),
		Proof:       *proof,
		GraphDepth:  depth,
		CreatedAt:   now,
	}
	r.GraphHash = graphHash(r, parents)

	rels := make([]receipt.Relationship, 0, len(parentLinks))
	for _, link := range parentLinks {
		rels = append(rels, receipt.Relationship{
			ParentReceiptID: link.ReceiptID,
			ChildReceiptID:  r.ID,
			RelationType:    link.RelationType,
			Description:     link.Description,
			Metadata:        link.Metadata,
			CreatedAt:       now,
		})
	}

	if err := e.store.InsertReceipt(ctx, r, rels); err != nil {
		if errors.Is(err, receipt.ErrDuplicate) {
			return nil, receipt.NewValidationError("receipt", "duplicate receipt or relationship")
		}
		return nil, err
	}
	return r, nil
}

// graphHash binds a receipt to its position in the DAG: the canonical hash
// of its id, depth, and direct parent ids.
func graphHash(r *receipt.Receipt, parents []*receipt.Receipt) string {
	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.ID
	}
	h, err := canonicalize.CanonicalHash(map[string]any{
		"id":      r.ID,
		"depth":   r.GraphDepth,
		"parents": parentIDs,
	})
	if err != nil {
		return ""
	}
	return "sha256:" + h
}

// GetReceipt loads one receipt scoped to a tenant.
func (e *Engine) GetReceipt(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error) {
	return e.store.GetReceipt(ctx, tenantID, receiptID)
}

// CreateRequest is one item of a batch creation.
type CreateRequest struct {
	Type        receipt.Type         `json:"type"`
	Payload     any                  `json:"payload"`
	ParentLinks []receipt.ParentLink `json:"parent_links,omitempty"`
}

// BatchOptions controls batch creation behavior.
type BatchOptions struct {
	// StopOnError halts at the first failure. The default is partial
	// failure: one bad item never blocks the rest.
	StopOnError bool
}

// BatchItemResult is the outcome for one batch item.
type BatchItemResult struct {
	Index   int              `json:"index"`
	Receipt *receipt.Receipt `json:"receipt,omitempty"`
	Err     string           `json:"error,omitempty"`
}

// BatchResult aggregates a batch creation run.
type BatchResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// CreateBatch creates receipts one by one, collecting per-item errors.
// Items run sequentially so later items may link to receipts created by
// earlier ones.
func (e *Engine) CreateBatch(ctx context.Context, tenantID string, reqs []CreateRequest, opts BatchOptions) BatchResult {
	result := BatchResult{Items: make([]BatchItemResult, 0, len(reqs))}
	for i, req := range reqs {
		r, err := e.CreateReceipt(ctx, tenantID, req.Type, req.Payload, req.ParentLinks)
		item := BatchItemResult{Index: i, Receipt: r}
		if err != nil {
			item.Err = err.Error()
			result.Failed++
			result.Items = append(result.Items, item)
			if opts.StopOnError {
				break
			}
			continue
		}
		result.Succeeded++
		result.Items = append(result.Items, item)
	}
	return result
}
