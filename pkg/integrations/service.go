package integrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/certnode/core/pkg/ledger"
	"github.com/certnode/core/pkg/receipt"
)

// Creator is the slice of the graph engine the ingestion path needs.
type Creator interface {
	CreateReceipt(ctx context.Context, tenantID string, rType receipt.Type, payload any, parentLinks []receipt.ParentLink) (*receipt.Receipt, error)
}

// Result reports one webhook delivery's outcome. A replayed delivery
// returns the receipt ids minted the first time around.
type Result struct {
	Deduped    bool     `json:"deduped"`
	EntryID    string   `json:"entry_id"`
	ReceiptIDs []string `json:"receipt_ids"`
}

// Service orchestrates webhook ingestion: dedup through the ledger, map
// the event through its provider, mint receipts, record the refs.
type Service struct {
	registry *Registry
	ledger   ledger.Ledger
	creator  Creator
}

// NewService wires the ingestion pipeline.
func NewService(registry *Registry, l ledger.Ledger, creator Creator) *Service {
	return &Service{registry: registry, ledger: l, creator: creator}
}

// HandleEvent processes one webhook delivery for a tenant. Replays of an
// already-seen (provider, external id) return the stored result and create
// nothing.
func (s *Service) HandleEvent(ctx context.Context, tenantID, providerName, eventType string, body []byte) (*Result, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	if err := provider.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	event, err := provider.Parse(eventType, body)
	if err != nil {
		return nil, err
	}
	if event.ExternalID == "" {
		return nil, receipt.NewValidationError("external_id", "provider event carries no id")
	}

	reg, err := s.ledger.Register(ctx, ledger.Entry{
		TenantID:      tenantID,
		Provider:      providerName,
		ProviderEvent: event.EventType,
		ExternalID:    event.ExternalID,
	})
	if err != nil {
		return nil, err
	}
	if reg.Deduped {
		return &Result{
			Deduped:    true,
			EntryID:    reg.Entry.ID,
			ReceiptIDs: reg.Entry.ReceiptRefs,
		}, nil
	}

	instructions, err := provider.Map(event)
	if err != nil {
		return nil, err
	}

	receiptIDs := make([]string, 0, len(instructions))
	for _, inst := range instructions {
		links, err := s.resolveParents(ctx, tenantID, providerName, inst.ParentRefs)
		if err != nil {
			return nil, err
		}
		r, err := s.creator.CreateReceipt(ctx, tenantID, inst.Type, inst.Payload, links)
		if err != nil {
			return nil, fmt.Errorf("create receipt for %s event %s: %w", providerName, event.ExternalID, err)
		}
		receiptIDs = append(receiptIDs, r.ID)
	}

	if err := s.ledger.AttachReceipts(ctx, reg.Entry.ID, receiptIDs); err != nil {
		return nil, err
	}
	return &Result{
		Deduped:    false,
		EntryID:    reg.Entry.ID,
		ReceiptIDs: receiptIDs,
	}, nil
}

// resolveParents maps provider-level parent refs onto receipt ids via the
// ledger. A ref to an event we never saw is skipped rather than failing
// the delivery: providers do not guarantee ordering.
func (s *Service) resolveParents(ctx context.Context, tenantID, providerName string, refs []ParentRef) ([]receipt.ParentLink, error) {
	var links []receipt.ParentLink
	for _, ref := range refs {
		entry, err := s.ledger.Get(ctx, tenantID, providerName, ref.ExternalID)
		if errors.Is(err, receipt.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, id := range entry.ReceiptRefs {
			links = append(links, receipt.ParentLink{
				ReceiptID:    id,
				RelationType: ref.Relation,
			})
		}
	}
	return links, nil
}
