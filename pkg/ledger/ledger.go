// Package ledger implements the integration ledger: an idempotent dedup
// table for externally sourced events. Webhook providers deliver
// at-least-once; the ledger makes receipt creation exactly-once by keying
// every event on (tenant, provider, external id).
package ledger

import (
	"context"
	"time"

	"github.com/certnode/core/pkg/receipt"
)

// Entry records one processed external event and the receipts it produced.
type Entry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Provider      string    `json:"provider"`
	ProviderEvent string    `json:"provider_event"`
	ExternalID    string    `json:"external_id"`
	ReceiptRefs   []string  `json:"receipt_refs,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// RegisterResult reports whether an event was replayed.
type RegisterResult struct {
	Deduped bool   `json:"deduped"`
	Entry   *Entry `json:"entry"`
}

// Ledger persists integration entries. (tenant, provider, external id) is
// unique; a replay returns the stored entry instead of creating state.
type Ledger interface {
	// Register records a new event or returns the prior entry when the
	// same (tenant, provider, externalID) was already seen.
	Register(ctx context.Context, entry Entry) (*RegisterResult, error)

	// AttachReceipts sets the receipt refs on an entry after the caller
	// has created the receipts for a first-time event.
	AttachReceipts(ctx context.Context, entryID string, receiptRefs []string) error

	// Get looks an entry up by its dedup key.
	Get(ctx context.Context, tenantID, provider, externalID string) (*Entry, error)
}

// validate checks the dedup key fields before any store touches the entry.
func validate(e Entry) error {
	if e.TenantID == "" {
		return receipt.NewValidationError("tenant_id", "tenant is required")
	}
	if e.Provider == "" {
		return receipt.NewValidationError("provider", "provider is required")
	}
	if e.ExternalID == "" {
		return receipt.NewValidationError("external_id", "external id is required")
	}
	return nil
}
