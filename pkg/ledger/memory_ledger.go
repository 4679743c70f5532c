package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certnode/core/pkg/receipt"
)

// MemoryLedger is an in-memory Ledger for tests and single-node use.
type MemoryLedger struct {
	mu      sync.Mutex
	byKey   map[string]*Entry
	byID    map[string]*Entry
	clock   func() time.Time
	newUUID func() string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey:   make(map[string]*Entry),
		byID:    make(map[string]*Entry),
		clock:   time.Now,
		newUUID: func() string { return uuid.NewString() },
	}
}

func dedupKey(tenantID, provider, externalID string) string {
	return tenantID + "|" + provider + "|" + externalID
}

// Register records the entry, or replays the stored one for a duplicate
// (tenant, provider, external id).
func (l *MemoryLedger) Register(ctx context.Context, entry Entry) (*RegisterResult, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := dedupKey(entry.TenantID, entry.Provider, entry.ExternalID)
	if existing, ok := l.byKey[key]; ok {
		cp := *existing
		return &RegisterResult{Deduped: true, Entry: &cp}, nil
	}

	entry.ID = l.newUUID()
	entry.CreatedAt = l.clock().UTC()
	stored := entry
	l.byKey[key] = &stored
	l.byID[stored.ID] = &stored

	cp := stored
	return &RegisterResult{Deduped: false, Entry: &cp}, nil
}

// AttachReceipts sets receipt refs on a previously registered entry.
func (l *MemoryLedger) AttachReceipts(ctx context.Context, entryID string, receiptRefs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[entryID]
	if !ok {
		return &receipt.NotFoundError{Kind: "ledger entry", ID: entryID}
	}
	entry.ReceiptRefs = append([]string{}, receiptRefs...)
	return nil
}

// Get looks an entry up by its dedup key.
func (l *MemoryLedger) Get(ctx context.Context, tenantID, provider, externalID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byKey[dedupKey(tenantID, provider, externalID)]
	if !ok {
		return nil, &receipt.NotFoundError{Kind: "ledger entry", ID: externalID}
	}
	cp := *entry
	return &cp, nil
}
