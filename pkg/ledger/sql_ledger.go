package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certnode/core/pkg/receipt"
)

// SQLLedger implements Ledger on database/sql. $N placeholders work on both
// lib/pq and modernc.org/sqlite.
type SQLLedger struct {
	db      *sql.DB
	clock   func() time.Time
	newUUID func() string
}

// NewSQLLedger wraps an opened database and creates the schema.
func NewSQLLedger(db *sql.DB) (*SQLLedger, error) {
	l := &SQLLedger{
		db:      db,
		clock:   time.Now,
		newUUID: func() string { return uuid.NewString() },
	}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_event TEXT,
		external_id TEXT NOT NULL,
		receipt_refs TEXT,
		created_at TIMESTAMP,
		UNIQUE (tenant_id, provider, external_id)
	);
	`
	_, err := l.db.ExecContext(context.Background(), schema)
	return err
}

// Register inserts the entry, or returns the stored one with Deduped set
// when the (tenant, provider, external id) key collides.
func (l *SQLLedger) Register(ctx context.Context, entry Entry) (*RegisterResult, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}

	entry.ID = l.newUUID()
	entry.CreatedAt = l.clock().UTC()

	refsJSON, err := json.Marshal(entry.ReceiptRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt refs: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, tenant_id, provider, provider_event, external_id,
			receipt_refs, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.Provider, entry.ProviderEvent,
		entry.ExternalID, string(refsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err == nil {
		cp := entry
		return &RegisterResult{Deduped: false, Entry: &cp}, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	// Replay of an event we already processed. Hand back the prior entry.
	prior, getErr := l.Get(ctx, entry.TenantID, entry.Provider, entry.ExternalID)
	if getErr != nil {
		return nil, fmt.Errorf("load deduped entry: %w", getErr)
	}
	return &RegisterResult{Deduped: true, Entry: prior}, nil
}

// AttachReceipts sets receipt refs on a previously registered entry.
func (l *SQLLedger) AttachReceipts(ctx context.Context, entryID string, receiptRefs []string) error {
	refsJSON, err := json.Marshal(receiptRefs)
	if err != nil {
		return fmt.Errorf("marshal receipt refs: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE ledger_entries SET receipt_refs = $1 WHERE id = $2`,
		string(refsJSON), entryID,
	)
	if err != nil {
		return fmt.Errorf("attach receipts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach receipts: %w", err)
	}
	if affected == 0 {
		return &receipt.NotFoundError{Kind: "ledger entry", ID: entryID}
	}
	return nil
}

// Get looks an entry up by its dedup key.
func (l *SQLLedger) Get(ctx context.Context, tenantID, provider, externalID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider, provider_event, external_id,
		       receipt_refs, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`,
		tenantID, provider, externalID,
	)

	var (
		entry         Entry
		providerEvent sql.NullString
		refsJSON      sql.NullString
		createdAt     string
	)
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.Provider,
		&providerEvent, &entry.ExternalID, &refsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &receipt.NotFoundError{Kind: "ledger entry", ID: externalID}
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}

	entry.ProviderEvent = providerEvent.String
	if refsJSON.Valid && refsJSON.String != "" && refsJSON.String != "null" {
		_ = json.Unmarshal([]byte(refsJSON.String), &entry.ReceiptRefs)
	}
	if createdAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = t
		}
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "duplicate key value") // lib/pq
}
