package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certnode/core/pkg/receipt"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite) via $N placeholders, which both
// drivers accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an opened database and creates the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		content_hash TEXT,
		protected TEXT,
		signature TEXT,
		kid TEXT,
		payload_jcs_sha256 TEXT,
		proof_receipt_id TEXT,
		graph_depth INTEGER NOT NULL DEFAULT 0,
		graph_hash TEXT,
		created_at TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE TABLE IF NOT EXISTS relationships (
		tenant_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		description TEXT,
		metadata TEXT,
		created_at TIMESTAMP,
		UNIQUE (tenant_id, parent_id, child_id, relation_type),
		UNIQUE (tenant_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_child
		ON relationships (tenant_id, child_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_parent
		ON relationships (tenant_id, parent_id);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// maxSeqRetries bounds how often an insert retries after losing an edge
// sequence race to a concurrent writer in the same tenant.
const maxSeqRetries = 3

// InsertReceipt inserts the receipt and its parent edges in one
// transaction. Uniqueness violations surface as receipt.ErrDuplicate with
// no partial state.
//
// Edge sequence numbers come from a MAX(seq) read inside the transaction.
// Two writers in the same tenant can pick the same number; the
// UNIQUE (tenant_id, seq) constraint rejects the loser, which rolls back
// and retries with a fresh read.
func (s *SQLStore) InsertReceipt(ctx context.Context, r *receipt.Receipt, rels []receipt.Relationship) error {
	var err error
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		err = s.insertReceipt(ctx, r, rels)
		if !errors.Is(err, errSeqConflict) {
			return err
		}
	}
	return err
}

func (s *SQLStore) insertReceipt(ctx context.Context, r *receipt.Receipt, rels []receipt.Relationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rel := range rels {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM receipts WHERE tenant_id = $1 AND id = $2`,
			r.TenantID, rel.ParentReceiptID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &receipt.NotFoundError{Kind: "parent", ID: rel.ParentReceiptID}
		}
		if err != nil {
			return fmt.Errorf("check parent %s: %w", rel.ParentReceiptID, err)
		}
	}

	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (
			id, tenant_id, type, payload, content_hash,
			protected, signature, kid, payload_jcs_sha256, proof_receipt_id,
			graph_depth, graph_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.TenantID, string(r.Type), string(payloadJSON), r.ContentHash,
		r.Proof.Protected, r.Proof.Signature, r.Proof.Kid, r.Proof.PayloadJCSSHA256, r.Proof.ReceiptID,
		r.GraphDepth, r.GraphHash, r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return translateSQLError("receipt", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM relationships WHERE tenant_id = $1`, r.TenantID,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read edge sequence: %w", err)
	}

	for i, rel := range rels {
		metaJSON, _ := json.Marshal(rel.Metadata)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (
				tenant_id, seq, parent_id, child_id, relation_type,
				description, metadata, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.TenantID, maxSeq.Int64+int64(i)+1, rel.ParentReceiptID, rel.ChildReceiptID,
			string(rel.RelationType), rel.Description, string(metaJSON),
			rel.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return translateSQLError("relationship", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

const receiptColumns = `id, tenant_id, type, payload, content_hash,
	protected, signature, kid, payload_jcs_sha256, proof_receipt_id,
	graph_depth, graph_hash, created_at`

// GetReceipt fetches one receipt scoped to a tenant.
func (s *SQLStore) GetReceipt(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND id = $2`,
		tenantID, receiptID,
	)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &receipt.NotFoundError{Kind: "receipt", ID: receiptID}
	}
	return r, err
}

// Parents returns edges whose child is receiptID, in insertion order.
func (s *SQLStore) Parents(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error) {
	return s.queryEdges(ctx,
		`SELECT parent_id, child_id, relation_type, description, metadata, created_at
		 FROM relationships WHERE tenant_id = $1 AND child_id = $2 ORDER BY seq`,
		tenantID, receiptID)
}

// Children returns edges whose parent is receiptID, in insertion order.
func (s *SQLStore) Children(ctx context.Context, tenantID, receiptID string) ([]receipt.Relationship, error) {
	return s.queryEdges(ctx,
		`SELECT parent_id, child_id, relation_type, description, metadata, created_at
		 FROM relationships WHERE tenant_id = $1 AND parent_id = $2 ORDER BY seq`,
		tenantID, receiptID)
}

// ListReceipts returns every receipt in a tenant.
func (s *SQLStore) ListReceipts(ctx context.Context, tenantID string) ([]*receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// ListRelationships returns every edge in a tenant, in insertion order.
func (s *SQLStore) ListRelationships(ctx context.Context, tenantID string) ([]receipt.Relationship, error) {
	return s.queryEdges(ctx,
		`SELECT parent_id, child_id, relation_type, description, metadata, created_at
		 FROM relationships WHERE tenant_id = $1 ORDER BY seq`,
		tenantID)
}

func (s *SQLStore) queryEdges(ctx context.Context, query string, args ...any) ([]receipt.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rels []receipt.Relationship
	for rows.Next() {
		var (
			rel       receipt.Relationship
			relType   string
			desc      sql.NullString
			metaJSON  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rel.ParentReceiptID, &rel.ChildReceiptID, &relType, &desc, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		rel.RelationType = receipt.RelationType(relType)
		rel.Description = desc.String
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &rel.Metadata)
		}
		rel.CreatedAt = parseTime(createdAt)
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*receipt.Receipt, error) {
	var (
		r           receipt.Receipt
		rType       string
		payloadJSON sql.NullString
		contentHash sql.NullString
		graphHash   sql.NullString
		createdAt   string
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &rType, &payloadJSON, &contentHash,
		&r.Proof.Protected, &r.Proof.Signature, &r.Proof.Kid,
		&r.Proof.PayloadJCSSHA256, &r.Proof.ReceiptID,
		&r.GraphDepth, &graphHash, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.Type = receipt.Type(rType)
	r.ContentHash = contentHash.String
	r.GraphHash = graphHash.String
	if payloadJSON.Valid && payloadJSON.String != "" {
		var payload any
		if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err == nil {
			r.Payload = payload
		}
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// errSeqConflict marks a lost race on the edge sequence. InsertReceipt
// retries the whole transaction; callers never see it before retries run
// out.
var errSeqConflict = errors.New("edge sequence conflict")

// translateSQLError maps driver-level uniqueness violations onto
// receipt.ErrDuplicate so callers can translate them to a ValidationError
// without depending on a driver. Violations of the (tenant_id, seq)
// constraint map to errSeqConflict instead: both drivers name the failing
// columns or constraint in the message.
func translateSQLError(what string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "duplicate key value") { // lib/pq
		if strings.Contains(msg, "seq") {
			return fmt.Errorf("%s: %w", what, errSeqConflict)
		}
		return fmt.Errorf("%s: %w", what, receipt.ErrDuplicate)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}
