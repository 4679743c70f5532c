package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certnode/core/pkg/receipt"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS receipts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store, mock
}

func sampleReceipt() *receipt.Receipt {
	return &receipt.Receipt{
		ID:       "r-1",
		TenantID: "t1",
		Type:     receipt.TypeTransaction,
		Payload:  map[string]any{"amount": 100},
		Proof: receipt.Proof{
			Protected: "hdr",
			Signature: "sig",
			Kid:       "k1",
		},
		GraphDepth: 0,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSQLStore_InsertReceipt_NoParents(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT MAX\(seq\) FROM relationships`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectCommit()

	err := store.InsertReceipt(context.Background(), sampleReceipt(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertReceipt_WithEdge(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM receipts").
		WithArgs("t1", "parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT MAX\(seq\) FROM relationships`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec("INSERT INTO relationships").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := sampleReceipt()
	r.GraphDepth = 1
	rels := []receipt.Relationship{{
		ParentReceiptID: "parent-1",
		ChildReceiptID:  r.ID,
		RelationType:    receipt.RelationEvidences,
		CreatedAt:       r.CreatedAt,
	}}
	err := store.InsertReceipt(context.Background(), r, rels)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertReceipt_ParentMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM receipts").
		WithArgs("t1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	r := sampleReceipt()
	err := store.InsertReceipt(context.Background(), r, []receipt.Relationship{{
		ParentReceiptID: "ghost",
		ChildReceiptID:  r.ID,
		RelationType:    receipt.RelationCauses,
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, receipt.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertReceipt_SeqConflictRetried(t *testing.T) {
	store, mock := newMockStore(t)

	// A concurrent writer grabbed the same sequence number; the first
	// transaction rolls back and the retry reads a fresh MAX(seq).
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM receipts").
		WithArgs("t1", "parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT MAX\(seq\) FROM relationships`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec("INSERT INTO relationships").
		WillReturnError(errors.New(`duplicate key value violates unique constraint "relationships_tenant_id_seq_key"`))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM receipts").
		WithArgs("t1", "parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT MAX\(seq\) FROM relationships`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(5))
	mock.ExpectExec("INSERT INTO relationships").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := sampleReceipt()
	r.GraphDepth = 1
	err := store.InsertReceipt(context.Background(), r, []receipt.Relationship{{
		ParentReceiptID: "parent-1",
		ChildReceiptID:  r.ID,
		RelationType:    receipt.RelationEvidences,
		CreatedAt:       r.CreatedAt,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertReceipt_DuplicateTranslated(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: receipts.tenant_id, receipts.id"))
	mock.ExpectRollback()

	err := store.InsertReceipt(context.Background(), sampleReceipt(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, receipt.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetReceipt_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM receipts").
		WithArgs("t1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetReceipt(context.Background(), "t1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestSQLStore_GetReceipt(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{
		"id", "tenant_id", "type", "payload", "content_hash",
		"protected", "signature", "kid", "payload_jcs_sha256", "proof_receipt_id",
		"graph_depth", "graph_hash", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM receipts").
		WithArgs("t1", "r-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r-1", "t1", "TRANSACTION", `{"amount":100}`, "sha256:abc",
			"hdr", "sig", "k1", "hash", "r-1",
			2, "sha256:def", "2026-01-02T03:04:05Z",
		))

	r, err := store.GetReceipt(context.Background(), "t1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, receipt.TypeTransaction, r.Type)
	assert.Equal(t, 2, r.GraphDepth)
	assert.Equal(t, "sig", r.Proof.Signature)
	assert.Equal(t, map[string]any{"amount": float64(100)}, r.Payload)
	assert.Equal(t, 2026, r.CreatedAt.Year())
}

func TestSQLStore_Parents_InsertionOrder(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"parent_id", "child_id", "relation_type", "description", "metadata", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM relationships").
		WithArgs("t1", "child-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "child-1", "EVIDENCES", "", `{"k":"v"}`, "2026-01-02T03:04:05Z").
			AddRow("p2", "child-1", "CAUSES", "second", "", "2026-01-02T03:04:06Z"))

	rels, err := store.Parents(context.Background(), "t1", "child-1")
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "p1", rels[0].ParentReceiptID)
	assert.Equal(t, receipt.RelationEvidences, rels[0].RelationType)
	assert.Equal(t, map[string]any{"k": "v"}, rels[0].Metadata)
	assert.Equal(t, "second", rels[1].Description)
}
