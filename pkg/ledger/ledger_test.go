package ledger

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

func sampleEntry() Entry {
	return Entry{
		TenantID:      "t1",
		Provider:      "stripe",
		ProviderEvent: "charge.succeeded",
		ExternalID:    "evt_123",
	}
}

func TestMemoryLedger_RegisterDedup(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	first, err := l.Register(ctx, sampleEntry())
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	assert.NotEmpty(t, first.Entry.ID)
	assert.False(t, first.Entry.CreatedAt.IsZero())

	second, err := l.Register(ctx, sampleEntry())
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
}

func TestMemoryLedger_KeyScoping(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	_, err := l.Register(ctx, sampleEntry())
	require.NoError(t, err)

	otherTenant := sampleEntry()
	otherTenant.TenantID = "t2"
	res, err := l.Register(ctx, otherTenant)
	require.NoError(t, err)
	assert.False(t, res.Deduped, "same external id under another tenant is a new event")

	otherProvider := sampleEntry()
	otherProvider.Provider = "shopify"
	res, err = l.Register(ctx, otherProvider)
	require.NoError(t, err)
	assert.False(t, res.Deduped, "same external id from another provider is a new event")
}

func TestMemoryLedger_Validation(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	for _, tc := range []struct {
		name   string
		mutate func(*Entry)
	}{
		{"missing tenant", func(e *Entry) { e.TenantID = "" }},
		{"missing provider", func(e *Entry) { e.Provider = "" }},
		{"missing external id", func(e *Entry) { e.ExternalID = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entry := sampleEntry()
			tc.mutate(&entry)
			_, err := l.Register(ctx, entry)
			var verr *receipt.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestMemoryLedger_AttachReceipts(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	res, err := l.Register(ctx, sampleEntry())
	require.NoError(t, err)

	err = l.AttachReceipts(ctx, res.Entry.ID, []string{"r-1", "r-2"})
	require.NoError(t, err)

	got, err := l.Get(ctx, "t1", "stripe", "evt_123")
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1", "r-2"}, got.ReceiptRefs)

	err = l.AttachReceipts(ctx, "no-such-entry", []string{"r-3"})
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestMemoryLedger_GetNotFound(t *testing.T) {
	l := NewMemoryLedger()
	_, err := l.Get(context.Background(), "t1", "stripe", "evt_missing")
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func newMockLedger(t *testing.T) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := NewSQLLedger(db)
	require.NoError(t, err)
	l.clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	l.newUUID = func() string { return "entry-1" }
	return l, mock
}

func TestSQLLedger_RegisterNew(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := l.Register(context.Background(), sampleEntry())
	require.NoError(t, err)
	assert.False(t, res.Deduped)
	assert.Equal(t, "entry-1", res.Entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RegisterDedup(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: ledger_entries.tenant_id, ledger_entries.provider, ledger_entries.external_id"))

	cols := []string{"id", "tenant_id", "provider", "provider_event", "external_id", "receipt_refs", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("t1", "stripe", "evt_123").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"entry-0", "t1", "stripe", "charge.succeeded", "evt_123",
			`["r-1"]`, "2026-01-01T00:00:00Z",
		))

	res, err := l.Register(context.Background(), sampleEntry())
	require.NoError(t, err)
	assert.True(t, res.Deduped)
	assert.Equal(t, "entry-0", res.Entry.ID)
	assert.Equal(t, []string{"r-1"}, res.Entry.ReceiptRefs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AttachReceipts(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE ledger_entries SET receipt_refs").
		WithArgs(`["r-1"]`, "entry-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.AttachReceipts(context.Background(), "entry-1", []string{"r-1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AttachReceiptsNotFound(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE ledger_entries SET receipt_refs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.AttachReceipts(context.Background(), "ghost", []string{"r-1"})
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestSQLLedger_GetNotFound(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("t1", "stripe", "evt_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := l.Get(context.Background(), "t1", "stripe", "evt_missing")
	assert.ErrorIs(t, err, receipt.ErrNotFound)
}
