package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digimarket/native/escrow"
)

func sampleEscrow(id string, created time.Time) *escrow.Escrow {
	return &escrow.Escrow{
		ID:              id,
		Version:         1,
		SellerID:        "seller-1",
		Listing:         escrow.Listing{ProjectID: "p-" + id, Title: "Landing page kit", Description: "Responsive templates"},
		Price:           decimal.RequireFromString("79.99"),
		LicenseType:     escrow.LicensePersonal,
		PlatformFee:     decimal.RequireFromString("4.00"),
		SellerPayout:    decimal.RequireFromString("75.99"),
		State:           escrow.StatePendingPayment,
		CreatedAt:       created,
		UpdatedAt:       created,
		PaymentDeadline: created.Add(48 * time.Hour),
		MaxDownloads:    5,
	}
}

func TestLedgerCommitRequiresCurrentVersion(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("e1", now)))

	first, err := ledger.Get(ctx, "e1")
	require.NoError(t, err)
	second, err := ledger.Get(ctx, "e1")
	require.NoError(t, err)

	first.BuyerID = "buyer-a"
	stored, err := ledger.Commit(ctx, escrow.Commit{Escrow: first})
	require.NoError(t, err)
	require.Equal(t, uint64(2), stored.Version)

	second.BuyerID = "buyer-b"
	_, err = ledger.Commit(ctx, escrow.Commit{Escrow: second})
	require.ErrorIs(t, err, escrow.ErrVersionConflict)

	current, err := ledger.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "buyer-a", current.BuyerID)
}

func TestLedgerInsertRejectsDuplicatesAndInvalid(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Now().UTC()
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("dup", now)))
	require.ErrorIs(t, ledger.Insert(ctx, sampleEscrow("dup", now)), escrow.ErrExists)

	bad := sampleEscrow("bad", now)
	bad.SellerPayout = decimal.RequireFromString("76.00")
	require.ErrorIs(t, ledger.Insert(ctx, bad), escrow.ErrInvariant)

	_, err := ledger.Get(ctx, "missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestLedgerFinalTransactionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Now().UTC()
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("e2", now)))

	esc, err := ledger.Get(ctx, "e2")
	require.NoError(t, err)
	tx := escrow.Transaction{ID: "t1", EscrowID: "e2", Type: escrow.TxPayment, Status: escrow.TxPending, Amount: esc.Price, CreatedAt: now, UpdatedAt: now}
	esc, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, NewTransactions: []escrow.Transaction{tx}})
	require.NoError(t, err)

	tx.Status = escrow.TxFailed
	esc, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, TransactionUpdates: []escrow.Transaction{tx}})
	require.NoError(t, err)

	tx.Status = escrow.TxCompleted
	_, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, TransactionUpdates: []escrow.Transaction{tx}})
	require.ErrorIs(t, err, escrow.ErrTransactionFinal)

	txs, err := ledger.Transactions(ctx, "e2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, escrow.TxFailed, txs[0].Status)

	// The rejected commit must not have bumped the version.
	current, err := ledger.Get(ctx, "e2")
	require.NoError(t, err)
	require.Equal(t, esc.Version, current.Version)
}

func TestLedgerTransactionsKeepCommitOrder(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Now().UTC()
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("e4", now)))
	esc, err := ledger.Get(ctx, "e4")
	require.NoError(t, err)

	payment := escrow.Transaction{ID: "zz", EscrowID: "e4", Type: escrow.TxPayment, Status: escrow.TxCompleted, Amount: esc.Price, CreatedAt: now, UpdatedAt: now}
	esc, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, NewTransactions: []escrow.Transaction{payment}})
	require.NoError(t, err)
	fee := escrow.Transaction{ID: "yy", EscrowID: "e4", Type: escrow.TxFee, Status: escrow.TxCompleted, Amount: esc.PlatformFee, CreatedAt: now, UpdatedAt: now}
	payout := escrow.Transaction{ID: "aa", EscrowID: "e4", Type: escrow.TxPayout, Status: escrow.TxPending, Amount: esc.SellerPayout, CreatedAt: now, UpdatedAt: now}
	esc, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, NewTransactions: []escrow.Transaction{fee, payout}})
	require.NoError(t, err)

	payout.Status = escrow.TxCompleted
	_, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, TransactionUpdates: []escrow.Transaction{payout}})
	require.NoError(t, err)

	txs, err := ledger.Transactions(ctx, "e4")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	require.Equal(t, []escrow.TransactionType{escrow.TxPayment, escrow.TxFee, escrow.TxPayout},
		[]escrow.TransactionType{txs[0].Type, txs[1].Type, txs[2].Type})
	require.Equal(t, []uint64{1, 2, 3}, []uint64{txs[0].Seq, txs[1].Seq, txs[2].Seq})
	require.Equal(t, escrow.TxCompleted, txs[2].Status)
}

func TestLedgerDisputeHistory(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Now().UTC()
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("e3", now)))
	esc, err := ledger.Get(ctx, "e3")
	require.NoError(t, err)

	first := escrow.Dispute{ID: "d1", EscrowID: "e3", RaisedBy: escrow.PartyBuyer, Reason: "missing files", State: escrow.DisputeClosed, CreatedAt: now}
	second := escrow.Dispute{ID: "d2", EscrowID: "e3", RaisedBy: escrow.PartyBuyer, Reason: "broken build", State: escrow.DisputeOpen, CreatedAt: now.Add(time.Minute)}
	esc, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, Disputes: []escrow.Dispute{first, second}})
	require.NoError(t, err)

	first.State = escrow.DisputeOpen
	_, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, Disputes: []escrow.Dispute{first}})
	require.ErrorIs(t, err, escrow.ErrDisputeFinal)

	history, err := ledger.Disputes(ctx, "e3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "d1", history[0].ID)
	require.Equal(t, "d2", history[1].ID)
}

func TestLedgerListFilters(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		e := sampleEscrow(id, base.Add(time.Duration(i)*time.Hour))
		if id == "c" {
			e.Listing.Title = "Icon pack"
			e.Listing.Description = "Vector icons"
			e.SellerID = "seller-2"
		}
		require.NoError(t, ledger.Insert(ctx, e))
	}

	all, err := ledger.List(ctx, escrow.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "b", all[0].ID, "results follow creation order")

	bySeller, err := ledger.List(ctx, escrow.Filter{SellerID: "seller-2"})
	require.NoError(t, err)
	require.Len(t, bySeller, 1)

	byText, err := ledger.List(ctx, escrow.Filter{Text: "VECTOR"})
	require.NoError(t, err)
	require.Len(t, byText, 1)
	require.Equal(t, "c", byText[0].ID)

	limited, err := ledger.List(ctx, escrow.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestLedgerNotificationsOwnership(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	now := time.Now().UTC()
	n := escrow.Notification{ID: "n1", UserID: "buyer-1", EscrowID: "e1", Type: escrow.NotifyProjectReleased, Title: "Ready", CreatedAt: now}
	require.NoError(t, ledger.PutNotification(ctx, n))

	_, err := ledger.MarkNotificationRead(ctx, "n1", "someone-else", now)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	unread, err := ledger.Notifications(ctx, "buyer-1", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	read, err := ledger.MarkNotificationRead(ctx, "n1", "buyer-1", now)
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	unread, err = ledger.Notifications(ctx, "buyer-1", true)
	require.NoError(t, err)
	require.Empty(t, unread)

	_, err = ledger.MarkNotificationRead(ctx, "missing", "buyer-1", now)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestLedgerIdempotencyFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemDB())
	_, _, found, err := ledger.LookupResponse(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, ledger.SaveResponse(ctx, "k", "POST", "/v1/escrows", 201, []byte(`{"id":"1"}`)))
	require.NoError(t, ledger.SaveResponse(ctx, "k", "POST", "/v1/escrows", 500, []byte(`oops`)))

	status, body, found, err := ledger.LookupResponse(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 201, status)
	require.JSONEq(t, `{"id":"1"}`, string(body))
}

func TestLevelDBLedgerPersists(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ledger")
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	ledger := NewLedger(db)
	now := time.Now().UTC()
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("persisted", now)))
	ledger.Close()

	db, err = NewLevelDB(dir)
	require.NoError(t, err)
	reopened := NewLedger(db)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, got.Price.Equal(decimal.RequireFromString("79.99")))

	_, err = db.Get([]byte("nope"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestBoltLedgerPrefixScan(t *testing.T) {
	ctx := context.Background()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	ledger := NewLedger(db)
	defer ledger.Close()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("b1", base)))
	require.NoError(t, ledger.Insert(ctx, sampleEscrow("b2", base.Add(time.Minute))))
	require.NoError(t, ledger.PutNotification(ctx, escrow.Notification{ID: "n1", UserID: "seller-1", CreatedAt: base}))

	all, err := ledger.List(ctx, escrow.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2, "notification keys must not leak into escrow scans")

	esc, err := ledger.Get(ctx, "b1")
	require.NoError(t, err)
	tx := escrow.Transaction{ID: "t1", EscrowID: "b1", Type: escrow.TxPayment, Status: escrow.TxPending, Amount: esc.Price, CreatedAt: base, UpdatedAt: base}
	_, err = ledger.Commit(ctx, escrow.Commit{Escrow: esc, NewTransactions: []escrow.Transaction{tx}})
	require.NoError(t, err)

	txs, err := ledger.Transactions(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	txs, err = ledger.Transactions(ctx, "b2")
	require.NoError(t, err)
	require.Empty(t, txs)
}
