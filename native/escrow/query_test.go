package escrow_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digimarket/native/escrow"
)

func TestQueryListingsAndStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := escrow.NewQuery(h.ledger)
	q.SetNowFunc(h.clock.Now)

	open := h.create(t, "10.00")
	claimed := h.create(t, "20.00")
	h.purchase(t, claimed.ID, "buyer-1")
	sold := h.settle(t, "199.99", "buyer-2")
	disputed := h.settle(t, "50.00", "buyer-1")
	h.raise(t, disputed.ID, "buyer-1", escrow.PartyBuyer)

	available, err := q.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.Equal(t, open.ID, available[0].ID)

	h.clock.Advance(escrow.DefaultReservationTTL + time.Second)
	available, err = q.Available(ctx)
	require.NoError(t, err)
	require.Len(t, available, 2, "lapsed reservations are purchasable again")

	mine, err := q.ByBuyer(ctx, "buyer-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)

	bySeller, err := q.BySeller(ctx, "seller-1")
	require.NoError(t, err)
	require.Len(t, bySeller, 4)

	released, err := q.ByState(ctx, escrow.StateReleased)
	require.NoError(t, err)
	require.Len(t, released, 1)
	require.Equal(t, sold.ID, released[0].ID)

	found, err := q.Search(ctx, "DASHBOARD")
	require.NoError(t, err)
	require.Len(t, found, 4)
	found, err = q.Search(ctx, "wordpress")
	require.NoError(t, err)
	require.Empty(t, found)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 2, stats.ByState[escrow.StatePendingPayment])
	require.Equal(t, 1, stats.ByState[escrow.StateReleased])
	require.Equal(t, 1, stats.ByState[escrow.StateDisputed])
	require.Equal(t, 0, stats.ByState[escrow.StateExpired])
	require.Equal(t, "249.99", stats.TotalValue.StringFixed(2))
	require.Equal(t, "12.50", stats.TotalFees.StringFixed(2))
	require.Equal(t, 1, stats.Disputed)
	require.InDelta(t, 0.25, stats.DisputeRate, 1e-9)
}

func TestSearchFoldsWidth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateEscrow(ctx, escrow.CreateParams{
		SellerID:        "seller-9",
		Listing:         escrow.Listing{ProjectID: "fw", Title: "ＲＥＡＣＴ starter"},
		Price:           decimal.RequireFromString("5.00"),
		LicenseType:     "extended",
		PaymentDeadline: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	found, err := escrow.NewQuery(h.ledger).Search(ctx, "react")
	require.NoError(t, err)
	require.Len(t, found, 1)
}
