package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Query serves read-only projections over the ledger. Results are snapshots
// and may trail concurrent writes.
type Query struct {
	store Store
	nowFn func() time.Time
}

// NewQuery constructs a query facade over store.
func NewQuery(store Store) *Query {
	return &Query{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the clock used by Available.
func (q *Query) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	q.nowFn = now
}

// List returns the escrows matching f.
func (q *Query) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	return q.store.List(ctx, f)
}

// BySeller lists a seller's escrows.
func (q *Query) BySeller(ctx context.Context, sellerID string) ([]*Escrow, error) {
	return q.store.List(ctx, Filter{SellerID: strings.TrimSpace(sellerID)})
}

// ByBuyer lists the escrows a buyer currently holds or bought.
func (q *Query) ByBuyer(ctx context.Context, buyerID string) ([]*Escrow, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, nil
	}
	return q.store.List(ctx, Filter{BuyerID: buyerID})
}

// ByState lists escrows in the given state.
func (q *Query) ByState(ctx context.Context, state State) ([]*Escrow, error) {
	return q.store.List(ctx, Filter{States: []State{state}})
}

// Search matches text against listing title and description.
func (q *Query) Search(ctx context.Context, text string) ([]*Escrow, error) {
	return q.store.List(ctx, Filter{Text: strings.TrimSpace(text)})
}

// Available lists escrows a new buyer could purchase right now.
func (q *Query) Available(ctx context.Context) ([]*Escrow, error) {
	pending, err := q.store.List(ctx, Filter{States: []State{StatePendingPayment}})
	if err != nil {
		return nil, err
	}
	now := q.nowFn()
	out := make([]*Escrow, 0, len(pending))
	for _, esc := range pending {
		if esc.Available(now) {
			out = append(out, esc)
		}
	}
	return out, nil
}

// Stats aggregates the whole ledger.
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"byState"`
	// TotalValue and TotalFees cover escrows that were ever released.
	TotalValue  decimal.Decimal `json:"totalValue"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	Disputed    int             `json:"disputed"`
	DisputeRate float64         `json:"disputeRate"`
}

// Stats computes counts per state, settled value and fees, and the share of
// escrows that were ever disputed.
func (q *Query) Stats(ctx context.Context) (Stats, error) {
	all, err := q.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		ByState:    make(map[State]int, len(AllStates)),
		TotalValue: decimal.Zero,
		TotalFees:  decimal.Zero,
	}
	for _, state := range AllStates {
		stats.ByState[state] = 0
	}
	for _, esc := range all {
		stats.Total++
		stats.ByState[esc.State]++
		if esc.ReleasedAt != nil {
			stats.TotalValue = stats.TotalValue.Add(esc.Price)
			stats.TotalFees = stats.TotalFees.Add(esc.PlatformFee)
		}
		if esc.DisputeRaisedAt != nil || esc.State == StateDisputed {
			stats.Disputed++
		}
	}
	if stats.Total > 0 {
		stats.DisputeRate = float64(stats.Disputed) / float64(stats.Total)
	}
	return stats, nil
}

// FoldText lowercases s in NFKC form so full-width and composed characters
// match their plain equivalents. Stores that search outside Filter.Matches
// compare against folded columns.
func FoldText(s string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(s)))
}

func matchesText(l Listing, text string) bool {
	needle := FoldText(text)
	if needle == "" {
		return true
	}
	return strings.Contains(FoldText(l.Title), needle) ||
		strings.Contains(FoldText(l.Description), needle)
}
