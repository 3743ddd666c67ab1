package escrow

import (
	"fmt"
	"time"
)

// Validate checks the record-level invariants. Stores call it before every
// write so that no invalid escrow is ever committed.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil escrow", ErrInvariant)
	}
	if e.ID == "" || e.SellerID == "" {
		return fmt.Errorf("%w: missing identity", ErrInvariant)
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvariant, e.State)
	}
	if !e.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvariant)
	}
	if !e.PlatformFee.Add(e.SellerPayout).Equal(e.Price) {
		return fmt.Errorf("%w: fee %s + payout %s != price %s", ErrInvariant, e.PlatformFee, e.SellerPayout, e.Price)
	}
	if e.PlatformFee.IsNegative() || e.SellerPayout.IsNegative() {
		return fmt.Errorf("%w: negative split", ErrInvariant)
	}

	released := e.ReleasedAt != nil
	switch e.State {
	case StateReleased, StateDisputed:
		if !released {
			return fmt.Errorf("%w: %s without releasedAt", ErrInvariant, e.State)
		}
		if e.BuyerID == "" {
			return fmt.Errorf("%w: %s without buyer", ErrInvariant, e.State)
		}
	case StateCancelled:
		// A dispute refund cancels a released escrow; it keeps releasedAt and
		// carries disputeResolvedAt instead of cancelledAt.
		if released && e.DisputeResolvedAt == nil {
			return fmt.Errorf("%w: cancelled with releasedAt but no dispute ruling", ErrInvariant)
		}
		if !released && e.CancelledAt == nil {
			return fmt.Errorf("%w: cancelled without cancelledAt", ErrInvariant)
		}
	default:
		if released {
			return fmt.Errorf("%w: releasedAt set in %s", ErrInvariant, e.State)
		}
	}
	if e.State == StateExpired && e.CancelledAt == nil {
		return fmt.Errorf("%w: expired without cancelledAt", ErrInvariant)
	}
	if released && e.CancelledAt != nil {
		return fmt.Errorf("%w: both releasedAt and cancelledAt set", ErrInvariant)
	}
	if (e.AccessToken != "") != released {
		return fmt.Errorf("%w: access token must exist exactly when released", ErrInvariant)
	}
	if e.DownloadCount < 0 || e.DownloadCount > e.MaxDownloads {
		return fmt.Errorf("%w: download count %d outside [0, %d]", ErrInvariant, e.DownloadCount, e.MaxDownloads)
	}
	if e.State == StateDisputed && e.OpenDisputeID == "" {
		return fmt.Errorf("%w: disputed without open dispute", ErrInvariant)
	}
	if e.State != StateDisputed && e.OpenDisputeID != "" {
		return fmt.Errorf("%w: open dispute outside disputed state", ErrInvariant)
	}
	return nil
}

// checkImmutable rejects changes to fields fixed at creation or, once set,
// never allowed to change.
func checkImmutable(prev, next *Escrow) error {
	if prev.ID != next.ID || prev.SellerID != next.SellerID {
		return fmt.Errorf("%w: identity changed", ErrInvariant)
	}
	if !prev.Price.Equal(next.Price) || !prev.PlatformFee.Equal(next.PlatformFee) || !prev.SellerPayout.Equal(next.SellerPayout) {
		return fmt.Errorf("%w: commercial terms changed", ErrInvariant)
	}
	if prev.LicenseType != next.LicenseType || !prev.PaymentDeadline.Equal(next.PaymentDeadline) {
		return fmt.Errorf("%w: terms changed", ErrInvariant)
	}
	stamps := []struct {
		name        string
		before, now *time.Time
	}{
		{"releasedAt", prev.ReleasedAt, next.ReleasedAt},
		{"cancelledAt", prev.CancelledAt, next.CancelledAt},
		{"disputeRaisedAt", prev.DisputeRaisedAt, next.DisputeRaisedAt},
		{"disputeResolvedAt", prev.DisputeResolvedAt, next.DisputeResolvedAt},
	}
	for _, ts := range stamps {
		if ts.before == nil {
			continue
		}
		if ts.now == nil || !ts.before.Equal(*ts.now) {
			return fmt.Errorf("%w: %s rewritten", ErrInvariant, ts.name)
		}
	}
	if prev.AccessToken != "" && prev.AccessToken != next.AccessToken {
		return fmt.Errorf("%w: access token rewritten", ErrInvariant)
	}
	if prev.State != StatePendingPayment && prev.State != StateOnHold && prev.BuyerID != next.BuyerID {
		return fmt.Errorf("%w: buyer changed after settlement", ErrInvariant)
	}
	if next.DownloadCount < prev.DownloadCount {
		return fmt.Errorf("%w: download count decreased", ErrInvariant)
	}
	return nil
}
