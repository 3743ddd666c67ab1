package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places every amount is quoted in.
const MoneyPlaces = 2

// DefaultRate is the platform commission applied when no policy is configured.
var DefaultRate = decimal.RequireFromString("0.05")

// Policy captures the commission charged on a sale. Rates may be overridden
// per license type; the base Rate applies otherwise.
type Policy struct {
	Version      uint64
	Rate         decimal.Decimal
	LicenseRates map[string]decimal.Decimal
}

// DefaultPolicy returns the policy charging DefaultRate on every license.
func DefaultPolicy() Policy {
	return Policy{Version: 1, Rate: DefaultRate}
}

// Clone returns a deep copy of the policy to avoid aliasing the override map
// between callers.
func (p Policy) Clone() Policy {
	clone := Policy{Version: p.Version, Rate: p.Rate}
	if len(p.LicenseRates) == 0 {
		return clone
	}
	clone.LicenseRates = make(map[string]decimal.Decimal, len(p.LicenseRates))
	for license, rate := range p.LicenseRates {
		clone.LicenseRates[NormalizeLicense(license)] = rate
	}
	return clone
}

// Validate ensures every configured rate lies in [0, 1).
func (p Policy) Validate() error {
	if err := validateRate(p.Rate); err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	for license, rate := range p.LicenseRates {
		if err := validateRate(rate); err != nil {
			return fmt.Errorf("license %q rate: %w", license, err)
		}
	}
	return nil
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	if rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be below 1")
	}
	return nil
}

// RateFor resolves the commission rate for the supplied license type.
func (p Policy) RateFor(license string) decimal.Decimal {
	if rate, ok := p.LicenseRates[NormalizeLicense(license)]; ok {
		return rate
	}
	return p.Rate
}

// NormalizeLicense canonicalises license identifiers for consistent lookups.
func NormalizeLicense(license string) string {
	return strings.ToLower(strings.TrimSpace(license))
}

// Fee returns the platform commission for price at rate, rounded half up to
// two decimal places.
func Fee(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).Round(MoneyPlaces)
}

// Payout returns what the seller receives. It is always derived by subtracting
// the rounded fee so that fee + payout == price holds exactly.
func Payout(price, rate decimal.Decimal) decimal.Decimal {
	return price.Sub(Fee(price, rate))
}

// Split computes the frozen fee/payout pair for a sale.
type Split struct {
	Price  decimal.Decimal
	Rate   decimal.Decimal
	Fee    decimal.Decimal
	Payout decimal.Decimal
}

// Apply evaluates the policy for a sale of price under license.
func (p Policy) Apply(price decimal.Decimal, license string) Split {
	rate := p.RateFor(license)
	fee := Fee(price, rate)
	return Split{
		Price:  price,
		Rate:   rate,
		Fee:    fee,
		Payout: price.Sub(fee),
	}
}

// Balanced reports whether fee + payout == price.
func (s Split) Balanced() bool {
	return s.Fee.Add(s.Payout).Equal(s.Price)
}

// IsMoney reports whether amount is positive and expressible in whole cents.
func IsMoney(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Equal(amount.Round(MoneyPlaces))
}
