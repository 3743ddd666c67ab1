package fees

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	out, err := decimal.NewFromString(v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return out
}

func TestApplyExampleSale(t *testing.T) {
	split := DefaultPolicy().Apply(d(t, "199.99"), "personal")
	if !split.Fee.Equal(d(t, "10.00")) {
		t.Fatalf("expected fee 10.00, got %s", split.Fee)
	}
	if !split.Payout.Equal(d(t, "189.99")) {
		t.Fatalf("expected payout 189.99, got %s", split.Payout)
	}
	if !split.Balanced() {
		t.Fatalf("fee + payout must equal price")
	}
}

func TestFeeRoundsHalfUp(t *testing.T) {
	cases := []struct {
		price, rate, fee string
	}{
		{"0.10", "0.05", "0.01"},  // 0.005 -> 0.01
		{"0.30", "0.05", "0.02"},  // 0.015 -> 0.02
		{"0.50", "0.05", "0.03"},  // 0.025 -> 0.03
		{"79.99", "0.05", "4.00"}, // 3.9995 -> 4.00
		{"12.34", "0.05", "0.62"}, // 0.617 -> 0.62
		{"1.00", "0", "0.00"},
	}
	for _, tc := range cases {
		got := Fee(d(t, tc.price), d(t, tc.rate))
		if !got.Equal(d(t, tc.fee)) {
			t.Fatalf("fee(%s @ %s): expected %s, got %s", tc.price, tc.rate, tc.fee, got)
		}
	}
}

func TestSplitAlwaysBalances(t *testing.T) {
	rate := d(t, "0.0725")
	for cents := int64(1); cents <= 50000; cents += 37 {
		price := decimal.New(cents, -2)
		fee := Fee(price, rate)
		payout := Payout(price, rate)
		if !fee.Add(payout).Equal(price) {
			t.Fatalf("drift at %s: fee=%s payout=%s", price, fee, payout)
		}
	}
}

func TestRateForLicenseOverride(t *testing.T) {
	policy := Policy{Rate: d(t, "0.05"), LicenseRates: map[string]decimal.Decimal{"extended": d(t, "0.10")}}
	require.True(t, policy.RateFor("Extended").Equal(d(t, "0.10")))
	require.True(t, policy.RateFor("personal").Equal(d(t, "0.05")))

	clone := policy.Clone()
	clone.LicenseRates["extended"] = d(t, "0.2")
	require.True(t, policy.RateFor("extended").Equal(d(t, "0.10")), "clone must not alias overrides")
}

func TestIsMoney(t *testing.T) {
	require.True(t, IsMoney(d(t, "79.99")))
	require.True(t, IsMoney(d(t, "5")))
	require.False(t, IsMoney(d(t, "0")))
	require.False(t, IsMoney(d(t, "-1.00")))
	require.False(t, IsMoney(d(t, "1.005")))
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy(`
version = 4
rate = "0.06"

[licenses]
Commercial = "0.08"
`)
	require.NoError(t, err)
	require.Equal(t, uint64(4), policy.Version)
	require.True(t, policy.Rate.Equal(d(t, "0.06")))
	require.True(t, policy.RateFor("commercial").Equal(d(t, "0.08")))
}

func TestParsePolicyRejectsInvalidRates(t *testing.T) {
	_, err := ParsePolicy(`rate = "1.5"`)
	require.Error(t, err)
	_, err = ParsePolicy("rate = \"0.05\"\n[licenses]\nextended = \"-0.1\"\n")
	require.Error(t, err)
	_, err = ParsePolicy(`rate = "five"`)
	require.Error(t, err)
}

func TestLoadPolicyFileDefaultsRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n"), 0o600))
	policy, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.True(t, policy.Rate.Equal(DefaultRate))
}
