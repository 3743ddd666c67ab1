package fees

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// policyFile is the on-disk TOML layout:
//
//	version = 3
//	rate = "0.05"
//
//	[licenses]
//	extended = "0.08"
type policyFile struct {
	Version  uint64            `toml:"version"`
	Rate     string            `toml:"rate"`
	Licenses map[string]string `toml:"licenses"`
}

// LoadPolicyFile reads a fee policy from a TOML file.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read fee policy: %w", err)
	}
	return ParsePolicy(string(raw))
}

// ParsePolicy decodes a fee policy from TOML.
func ParsePolicy(data string) (Policy, error) {
	var file policyFile
	if _, err := toml.Decode(data, &file); err != nil {
		return Policy{}, fmt.Errorf("decode fee policy: %w", err)
	}
	policy := Policy{Version: file.Version, Rate: DefaultRate}
	if strings.TrimSpace(file.Rate) != "" {
		rate, err := decimal.NewFromString(strings.TrimSpace(file.Rate))
		if err != nil {
			return Policy{}, fmt.Errorf("parse rate: %w", err)
		}
		policy.Rate = rate
	}
	if len(file.Licenses) > 0 {
		policy.LicenseRates = make(map[string]decimal.Decimal, len(file.Licenses))
		for license, value := range file.Licenses {
			rate, err := decimal.NewFromString(strings.TrimSpace(value))
			if err != nil {
				return Policy{}, fmt.Errorf("parse license %q rate: %w", license, err)
			}
			policy.LicenseRates[NormalizeLicense(license)] = rate
		}
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
