package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStandardKey(t *testing.T) {
	cases := map[string]string{
		"ASC 606":    "asc606",
		"asc_340_40": "asc34040",
		"ASC340-40":  "asc34040",
		" asc842 ":   "asc842",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStandardKey(in), in)
	}
}

func TestDefaultPricingConfigIsValid(t *testing.T) {
	cfg := normalizePricingConfig(DefaultPricingConfig())
	require.NoError(t, ValidatePricingConfig(cfg))

	plan, ok := cfg.Plan("Professional")
	require.True(t, ok)
	assert.Equal(t, int64(75_000), plan.BaseAllowance)
	assert.Equal(t, 12, plan.RolloverMonths)
}

func TestValidatePricingConfigRejectsBadTables(t *testing.T) {
	cfg := DefaultPricingConfig()
	cfg.Standards = nil
	assert.Error(t, ValidatePricingConfig(cfg))

	cfg = DefaultPricingConfig()
	cfg.Standards["asc606"] = StandardPricing{CreditsPerWord: 0}
	assert.Error(t, ValidatePricingConfig(cfg))

	cfg = DefaultPricingConfig()
	cfg.Plans = append(cfg.Plans, PlanTerms{Code: "starter"})
	assert.Error(t, ValidatePricingConfig(cfg))
}
