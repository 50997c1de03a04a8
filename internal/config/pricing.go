package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig is the server-side price table and plan catalog.
type PricingConfig struct {
	MinCharge      int64                      `mapstructure:"minCharge"`
	PerFileCredits int64                      `mapstructure:"perFileCredits"`
	MaxWordsPerJob int64                      `mapstructure:"maxWordsPerJob"`
	Standards      map[string]StandardPricing `mapstructure:"standards"`
	Plans          []PlanTerms                `mapstructure:"plans"`
}

type StandardPricing struct {
	CreditsPerWord float64 `mapstructure:"creditsPerWord"`
}

// PlanTerms are the product terms for a subscription plan.
type PlanTerms struct {
	Code           string `mapstructure:"code"`
	BaseAllowance  int64  `mapstructure:"baseAllowance"`
	Rollover       bool   `mapstructure:"rollover"`
	RolloverCap    int64  `mapstructure:"rolloverCap"`
	RolloverMonths int    `mapstructure:"rolloverMonths"`
}

// Plan returns the terms for code, if present.
func (c PricingConfig) Plan(code string) (PlanTerms, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, plan := range c.Plans {
		if strings.ToLower(plan.Code) == code {
			return plan, true
		}
	}
	return PlanTerms{}, false
}

func DefaultPricingConfig() PricingConfig {
	standard := StandardPricing{CreditsPerWord: 1}
	return PricingConfig{
		MinCharge:      500,
		PerFileCredits: 0,
		MaxWordsPerJob: 200_000,
		Standards: map[string]StandardPricing{
			"asc606":   standard,
			"asc842":   standard,
			"asc718":   standard,
			"asc805":   standard,
			"asc34040": standard,
		},
		Plans: []PlanTerms{
			{Code: "trial", BaseAllowance: 3_000, Rollover: false},
			{Code: "starter", BaseAllowance: 30_000, Rollover: true, RolloverMonths: 12},
			{Code: "professional", BaseAllowance: 75_000, Rollover: true, RolloverMonths: 12},
			{Code: "enterprise", BaseAllowance: 200_000, Rollover: true, RolloverMonths: 12},
		},
	}
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingConfigHolder wraps a fixed config without file watching.
func NewStaticPricingConfigHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/memora")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEMORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultPricingConfig()
	if fileFound {
		if err := v.UnmarshalKey("pricing", &cfg); err != nil {
			return nil, err
		}
	}
	cfg = normalizePricingConfig(cfg)
	if err := ValidatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPricingConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultPricingConfig()
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		updated = normalizePricingConfig(updated)
		if err := ValidatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// Store swaps in a new config. Readers see either the old or the new table.
func (h *PricingConfigHolder) Store(cfg PricingConfig) {
	h.current.Store(cfg)
}

// normalizePricingConfig lowercases standard keys and strips separators so that
// "ASC 340-40" and "asc34040" resolve to the same entry.
func normalizePricingConfig(cfg PricingConfig) PricingConfig {
	standards := make(map[string]StandardPricing, len(cfg.Standards))
	for key, value := range cfg.Standards {
		standards[NormalizeStandardKey(key)] = value
	}
	cfg.Standards = standards
	for i := range cfg.Plans {
		cfg.Plans[i].Code = strings.ToLower(strings.TrimSpace(cfg.Plans[i].Code))
		if cfg.Plans[i].Rollover && cfg.Plans[i].RolloverMonths <= 0 {
			cfg.Plans[i].RolloverMonths = 12
		}
	}
	return cfg
}

// NormalizeStandardKey folds a standard name into its lookup key.
func NormalizeStandardKey(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch r {
		case ' ', '-', '_', '.', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ValidatePricingConfig(cfg PricingConfig) error {
	if len(cfg.Standards) == 0 {
		return errors.New("pricing.standards cannot be empty")
	}
	for key, standard := range cfg.Standards {
		if standard.CreditsPerWord <= 0 {
			return fmt.Errorf("pricing.standards.%s.creditsPerWord must be positive", key)
		}
	}
	if cfg.MinCharge < 0 || cfg.PerFileCredits < 0 {
		return errors.New("pricing charges cannot be negative")
	}
	if cfg.MaxWordsPerJob <= 0 {
		return errors.New("pricing.maxWordsPerJob must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		if plan.Code == "" {
			return errors.New("pricing.plans[].code cannot be empty")
		}
		if _, dup := seen[plan.Code]; dup {
			return fmt.Errorf("pricing.plans: duplicate code %q", plan.Code)
		}
		seen[plan.Code] = struct{}{}
		if plan.BaseAllowance < 0 || plan.RolloverCap < 0 {
			return fmt.Errorf("pricing.plans.%s: allowance values cannot be negative", plan.Code)
		}
	}
	return nil
}
