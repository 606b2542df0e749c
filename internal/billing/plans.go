// Package billing implements the Stripe checkout flow, webhook reconciliation
// and entitlement gating.
package billing

import (
	"fmt"

	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

// Tier names.
const (
	TierEssential = "essential"
	TierGrowth    = "growth"
	TierPro       = "pro"
	TierLifetime  = "lifetime"
)

// Subscription statuses.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// PlanLimits defines the feature limits for a tier.
type PlanLimits struct {
	MaxGroups          int  // groups a user may own (0 = unlimited)
	JournalHistoryDays int  // how far back journal entries are readable (0 = unlimited)
	AdvancedInsights   bool // advanced stats surfaces
}

// Limits maps tiers to their limits.
var Limits = map[string]PlanLimits{
	TierEssential: {MaxGroups: 1, JournalHistoryDays: 30},
	TierGrowth:    {MaxGroups: 3, JournalHistoryDays: 365, AdvancedInsights: true},
	TierPro:       {AdvancedInsights: true},
	TierLifetime:  {AdvancedInsights: true},
}

// GetLimits returns the limits for a tier, defaulting to essential if unknown.
func GetLimits(tier string) PlanLimits {
	if l, ok := Limits[tier]; ok {
		return l
	}
	return Limits[TierEssential]
}

// legacyAliases maps plan names from older app releases to current plan keys.
var legacyAliases = map[string]string{
	"basic":           "essential_28d",
	"basic_annual":    "essential_annual",
	"standard":        "growth_28d",
	"standard_annual": "growth_annual",
	"premium":         "pro_28d",
	"premium_annual":  "pro_annual",
	"lifetime_oneoff": "lifetime",
}

// Catalog resolves plan keys and Stripe price IDs in both directions.
type Catalog struct {
	byKey   map[string]store.Plan
	byPrice map[string]store.Plan
}

// NewCatalog builds the plan catalog from configured price IDs. Plans without
// a configured price are omitted.
func NewCatalog(cfg config.BillingConfig) *Catalog {
	defs := []store.Plan{
		{Key: "essential_28d", Tier: TierEssential, Period: "28d", StripePriceID: cfg.PriceEssential28D},
		{Key: "essential_annual", Tier: TierEssential, Period: "annual", StripePriceID: cfg.PriceEssentialAnnual},
		{Key: "essential_annual_eb", Tier: TierEssential, Period: "annual", EarlyBird: true, StripePriceID: cfg.PriceEssentialAnnualEB},
		{Key: "growth_28d", Tier: TierGrowth, Period: "28d", StripePriceID: cfg.PriceGrowth28D},
		{Key: "growth_annual", Tier: TierGrowth, Period: "annual", StripePriceID: cfg.PriceGrowthAnnual},
		{Key: "growth_annual_eb", Tier: TierGrowth, Period: "annual", EarlyBird: true, StripePriceID: cfg.PriceGrowthAnnualEB},
		{Key: "pro_28d", Tier: TierPro, Period: "28d", StripePriceID: cfg.PricePro28D},
		{Key: "pro_annual", Tier: TierPro, Period: "annual", StripePriceID: cfg.PriceProAnnual},
		{Key: "pro_annual_eb", Tier: TierPro, Period: "annual", EarlyBird: true, StripePriceID: cfg.PriceProAnnualEB},
		{Key: "lifetime", Tier: TierLifetime, Period: "lifetime", StripePriceID: cfg.PriceLifetimeOneOff},
	}

	c := &Catalog{
		byKey:   make(map[string]store.Plan),
		byPrice: make(map[string]store.Plan),
	}
	for _, p := range defs {
		if p.StripePriceID == "" {
			continue
		}
		c.byKey[p.Key] = p
		c.byPrice[p.StripePriceID] = p
	}
	return c
}

// Plans returns all configured plans for syncing and listing.
func (c *Catalog) Plans() []store.Plan {
	keys := []string{
		"essential_28d", "essential_annual", "essential_annual_eb",
		"growth_28d", "growth_annual", "growth_annual_eb",
		"pro_28d", "pro_annual", "pro_annual_eb",
		"lifetime",
	}
	var out []store.Plan
	for _, k := range keys {
		if p, ok := c.byKey[k]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Resolve maps a plan key (current or legacy) to its plan.
func (c *Catalog) Resolve(key string) (store.Plan, error) {
	if canonical, ok := legacyAliases[key]; ok {
		key = canonical
	}
	p, ok := c.byKey[key]
	if !ok {
		return store.Plan{}, fmt.Errorf("unknown plan %q", key)
	}
	return p, nil
}

// ResolvePrice maps a Stripe price ID to its plan.
func (c *Catalog) ResolvePrice(priceID string) (store.Plan, bool) {
	p, ok := c.byPrice[priceID]
	return p, ok
}

// EarlyBird returns the early-bird annual plan for a tier.
func (c *Catalog) EarlyBird(tier string) (store.Plan, error) {
	for _, p := range c.byKey {
		if p.Tier == tier && p.EarlyBird {
			return p, nil
		}
	}
	return store.Plan{}, fmt.Errorf("no early-bird plan for tier %q", tier)
}

// TierForPrice maps a price ID to its tier, defaulting to essential for
// prices that predate the catalog.
func (c *Catalog) TierForPrice(priceID string) string {
	if p, ok := c.byPrice[priceID]; ok {
		return p.Tier
	}
	return TierEssential
}
