package credit

import "context"

// TierProvider resolves tier profiles, typically from an external
// configuration service.
type TierProvider interface {
	Profile(ctx context.Context, tierID TierID) (TierProfile, error)
}

// TierResolver maps a user to their subscription tier.
type TierResolver interface {
	TierOf(ctx context.Context, userID string) (TierID, error)
}

// builtinProfiles is the hardcoded fallback table; the ledger keeps
// functioning on it when the tier configuration provider is unreachable.
var builtinProfiles = map[TierID]TierProfile{
	TierFree: {
		ID:   TierFree,
		Paid: false,
		MonthlyLimits: map[Feature]int64{
			FeatureSong:    5,
			FeatureLyrics:  10,
			FeatureInsight: 3,
		},
		CreditCosts: map[Feature]int64{
			FeatureSong:    10,
			FeatureLyrics:  5,
			FeatureInsight: 3,
		},
	},
	TierPro: {
		ID:   TierPro,
		Paid: true,
		CreditCosts: map[Feature]int64{
			FeatureSong:    10,
			FeatureLyrics:  5,
			FeatureInsight: 3,
		},
	},
	TierPremium: {
		ID:   TierPremium,
		Paid: true,
		CreditCosts: map[Feature]int64{
			FeatureSong:    8,
			FeatureLyrics:  4,
			FeatureInsight: 2,
		},
	},
}

// StaticTierProvider serves the built-in table. Unknown tiers resolve to the
// free profile, the most restrictive one.
type StaticTierProvider struct{}

// Profile returns the built-in profile for the tier.
func (StaticTierProvider) Profile(_ context.Context, tierID TierID) (TierProfile, error) {
	if profile, ok := builtinProfiles[tierID]; ok {
		return profile, nil
	}
	return builtinProfiles[TierFree], nil
}

// FallbackTierProvider delegates to a primary provider and serves the
// built-in table when the primary fails, so arbitration never stalls on
// tier configuration.
type FallbackTierProvider struct {
	primary  TierProvider
	fallback StaticTierProvider
}

// NewFallbackTierProvider wraps a primary provider; a nil primary yields a
// provider that always serves the built-in table.
func NewFallbackTierProvider(primary TierProvider) FallbackTierProvider {
	return FallbackTierProvider{primary: primary}
}

// Profile resolves from the primary, falling back on any error.
func (provider FallbackTierProvider) Profile(ctx context.Context, tierID TierID) (TierProfile, error) {
	if provider.primary == nil {
		return provider.fallback.Profile(ctx, tierID)
	}
	profile, err := provider.primary.Profile(ctx, tierID)
	if err != nil {
		return provider.fallback.Profile(ctx, tierID)
	}
	return profile, nil
}

// StaticTierResolver maps every user to a fixed tier; deployments without a
// subscription directory run free-tier-only.
type StaticTierResolver struct {
	Tier TierID
}

// TierOf returns the fixed tier, defaulting to free.
func (resolver StaticTierResolver) TierOf(context.Context, string) (TierID, error) {
	if resolver.Tier == "" {
		return TierFree, nil
	}
	return resolver.Tier, nil
}
