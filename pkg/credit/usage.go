package credit

import (
	"context"
	"fmt"
)

// UsageStore tracks per-user, per-feature counters for the current calendar
// month. Incrementing happens outside the checker, when the gated action
// actually completes.
type UsageStore interface {
	FeatureUsage(ctx context.Context, userID string, feature Feature) (UsageCount, error)
	CurrentUsage(ctx context.Context, userID string) (UsageSnapshot, error)
}

// UsageChecker answers "is this user under quota for this feature this
// period?". It is side-effect free and never silently defaults when an
// upstream is unreachable.
type UsageChecker struct {
	tiers    TierProvider
	resolver TierResolver
	usage    UsageStore
}

// NewUsageChecker wires a UsageChecker.
func NewUsageChecker(tiers TierProvider, resolver TierResolver, usage UsageStore) (*UsageChecker, error) {
	if tiers == nil {
		return nil, fmt.Errorf("%w: tier provider dependency is nil", ErrInvalidServiceConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: tier resolver dependency is nil", ErrInvalidServiceConfig)
	}
	if usage == nil {
		return nil, fmt.Errorf("%w: usage store dependency is nil", ErrInvalidServiceConfig)
	}
	return &UsageChecker{tiers: tiers, resolver: resolver, usage: usage}, nil
}

// CheckUsage resolves the user's tier and current-period counter. Upstream
// failures propagate; the check never defaults to allowed or denied.
func (checker *UsageChecker) CheckUsage(ctx context.Context, rawUserID string, feature Feature) (UsageStatus, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return UsageStatus{}, err
	}
	if _, err := ParseFeature(feature.String()); err != nil {
		return UsageStatus{}, err
	}
	profile, err := checker.profileFor(ctx, userID)
	if err != nil {
		return UsageStatus{}, err
	}
	return checker.statusFor(ctx, userID, feature, profile)
}

// profileFor resolves user -> tier -> profile. Resolver failures wrap
// ErrUpstreamUnavailable; provider failures are already absorbed when the
// provider carries a fallback.
func (checker *UsageChecker) profileFor(ctx context.Context, userID string) (TierProfile, error) {
	tierID, err := checker.resolver.TierOf(ctx, userID)
	if err != nil {
		return TierProfile{}, fmt.Errorf("%w: tier resolve: %v", ErrUpstreamUnavailable, err)
	}
	profile, err := checker.tiers.Profile(ctx, tierID)
	if err != nil {
		return TierProfile{}, fmt.Errorf("%w: tier profile %s: %v", ErrUpstreamUnavailable, tierID, err)
	}
	return profile, nil
}

func (checker *UsageChecker) statusFor(ctx context.Context, userID string, feature Feature, profile TierProfile) (UsageStatus, error) {
	count, err := checker.usage.FeatureUsage(ctx, userID, feature)
	if err != nil {
		return UsageStatus{}, fmt.Errorf("%w: usage counter: %v", ErrUpstreamUnavailable, err)
	}
	limit := profile.MonthlyLimit(feature)
	status := UsageStatus{
		Current:        count.Count,
		Limit:          limit,
		Unlimited:      limit == UnlimitedUsage,
		ResetAtUnixUTC: count.ResetAtUnixUTC,
	}
	status.Allowed = status.Unlimited || count.Count < limit
	return status, nil
}
