package credit

import (
	"context"
	"fmt"
)

// accessClass is the closed set of arbitration branches. It is resolved once
// per call from role and tier; no string comparison happens past this point.
type accessClass int

const (
	accessAdmin accessClass = iota
	accessPaid
	accessFree
)

func resolveAccessClass(role Role, profile TierProfile) accessClass {
	if role.Admin() {
		return accessAdmin
	}
	if profile.Paid {
		return accessPaid
	}
	return accessFree
}

// CheckOptions tune a single arbitration call.
type CheckOptions struct {
	Role Role
	// CreditCostOverride replaces the tier's cost table entry when set.
	CreditCostOverride *int64
}

// Arbiter composes the usage checker and the balance accessor into a single
// allow/deny decision with a typed reason code.
type Arbiter struct {
	checker *UsageChecker
	ledger  *Service
}

// NewArbiter wires an Arbiter.
func NewArbiter(checker *UsageChecker, ledger *Service) (*Arbiter, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: usage checker dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger service dependency is nil", ErrInvalidServiceConfig)
	}
	return &Arbiter{checker: checker, ledger: ledger}, nil
}

// CheckQuota decides whether userID may perform feature. Resolution order,
// first match wins: admin bypass; paid tier reduces to a credit check; free
// tier checks the monthly limit first and only consults credits when under
// it. A zero credit cost never reads the ledger.
func (arbiter *Arbiter) CheckQuota(ctx context.Context, rawUserID string, feature Feature, opts CheckOptions) (Decision, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return Decision{}, err
	}
	if _, err := ParseFeature(feature.String()); err != nil {
		return Decision{}, err
	}
	if opts.Role.Admin() {
		return adminDecision(), nil
	}

	profile, err := arbiter.checker.profileFor(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	cost := profile.CreditCost(feature)
	if opts.CreditCostOverride != nil {
		cost = *opts.CreditCostOverride
	}

	switch resolveAccessClass(opts.Role, profile) {
	case accessPaid:
		return arbiter.creditDecision(ctx, userID, cost, unlimitedUsageDetail())
	default:
		status, err := arbiter.checker.statusFor(ctx, userID, feature, profile)
		if err != nil {
			return Decision{}, err
		}
		detail := UsageDetail{
			Current:        status.Current,
			Limit:          status.Limit,
			Unlimited:      status.Unlimited,
			ResetAtUnixUTC: status.ResetAtUnixUTC,
		}
		if !status.Allowed {
			// Usage limit short-circuits; credits are never consulted.
			return Decision{
				Allowed: false,
				Code:    DecisionSubscriptionLimitExceeded,
				Usage:   detail,
			}, nil
		}
		return arbiter.creditDecision(ctx, userID, cost, detail)
	}
}

// CheckUsageEligibility answers only the subscription-limit half of the
// decision; it never touches credits.
func (arbiter *Arbiter) CheckUsageEligibility(ctx context.Context, rawUserID string, feature Feature) (UsageStatus, error) {
	return arbiter.checker.CheckUsage(ctx, rawUserID, feature)
}

func (arbiter *Arbiter) creditDecision(ctx context.Context, userID string, cost int64, usage UsageDetail) (Decision, error) {
	if cost <= 0 {
		// Free actions never consult the ledger.
		return Decision{
			Allowed: true,
			Code:    DecisionAllowed,
			Usage:   usage,
		}, nil
	}
	balance, err := arbiter.ledger.Balance(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	credits := CreditDetail{
		Required: cost,
		Balance:  balance.CurrentBalance,
	}
	if balance.CurrentBalance < cost {
		credits.Shortfall = cost - balance.CurrentBalance
		return Decision{
			Allowed: false,
			Code:    DecisionInsufficientCredits,
			Usage:   usage,
			Credits: credits,
		}, nil
	}
	return Decision{
		Allowed: true,
		Code:    DecisionAllowed,
		Usage:   usage,
		Credits: credits,
	}, nil
}

// adminDecision is synthetic: it stays available when tier or usage
// upstreams are down.
func adminDecision() Decision {
	return Decision{
		Allowed: true,
		Code:    DecisionAdminBypass,
		Usage:   unlimitedUsageDetail(),
		Credits: CreditDetail{},
	}
}

func unlimitedUsageDetail() UsageDetail {
	return UsageDetail{
		Limit:     UnlimitedUsage,
		Unlimited: true,
	}
}
