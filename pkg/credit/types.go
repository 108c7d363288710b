package credit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Feature enumerates the gated actions a debit can pay for.
type Feature string

const (
	FeatureSong    Feature = "song"
	FeatureLyrics  Feature = "lyrics"
	FeatureInsight Feature = "insight"
)

// ParseFeature validates and normalizes a feature name.
func ParseFeature(raw string) (Feature, error) {
	switch Feature(strings.ToLower(strings.TrimSpace(raw))) {
	case FeatureSong:
		return FeatureSong, nil
	case FeatureLyrics:
		return FeatureLyrics, nil
	case FeatureInsight:
		return FeatureInsight, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFeature, raw)
	}
}

// String returns the feature name.
func (feature Feature) String() string {
	return string(feature)
}

// Role identifies the caller's privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Admin reports whether the role bypasses arbitration.
func (role Role) Admin() bool {
	return role == RoleAdmin
}

// TierID identifies a subscription tier.
type TierID string

const (
	TierFree    TierID = "free"
	TierPro     TierID = "pro"
	TierPremium TierID = "premium"
)

// UnlimitedUsage is the monthly-limit sentinel for paid tiers.
const UnlimitedUsage int64 = -1

// DefaultStartingBalance is granted on first balance access.
const DefaultStartingBalance int64 = 100

// TierProfile describes the limits and costs of a subscription tier.
type TierProfile struct {
	ID            TierID
	Paid          bool
	MonthlyLimits map[Feature]int64
	CreditCosts   map[Feature]int64
}

// MonthlyLimit resolves the monthly cap for a feature; paid tiers are unlimited.
func (profile TierProfile) MonthlyLimit(feature Feature) int64 {
	if profile.Paid {
		return UnlimitedUsage
	}
	limit, ok := profile.MonthlyLimits[feature]
	if !ok {
		return 0
	}
	return limit
}

// CreditCost resolves the per-action debit for a feature.
func (profile TierProfile) CreditCost(feature Feature) int64 {
	return profile.CreditCosts[feature]
}

// TransactionKind distinguishes debit reservations from refund grants.
type TransactionKind string

const (
	KindReservation TransactionKind = "reservation"
	KindRefund      TransactionKind = "refund"
)

// TransactionStatus defines the at-most-once resolution lifecycle.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
)

// Transaction is an immutable-after-creation ledger record.
type Transaction struct {
	ID                string
	UserID            string
	Amount            int64
	Kind              TransactionKind
	Status            TransactionStatus
	Description       string
	MetadataJSON      string
	Reason            string
	ReconcileAttempts int
	RequiresReview    bool
	CreatedUnixUTC    int64
	ResolvedUnixUTC   int64
}

// Balance is the per-user credit position.
type Balance struct {
	UserID         string
	CurrentBalance int64
	TotalSpent     int64
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// ReserveResult reports the outcome of a reservation attempt.
// Shortfall is populated only when Reserved is false.
type ReserveResult struct {
	Reserved       bool
	TransactionID  string
	CurrentBalance int64
	Shortfall      int64
}

// CreditCheck is the dry-run balance verdict used by UI preflights.
type CreditCheck struct {
	HasCredits     bool
	CurrentBalance int64
	Shortfall      int64
	Initialized    bool
}

// HistoryPage is one page of a user's transaction history, newest first.
type HistoryPage struct {
	Transactions []Transaction
	Total        int64
	HasMore      bool
}

// UsageCount is the current-period counter for one feature.
type UsageCount struct {
	Count          int64
	ResetAtUnixUTC int64
}

// UsageSnapshot aggregates the current period across all features.
type UsageSnapshot struct {
	Songs          int64
	Lyrics         int64
	Insights       int64
	ResetAtUnixUTC int64
}

// UsageStatus answers "is this user under quota for this feature this period?".
type UsageStatus struct {
	Allowed        bool
	Current        int64
	Limit          int64
	Unlimited      bool
	ResetAtUnixUTC int64
}

// DecisionCode is the typed reason attached to an arbitration verdict.
type DecisionCode string

const (
	DecisionAdminBypass               DecisionCode = "ADMIN_BYPASS"
	DecisionAllowed                   DecisionCode = "ALLOWED"
	DecisionSubscriptionLimitExceeded DecisionCode = "SUBSCRIPTION_LIMIT_EXCEEDED"
	DecisionInsufficientCredits       DecisionCode = "INSUFFICIENT_CREDITS"
)

// UsageDetail is the subscription half of a Decision.
type UsageDetail struct {
	Current        int64
	Limit          int64
	Unlimited      bool
	ResetAtUnixUTC int64
}

// CreditDetail is the ledger half of a Decision.
type CreditDetail struct {
	Required  int64
	Balance   int64
	Shortfall int64
}

// Decision is the arbitration verdict for one requested action.
type Decision struct {
	Allowed bool
	Code    DecisionCode
	Usage   UsageDetail
	Credits CreditDetail
}

// NormalizeUserID trims and validates a user identifier.
func NormalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrUserIDRequired)
	}
	return trimmed, nil
}

// NormalizeMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// ValidateAmount ensures a monetary amount is strictly positive.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}
