package credit

import (
	"context"
	"errors"
)

// ValidateCredits is a dry-run balance check with no side effects. A user
// whose balance row does not exist yet is reported as uninitialized rather
// than merely broke; the row is not created.
func (service *Service) ValidateCredits(ctx context.Context, rawUserID string, amount int64) (CreditCheck, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return CreditCheck{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return CreditCheck{}, err
	}
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return CreditCheck{
				HasCredits:     false,
				CurrentBalance: 0,
				Shortfall:      amount,
				Initialized:    false,
			}, nil
		}
		return CreditCheck{}, err
	}
	check := CreditCheck{
		CurrentBalance: balance.CurrentBalance,
		Initialized:    true,
	}
	if balance.CurrentBalance >= amount {
		check.HasCredits = true
	} else {
		check.Shortfall = amount - balance.CurrentBalance
	}
	return check, nil
}

// TransactionHistory returns one page of the user's transactions, newest
// first. HasMore is computed from offset+limit against the total count.
func (service *Service) TransactionHistory(ctx context.Context, rawUserID string, limit int, offset int) (HistoryPage, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return HistoryPage{}, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	transactions, total, err := service.store.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		Transactions: transactions,
		Total:        total,
		HasMore:      int64(offset+limit) < total,
	}, nil
}
