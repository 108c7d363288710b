package credit

import "context"

// BalanceAdjustment reports the outcome of a conditional balance mutation.
// CurrentBalance is the post-mutation balance when Applied, the unchanged
// balance otherwise.
type BalanceAdjustment struct {
	Applied        bool
	CurrentBalance int64
}

// Store is the persistence contract used by the credit core. The conditional
// AdjustBalance mutation is the only concurrency-safety mechanism the
// protocol relies on; implementations must execute it as a single atomic,
// isolated operation.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// EnsureBalance creates the balance row with the starting grant if it
	// does not exist yet. Concurrent first-time calls for the same user must
	// not double-insert.
	EnsureBalance(ctx context.Context, userID string, startingBalance int64) error

	// GetBalance returns ErrBalanceNotFound when the row does not exist.
	GetBalance(ctx context.Context, userID string) (Balance, error)

	// AdjustBalance applies delta only if current_balance + delta >= 0.
	AdjustBalance(ctx context.Context, userID string, delta int64) (BalanceAdjustment, error)

	// AddTotalSpent bumps the monotonic spent counter at commit time.
	AddTotalSpent(ctx context.Context, userID string, amount int64) error

	InsertTransaction(ctx context.Context, txn Transaction) error

	// GetTransactionForUpdate locks the row for the enclosing WithTx scope.
	GetTransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error)

	// UpdateTransactionStatus transitions from -> to; it returns
	// ErrInvalidTransactionState (wrapped) when the row is no longer in the
	// from status.
	UpdateTransactionStatus(ctx context.Context, transactionID string, from TransactionStatus, to TransactionStatus, reason string, resolvedUnixUTC int64) error

	// ListTransactions returns one page newest-first plus the total count.
	ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]Transaction, int64, error)

	// ListStalePending returns pending transactions created before the
	// cutoff, excluding rows flagged for manual review, oldest first.
	ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Transaction, error)

	// RecordReconcileAttempt increments and returns the attempt counter.
	RecordReconcileAttempt(ctx context.Context, transactionID string) (int, error)

	// MarkForReview flags a transaction for operator attention; flagged rows
	// are excluded from the reconciliation sweep.
	MarkForReview(ctx context.Context, transactionID string) error
}
