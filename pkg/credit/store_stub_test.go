package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// memoryStore is an in-memory Store for tests. WithTx runs the callback
// against the same store without rollback; tests that need transactional
// atomicity assert on the conditional-update semantics instead.
type memoryStore struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	transactions map[string]*Transaction
	order        []string

	lastListLimit  int
	lastListOffset int

	failEnsure error
	failGet    error
	failAdjust error
	failSpent  error
	failInsert error
	failUpdate error
	failList   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		balances:     make(map[string]*Balance),
		transactions: make(map[string]*Transaction),
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *memoryStore) EnsureBalance(_ context.Context, userID string, startingBalance int64) error {
	if store.failEnsure != nil {
		return store.failEnsure
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.balances[userID]; !ok {
		store.balances[userID] = &Balance{UserID: userID, CurrentBalance: startingBalance}
	}
	return nil
}

func (store *memoryStore) GetBalance(_ context.Context, userID string) (Balance, error) {
	if store.failGet != nil {
		return Balance{}, store.failGet
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: user %s", ErrBalanceNotFound, userID)
	}
	return *balance, nil
}

func (store *memoryStore) AdjustBalance(_ context.Context, userID string, delta int64) (BalanceAdjustment, error) {
	if store.failAdjust != nil {
		return BalanceAdjustment{}, store.failAdjust
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return BalanceAdjustment{}, fmt.Errorf("%w: user %s", ErrBalanceNotFound, userID)
	}
	if balance.CurrentBalance+delta < 0 {
		return BalanceAdjustment{Applied: false, CurrentBalance: balance.CurrentBalance}, nil
	}
	balance.CurrentBalance += delta
	return BalanceAdjustment{Applied: true, CurrentBalance: balance.CurrentBalance}, nil
}

func (store *memoryStore) AddTotalSpent(_ context.Context, userID string, amount int64) error {
	if store.failSpent != nil {
		return store.failSpent
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrBalanceNotFound, userID)
	}
	balance.TotalSpent += amount
	return nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, txn Transaction) error {
	if store.failInsert != nil {
		return store.failInsert
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.transactions[txn.ID]; ok {
		return fmt.Errorf("duplicate transaction %s", txn.ID)
	}
	stored := txn
	store.transactions[txn.ID] = &stored
	store.order = append(store.order, txn.ID)
	return nil
}

func (store *memoryStore) GetTransactionForUpdate(_ context.Context, transactionID string) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	return *txn, nil
}

func (store *memoryStore) UpdateTransactionStatus(_ context.Context, transactionID string, from TransactionStatus, to TransactionStatus, reason string, resolvedUnixUTC int64) error {
	if store.failUpdate != nil {
		return store.failUpdate
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if txn.Status != from {
		return fmt.Errorf("%w: transaction %s is %s, not %s", ErrInvalidTransactionState, transactionID, txn.Status, from)
	}
	txn.Status = to
	txn.Reason = reason
	txn.ResolvedUnixUTC = resolvedUnixUTC
	return nil
}

func (store *memoryStore) ListTransactions(_ context.Context, userID string, limit int, offset int) ([]Transaction, int64, error) {
	if store.failList != nil {
		return nil, 0, store.failList
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lastListLimit = limit
	store.lastListOffset = offset
	var matched []Transaction
	for index := len(store.order) - 1; index >= 0; index-- {
		txn := store.transactions[store.order[index]]
		if txn.UserID == userID {
			matched = append(matched, *txn)
		}
	}
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (store *memoryStore) ListStalePending(_ context.Context, olderThanUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var stale []Transaction
	for _, id := range store.order {
		txn := store.transactions[id]
		if txn.Status != StatusPending || txn.RequiresReview || txn.CreatedUnixUTC >= olderThanUnixUTC {
			continue
		}
		stale = append(stale, *txn)
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (store *memoryStore) RecordReconcileAttempt(_ context.Context, transactionID string) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	txn.ReconcileAttempts++
	return txn.ReconcileAttempts, nil
}

func (store *memoryStore) MarkForReview(_ context.Context, transactionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	txn.RequiresReview = true
	return nil
}

func (store *memoryStore) mustTransaction(test *testing.T, transactionID string) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	txn, ok := store.transactions[transactionID]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID)
	}
	return *txn
}

func (store *memoryStore) mustBalance(test *testing.T, userID string) Balance {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		test.Fatalf("balance for %s not found", userID)
	}
	return *balance
}

// recordingLogger captures operation log entries for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) byStatus(status string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Status == status {
			matched = append(matched, entry)
		}
	}
	return matched
}

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock(1_700_000_000), options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
