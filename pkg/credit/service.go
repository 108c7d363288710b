package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is the reservation protocol engine: a reserve -> commit/cancel
// state machine over a Store, with automatic compensation on failed commits.
// No in-process locking protects a balance; correctness rests entirely on
// the store executing AdjustBalance atomically.
type Service struct {
	store           Store
	nowFn           func() int64
	newID           func() string
	startingBalance int64
	logger          OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		newID:           uuid.NewString,
		startingBalance: DefaultStartingBalance,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance reads the user's balance, lazily creating it with the starting
// grant on first access.
func (service *Service) Balance(ctx context.Context, rawUserID string) (Balance, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return Balance{}, err
	}
	if err := service.store.EnsureBalance(ctx, userID, service.startingBalance); err != nil {
		return Balance{}, err
	}
	return service.store.GetBalance(ctx, userID)
}

// Reserve atomically debits amount if the balance covers it and records a
// pending transaction. The balance is debited the moment the reservation
// succeeds; Commit does not debit again. An insufficient balance is not an
// error: the result carries the unchanged balance and the shortfall.
func (service *Service) Reserve(ctx context.Context, rawUserID string, amount int64, description string, rawMetadata string) (ReserveResult, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return ReserveResult{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return ReserveResult{}, err
	}
	metadata, err := NormalizeMetadataJSON(rawMetadata)
	if err != nil {
		return ReserveResult{}, err
	}

	transactionID := service.newID()
	var result ReserveResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.EnsureBalance(ctx, userID, service.startingBalance); err != nil {
			return err
		}
		adjustment, err := txStore.AdjustBalance(ctx, userID, -amount)
		if err != nil {
			return err
		}
		if !adjustment.Applied {
			result = ReserveResult{
				Reserved:       false,
				CurrentBalance: adjustment.CurrentBalance,
				Shortfall:      amount - adjustment.CurrentBalance,
			}
			return nil
		}
		txn := Transaction{
			ID:             transactionID,
			UserID:         userID,
			Amount:         amount,
			Kind:           KindReservation,
			Status:         StatusPending,
			Description:    description,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := txStore.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		result = ReserveResult{
			Reserved:       true,
			TransactionID:  transactionID,
			CurrentBalance: adjustment.CurrentBalance,
		}
		return nil
	})
	logEntry := OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		TransactionID: result.TransactionID,
		Amount:        amount,
		BalanceAfter:  result.CurrentBalance,
		Metadata:      metadata,
		Error:         operationError,
	}
	if operationError == nil && !result.Reserved {
		logEntry.Status = operationStatusDenied
	}
	service.logOperation(ctx, logEntry)
	return result, operationError
}

// Commit marks a pending transaction completed and adds its amount to the
// monotonic spent counter. Committing an already-completed transaction is a
// no-op; committing a cancelled one is ErrInvalidTransactionState.
func (service *Service) Commit(ctx context.Context, transactionID string) error {
	var userID string
	var amount int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		txn, err := txStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		userID = txn.UserID
		amount = txn.Amount
		switch txn.Status {
		case StatusCompleted:
			return nil
		case StatusCancelled:
			return fmt.Errorf("%w: transaction %s already cancelled", ErrInvalidTransactionState, transactionID)
		}
		if err := txStore.UpdateTransactionStatus(ctx, transactionID, StatusPending, StatusCompleted, "", service.nowFn()); err != nil {
			return err
		}
		return txStore.AddTotalSpent(ctx, userID, amount)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		UserID:        userID,
		TransactionID: transactionID,
		Amount:        amount,
		Error:         operationError,
	})
	return operationError
}

// Cancel marks a pending transaction cancelled and restores its amount onto
// the balance. Idempotent in the same sense as Commit, mirrored.
func (service *Service) Cancel(ctx context.Context, transactionID string, reason string) error {
	var userID string
	var amount int64
	var balanceAfter int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		txn, err := txStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		userID = txn.UserID
		amount = txn.Amount
		switch txn.Status {
		case StatusCancelled:
			return nil
		case StatusCompleted:
			return fmt.Errorf("%w: transaction %s already completed", ErrInvalidTransactionState, transactionID)
		}
		if err := txStore.UpdateTransactionStatus(ctx, transactionID, StatusPending, StatusCancelled, reason, service.nowFn()); err != nil {
			return err
		}
		adjustment, err := txStore.AdjustBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		balanceAfter = adjustment.CurrentBalance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		UserID:        userID,
		TransactionID: transactionID,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		Reason:        reason,
		Error:         operationError,
	})
	return operationError
}

// Refund unconditionally credits amount back and records an independent,
// already-completed refund transaction. It does not reference a prior
// transaction.
func (service *Service) Refund(ctx context.Context, rawUserID string, amount int64, description string, rawMetadata string) (Transaction, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return Transaction{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}
	metadata, err := NormalizeMetadataJSON(rawMetadata)
	if err != nil {
		return Transaction{}, err
	}

	now := service.nowFn()
	txn := Transaction{
		ID:              service.newID(),
		UserID:          userID,
		Amount:          amount,
		Kind:            KindRefund,
		Status:          StatusCompleted,
		Description:     description,
		MetadataJSON:    metadata,
		CreatedUnixUTC:  now,
		ResolvedUnixUTC: now,
	}
	var balanceAfter int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.EnsureBalance(ctx, userID, service.startingBalance); err != nil {
			return err
		}
		adjustment, err := txStore.AdjustBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		balanceAfter = adjustment.CurrentBalance
		return txStore.InsertTransaction(ctx, txn)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		TransactionID: txn.ID,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		Metadata:      metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return txn, nil
}

// Charge runs the full debit saga: reserve, perform the paid action, commit.
// If the action or the commit fails, the reservation is cancelled before the
// original error is re-raised; the caller never compensates manually. If that
// cancel also fails, the transaction is left pending and reported as an
// orphaned reservation, and the original error still propagates.
func (service *Service) Charge(ctx context.Context, rawUserID string, amount int64, description string, rawMetadata string, action func(ctx context.Context) error) (string, error) {
	result, err := service.Reserve(ctx, rawUserID, amount, description, rawMetadata)
	if err != nil {
		return "", err
	}
	if !result.Reserved {
		return "", InsufficientCreditsError{
			Required:       amount,
			CurrentBalance: result.CurrentBalance,
			Shortfall:      result.Shortfall,
		}
	}
	if action != nil {
		if actionErr := action(ctx); actionErr != nil {
			service.compensate(ctx, result.TransactionID, actionErr)
			return result.TransactionID, actionErr
		}
	}
	if commitErr := service.Commit(ctx, result.TransactionID); commitErr != nil {
		service.compensate(ctx, result.TransactionID, commitErr)
		return result.TransactionID, commitErr
	}
	return result.TransactionID, nil
}

// compensate cancels a reservation after a failed commit. A failed cancel is
// surfaced as an orphaned reservation for the sweep and the operator; the
// original failure is never masked by it.
func (service *Service) compensate(ctx context.Context, transactionID string, cause error) {
	cancelErr := service.Cancel(ctx, transactionID, CancelReasonAutomaticRollback)
	if cancelErr == nil {
		return
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCharge,
		TransactionID: transactionID,
		Reason:        cause.Error(),
		Status:        operationStatusOrphaned,
		Error:         fmt.Errorf("%w: transaction %s: %v", ErrOrphanedReservation, transactionID, cancelErr),
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
