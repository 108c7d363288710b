// Package gormstore persists the credit ledger with GORM on PostgreSQL or
// SQLite. The conditional balance update in AdjustBalance is the single
// atomic primitive the reservation protocol's concurrency safety rests on.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/verseforge/creditcore/pkg/credit"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectTxn       = "transaction"
	errorSubjectTier      = "subscription"
	errorCodeAdjust       = "adjust"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeReconcile    = "reconcile"
	errorCodeReview       = "review"
	errorCodeSpent        = "total_spent"
	errorCodeUpdateStatus = "update_status"
)

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// EnsureBalance creates the balance row with the starting grant if absent.
// The insert-or-ignore clause makes concurrent first-time accesses safe.
func (store *Store) EnsureBalance(ctx context.Context, userID string, startingBalance int64) error {
	now := time.Now().UTC()
	row := CreditBalance{
		UserID:         userID,
		CurrentBalance: startingBalance,
		TotalSpent:     0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (credit.Balance, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credit.ErrBalanceNotFound)
		}
		return credit.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credit.Balance{
		UserID:         row.UserID,
		CurrentBalance: row.CurrentBalance,
		TotalSpent:     row.TotalSpent,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

// AdjustBalance applies delta only while the balance stays non-negative, as
// one conditional UPDATE. The post-state is re-read so callers always see a
// balance consistent with the attempt.
func (store *Store) AdjustBalance(ctx context.Context, userID string, delta int64) (credit.BalanceAdjustment, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND current_balance + ? >= 0", userID, delta).
		Updates(map[string]interface{}{
			"current_balance": gorm.Expr("current_balance + ?", delta),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return credit.BalanceAdjustment{}, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return credit.BalanceAdjustment{}, err
	}
	return credit.BalanceAdjustment{
		Applied:        result.RowsAffected > 0,
		CurrentBalance: balance.CurrentBalance,
	}, nil
}

func (store *Store) AddTotalSpent(ctx context.Context, userID string, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSpent, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSpent, credit.ErrBalanceNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, txn credit.Transaction) error {
	row := CreditTransaction{
		TransactionID:     txn.ID,
		UserID:            txn.UserID,
		Amount:            txn.Amount,
		Kind:              string(txn.Kind),
		Status:            string(txn.Status),
		Description:       txn.Description,
		Reason:            txn.Reason,
		Metadata:          datatypesJSON(txn.MetadataJSON),
		ReconcileAttempts: txn.ReconcileAttempts,
		RequiresReview:    txn.RequiresReview,
		CreatedAt:         time.Unix(txn.CreatedUnixUTC, 0).UTC(),
		ResolvedAt:        unixToTime(txn.ResolvedUnixUTC),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, transactionID string) (credit.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, credit.ErrTransactionNotFound)
		}
		return credit.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return mapTransaction(row), nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, from credit.TransactionStatus, to credit.TransactionStatus, reason string, resolvedUnixUTC int64) error {
	updates := map[string]interface{}{
		"status":      string(to),
		"resolved_at": time.Unix(resolvedUnixUTC, 0).UTC(),
	}
	if reason != "" {
		updates["reason"] = reason
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, credit.ErrInvalidTransactionState)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]credit.Transaction, int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}

	var rows []CreditTransaction
	err = store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}

	transactions := make([]credit.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, total, nil
}

func (store *Store) ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]credit.Transaction, error) {
	cutoff := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND requires_review = ?", string(credit.StatusPending), cutoff, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	transactions := make([]credit.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func (store *Store) RecordReconcileAttempt(ctx context.Context, transactionID string) (int, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ?", transactionID).
		UpdateColumn("reconcile_attempts", gorm.Expr("reconcile_attempts + 1"))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeReconcile, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeReconcile, credit.ErrTransactionNotFound)
	}
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Select("reconcile_attempts").
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTxn, errorCodeReconcile, err)
	}
	return row.ReconcileAttempts, nil
}

func (store *Store) MarkForReview(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ?", transactionID).
		Update("requires_review", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeReview, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeReview, credit.ErrTransactionNotFound)
	}
	return nil
}

// SubscriptionDirectory resolves user tiers from the subscriptions table.
type SubscriptionDirectory struct {
	db *gorm.DB
}

// NewSubscriptionDirectory returns a directory backed by gorm.DB.
func NewSubscriptionDirectory(db *gorm.DB) *SubscriptionDirectory {
	return &SubscriptionDirectory{db: db}
}

// TierOf returns the user's tier; users without a subscription row are free.
func (directory *SubscriptionDirectory) TierOf(ctx context.Context, userID string) (credit.TierID, error) {
	var row Subscription
	err := directory.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.TierFree, nil
		}
		return "", wrapStoreError(errorSubjectTier, errorCodeGet, err)
	}
	return credit.TierID(row.Tier), nil
}

// SetTier upserts the user's subscription tier.
func (directory *SubscriptionDirectory) SetTier(ctx context.Context, userID string, tier credit.TierID) error {
	now := time.Now().UTC()
	row := Subscription{
		UserID:    userID,
		Tier:      string(tier),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := directory.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"tier": string(tier), "updated_at": now}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectTier, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row CreditTransaction) credit.Transaction {
	return credit.Transaction{
		ID:                row.TransactionID,
		UserID:            row.UserID,
		Amount:            row.Amount,
		Kind:              credit.TransactionKind(row.Kind),
		Status:            credit.TransactionStatus(row.Status),
		Description:       row.Description,
		MetadataJSON:      string(row.Metadata),
		Reason:            row.Reason,
		ReconcileAttempts: row.ReconcileAttempts,
		RequiresReview:    row.RequiresReview,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		ResolvedUnixUTC:   timeOrZero(row.ResolvedAt),
	}
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
