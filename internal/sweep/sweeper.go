// Package sweep recovers orphaned reservations: pending transactions that
// were never committed or cancelled because a process crashed between
// reserve and commit, or because an automatic rollback itself failed.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/verseforge/creditcore/pkg/credit"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultGrace       = 15 * time.Minute
	defaultMaxAttempts = 5
	defaultBatchSize   = 100
)

// Config tunes the reconciliation sweep.
type Config struct {
	// Interval between passes.
	Interval time.Duration
	// Grace is how long a pending transaction may age before it is treated
	// as orphaned.
	Grace time.Duration
	// MaxAttempts bounds auto-cancel retries per transaction; beyond it the
	// row is flagged for manual review.
	MaxAttempts int
	// BatchSize caps rows scanned per pass.
	BatchSize int
}

func (config Config) withDefaults() Config {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Grace <= 0 {
		config.Grace = defaultGrace
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return config
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned   int
	Cancelled int
	Resolved  int
	Flagged   int
}

// Sweeper periodically cancels stale pending reservations, restoring their
// amounts onto the balance. It runs decoupled from request handling and must
// tolerate concurrent commits and cancels racing its own cancel attempt.
type Sweeper struct {
	service *credit.Service
	store   credit.Store
	config  Config
	logger  *zap.Logger
	nowFn   func() int64
}

// New wires a Sweeper.
func New(service *credit.Service, store credit.Store, logger *zap.Logger, now func() int64, config Config) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", credit.ErrInvalidServiceConfig)
	}
	return &Sweeper{
		service: service,
		store:   store,
		config:  config.withDefaults(),
		logger:  logger,
		nowFn:   now,
	}, nil
}

// Run loops on the configured interval until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := sweeper.SweepOnce(ctx)
			if err != nil {
				sweeper.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				sweeper.logger.Info("reconciliation sweep",
					zap.Int("scanned", report.Scanned),
					zap.Int("cancelled", report.Cancelled),
					zap.Int("already_resolved", report.Resolved),
					zap.Int("flagged_for_review", report.Flagged),
				)
			}
		}
	}
}

// SweepOnce scans pending transactions older than the grace window and
// cancels each via the idempotent protocol cancel. Rows flagged for manual
// review are excluded by the store query. Races with concurrent resolution
// are accepted silently.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	cutoff := sweeper.nowFn() - int64(sweeper.config.Grace/time.Second)
	stale, err := sweeper.store.ListStalePending(ctx, cutoff, sweeper.config.BatchSize)
	if err != nil {
		return Report{}, err
	}
	report := Report{Scanned: len(stale)}
	for _, txn := range stale {
		attempts, err := sweeper.store.RecordReconcileAttempt(ctx, txn.ID)
		if err != nil {
			sweeper.logger.Warn("reconcile attempt bookkeeping failed",
				zap.String("transaction_id", txn.ID), zap.Error(err))
			attempts = txn.ReconcileAttempts + 1
		}
		cancelErr := sweeper.service.Cancel(ctx, txn.ID, credit.CancelReasonOrphanReconciliation)
		switch {
		case cancelErr == nil:
			report.Cancelled++
		case errors.Is(cancelErr, credit.ErrInvalidTransactionState),
			errors.Is(cancelErr, credit.ErrTransactionNotFound):
			// Lost the race to a concurrent commit or cancel.
			report.Resolved++
		default:
			if attempts < sweeper.config.MaxAttempts {
				sweeper.logger.Warn("orphan cancel failed, will retry",
					zap.String("transaction_id", txn.ID),
					zap.String("user_id", txn.UserID),
					zap.Int("attempts", attempts),
					zap.Error(cancelErr),
				)
				continue
			}
			if reviewErr := sweeper.store.MarkForReview(ctx, txn.ID); reviewErr != nil {
				sweeper.logger.Error("flagging orphaned reservation for review failed",
					zap.String("transaction_id", txn.ID), zap.Error(reviewErr))
				continue
			}
			report.Flagged++
			sweeper.logger.Error("orphaned reservation requires manual review",
				zap.String("transaction_id", txn.ID),
				zap.String("user_id", txn.UserID),
				zap.Int64("amount", txn.Amount),
				zap.Int("attempts", attempts),
				zap.Error(cancelErr),
			)
		}
	}
	return report, nil
}
