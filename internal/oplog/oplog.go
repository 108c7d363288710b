// Package oplog adapts the credit core's OperationLogger callback onto zap,
// giving every monetary mutation an auditable log line.
package oplog

import (
	"context"

	"github.com/verseforge/creditcore/pkg/credit"
	"go.uber.org/zap"
)

// Logger writes operation callbacks as structured zap entries.
type Logger struct {
	base *zap.Logger
}

// New returns a Logger over the supplied zap logger.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

// LogOperation implements credit.OperationLogger. Orphaned reservations are
// operator-visible errors; everything else logs at info with the outcome in
// the status field.
func (logger *Logger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID),
		zap.String("transaction_id", entry.TransactionID),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch entry.Status {
	case "orphaned":
		logger.base.Error("orphaned reservation", fields...)
	case "error":
		logger.base.Warn("credit operation failed", fields...)
	default:
		logger.base.Info("credit operation", fields...)
	}
}
