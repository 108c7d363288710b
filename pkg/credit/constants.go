package credit

const (
	operationReserve = "reserve"
	operationCommit  = "commit"
	operationCancel  = "cancel"
	operationRefund  = "refund"
	operationCharge  = "charge"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDenied   = "denied"
	operationStatusOrphaned = "orphaned"

	// CancelReasonAutomaticRollback marks compensations issued by Charge
	// after a failed commit.
	CancelReasonAutomaticRollback = "commit failed: automatic rollback"

	// CancelReasonOrphanReconciliation marks compensations issued by the
	// reconciliation sweep.
	CancelReasonOrphanReconciliation = "orphan reconciliation"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
