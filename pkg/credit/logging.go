package credit

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
// Every monetary mutation is reported with user id, amount, and the balance
// after the mutation.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        string
	TransactionID string
	Amount        int64
	BalanceAfter  int64
	Reason        string
	Metadata      string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides transaction id assignment (tests use fixed ids).
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithStartingBalance overrides the grant applied on first balance access.
func WithStartingBalance(amount int64) ServiceOption {
	return func(service *Service) {
		if amount >= 0 {
			service.startingBalance = amount
		}
	}
}
