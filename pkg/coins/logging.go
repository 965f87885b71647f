package coins

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// ManagerOption configures an EscrowManager instance.
type ManagerOption func(*EscrowManager)

// OperationLogger records domain-level events emitted by coin and escrow operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger or escrow operation.
type OperationLog struct {
	Operation  string
	AccountID  string
	BookingRef string
	Amount     CoinAmount
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every coin operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEscrowLogger wires a logger that receives callbacks for every escrow operation.
func WithEscrowLogger(logger OperationLogger) ManagerOption {
	return func(manager *EscrowManager) {
		manager.logger = logger
	}
}
