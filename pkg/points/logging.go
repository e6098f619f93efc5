package points

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	Type           TransactionType
	Amount         int64
	Source         string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMaxWriteAttempts bounds the optimistic-concurrency retry loop.
func WithMaxWriteAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxWriteAttempts = attempts
		}
	}
}
