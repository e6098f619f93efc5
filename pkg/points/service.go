package points

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error)
	FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error)
	CompareAndSetBalance(ctx context.Context, change BalanceChange) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	SumTransactionAmounts(ctx context.Context, accountID AccountID) (int64, error)
	SumConversionPointsSince(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (int64, error)
	SumAmountsByType(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (map[TransactionType]int64, error)
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}

// Service is the only component allowed to mutate account balances.
// Every mutation is a single atomic unit: version-conditioned balance write
// plus transaction append, retried a bounded number of times on conflict.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	maxWriteAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, maxWriteAttempts: defaultMaxWriteAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current projection for the account, creating it on first touch.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetOrCreateAccount(ctx, accountID)
}

// Charge atomically debits points. The balance check and the decrement commit
// together; a concurrent writer forces a retry from the read step.
func (service *Service) Charge(ctx context.Context, accountID AccountID, amount PointsAmount, source string, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	transaction, operationError := service.applyChange(ctx, changeRequest{
		accountID:       accountID,
		transactionType: TypeSpend,
		amount:          -amount.Int64(),
		source:          source,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCharge,
		AccountID:      accountID,
		Type:           TypeSpend,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return transaction, operationError
}

// Credit atomically adds points. Only earn and refund entries go through here;
// conversions use Convert so the credit leg commits with the debit.
func (service *Service) Credit(ctx context.Context, accountID AccountID, transactionType TransactionType, amount PointsAmount, source string, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	if transactionType != TypeEarn && transactionType != TypeRefund {
		return Transaction{}, fmt.Errorf("%w: %q is not creditable", ErrInvalidTransactionType, transactionType)
	}
	transaction, operationError := service.applyChange(ctx, changeRequest{
		accountID:       accountID,
		transactionType: transactionType,
		amount:          amount.Int64(),
		source:          source,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      accountID,
		Type:           transactionType,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return transaction, operationError
}

// Convert debits points and increments the subscription credit in one atomic
// unit; both commit or neither does.
func (service *Service) Convert(ctx context.Context, accountID AccountID, amount PointsAmount, credit decimal.Decimal, source string, description string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	if credit.Sign() <= 0 {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	transaction, operationError := service.applyChange(ctx, changeRequest{
		accountID:       accountID,
		transactionType: TypeConversion,
		amount:          -amount.Int64(),
		creditAmount:    credit,
		source:          source,
		description:     description,
		idempotencyKey:  idempotencyKey,
		metadata:        metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationConvert,
		AccountID:      accountID,
		Type:           TypeConversion,
		Amount:         amount.Int64(),
		Source:         source,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return transaction, operationError
}

type changeRequest struct {
	accountID       AccountID
	transactionType TransactionType
	amount          int64
	creditAmount    decimal.Decimal
	source          string
	description     string
	idempotencyKey  IdempotencyKey
	metadata        MetadataJSON
}

// applyChange runs the read/check/write cycle under Store.WithTx and retries
// the whole unit when another writer moved the account version.
func (service *Service) applyChange(ctx context.Context, request changeRequest) (Transaction, error) {
	// A zero-value key would make every key-less write dedupe against the
	// account's first key-less transaction; callers that want no dedupe must
	// still supply a unique key.
	if request.idempotencyKey.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	var result Transaction
	for attempt := 0; attempt < service.maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Transaction{}, err
		}
		attemptError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetOrCreateAccount(ctx, request.accountID)
			if err != nil {
				return err
			}
			if existing, found, err := transactionStore.FindTransactionByKey(ctx, request.accountID, request.idempotencyKey); err != nil {
				return err
			} else if found {
				result = existing
				return nil
			}
			balanceBefore := account.Balance
			balanceAfter := balanceBefore + request.amount
			if balanceAfter < 0 {
				return &InsufficientBalanceError{Balance: balanceBefore, Required: -request.amount}
			}
			change := BalanceChange{
				AccountID:       request.accountID,
				ExpectedVersion: account.Version,
				NewBalance:      balanceAfter,
				CreditDelta:     request.creditAmount,
			}
			if err := transactionStore.CompareAndSetBalance(ctx, change); err != nil {
				return err
			}
			input := TransactionInput{
				AccountID:      request.accountID,
				Type:           request.transactionType,
				Amount:         request.amount,
				Source:         request.source,
				Description:    request.description,
				BalanceBefore:  balanceBefore,
				BalanceAfter:   balanceAfter,
				CreditAmount:   request.creditAmount,
				IdempotencyKey: request.idempotencyKey,
				Metadata:       request.metadata,
				CreatedUnixUTC: service.nowFn(),
			}
			if err := input.Validate(); err != nil {
				return err
			}
			inserted, err := transactionStore.InsertTransaction(ctx, input)
			if err != nil {
				return err
			}
			result = inserted
			return nil
		})
		if attemptError == nil {
			return result, nil
		}
		if errors.Is(attemptError, ErrConcurrentModification) {
			continue
		}
		// A racing retry of the same request can land its transaction between
		// our idempotency lookup and the append; return the committed one.
		if errors.Is(attemptError, ErrDuplicateIdempotencyKey) {
			if existing, found, lookupErr := service.store.FindTransactionByKey(ctx, request.accountID, request.idempotencyKey); lookupErr == nil && found {
				return existing, nil
			}
		}
		return Transaction{}, attemptError
	}
	return Transaction{}, WrapError(string(request.transactionType), "balance", "retry_budget", ErrConcurrentModification)
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
