package points

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AccountID identifies the owner of a point balance.
type AccountID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for retried requests.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// PointsAmount is a strictly positive point quantity supplied by callers.
type PointsAmount struct {
	value int64
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewPointsAmount validates an amount and ensures it is strictly positive.
func NewPointsAmount(raw int64) (PointsAmount, error) {
	if raw <= 0 {
		return PointsAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PointsAmount{value: raw}, nil
}

// Int64 returns the raw point quantity.
func (amount PointsAmount) Int64() int64 {
	return amount.value
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TypeEarn       TransactionType = "earn"
	TypeSpend      TransactionType = "spend"
	TypeRefund     TransactionType = "refund"
	TypeConversion TransactionType = "conversion"
)

// ParseTransactionType validates a stored type tag.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TypeEarn, TypeSpend, TypeRefund, TypeConversion:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored type tag.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	AccountID      AccountID
	Type           TransactionType
	Amount         int64
	Source         string
	Description    string
	BalanceBefore  int64
	BalanceAfter   int64
	CreditAmount   decimal.Decimal
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Account is the materialized balance projection for one account.
type Account struct {
	AccountID          AccountID
	Balance            int64
	SubscriptionCredit decimal.Decimal
	Version            int64
}

// BalanceChange is a version-conditioned balance mutation applied by a Store.
type BalanceChange struct {
	AccountID       AccountID
	ExpectedVersion int64
	NewBalance      int64
	CreditDelta     decimal.Decimal
}

// TransactionInput carries everything needed to append one ledger line.
type TransactionInput struct {
	AccountID      AccountID
	Type           TransactionType
	Amount         int64
	Source         string
	Description    string
	BalanceBefore  int64
	BalanceAfter   int64
	CreditAmount   decimal.Decimal
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Validate checks the arithmetic invariant before the input reaches a store.
func (input TransactionInput) Validate() error {
	if input.AccountID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseTransactionType(input.Type.String()); err != nil {
		return err
	}
	if input.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	if input.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if input.BalanceAfter != input.BalanceBefore+input.Amount {
		return fmt.Errorf("%w: balance_after %d != balance_before %d + amount %d",
			ErrInvalidBalance, input.BalanceAfter, input.BalanceBefore, input.Amount)
	}
	if input.BalanceAfter < 0 {
		return fmt.Errorf("%w: negative balance_after", ErrInvalidBalance)
	}
	return nil
}

// ReconciliationReport compares the balance projection against the log sum.
type ReconciliationReport struct {
	AccountID        AccountID
	ProjectedBalance int64
	LedgerSum        int64
}

// Consistent reports whether the projection equals the transaction sum.
func (report ReconciliationReport) Consistent() bool {
	return report.ProjectedBalance == report.LedgerSum
}
