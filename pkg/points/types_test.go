package points

import (
	"errors"
	"testing"
)

func TestNewAccountIDValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	accountID, err := NewAccountID("  user-7  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "user-7" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewIdempotencyKeyValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewIdempotencyKey(""); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	key, err := NewIdempotencyKey(" purchase:42 ")
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	if key.String() != "purchase:42" {
		test.Fatalf("expected trimmed key, got %q", key.String())
	}
}

func TestNewMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewPointsAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewPointsAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %d: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
	amount, err := NewPointsAmount(250)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Int64() != 250 {
		test.Fatalf("expected 250, got %d", amount.Int64())
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"earn", "spend", "refund", "conversion"} {
		parsed, err := ParseTransactionType(raw)
		if err != nil {
			test.Fatalf("type %q: %v", raw, err)
		}
		if parsed.String() != raw {
			test.Fatalf("expected %q, got %q", raw, parsed)
		}
	}
	if _, err := ParseTransactionType("bonus"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestTransactionInputValidate(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "validate-user")
	base := TransactionInput{
		AccountID:      accountID,
		Type:           TypeEarn,
		Amount:         50,
		BalanceBefore:  100,
		BalanceAfter:   150,
		IdempotencyKey: mustIdempotencyKey(test, "validate-key"),
	}

	if err := base.Validate(); err != nil {
		test.Fatalf("valid input rejected: %v", err)
	}

	testCases := []struct {
		name    string
		mutate  func(input *TransactionInput)
		wantErr error
	}{
		{
			name:    "missing account",
			mutate:  func(input *TransactionInput) { input.AccountID = AccountID{} },
			wantErr: ErrInvalidAccountID,
		},
		{
			name:    "unknown type",
			mutate:  func(input *TransactionInput) { input.Type = "bonus" },
			wantErr: ErrInvalidTransactionType,
		},
		{
			name:    "missing idempotency key",
			mutate:  func(input *TransactionInput) { input.IdempotencyKey = IdempotencyKey{} },
			wantErr: ErrInvalidIdempotencyKey,
		},
		{
			name:    "zero amount",
			mutate:  func(input *TransactionInput) { input.Amount = 0; input.BalanceAfter = input.BalanceBefore },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "arithmetic mismatch",
			mutate:  func(input *TransactionInput) { input.BalanceAfter = 999 },
			wantErr: ErrInvalidBalance,
		},
		{
			name: "negative balance after",
			mutate: func(input *TransactionInput) {
				input.Amount = -200
				input.BalanceAfter = -100
			},
			wantErr: ErrInvalidBalance,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			input := base
			testCase.mutate(&input)
			if err := input.Validate(); !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestReconciliationReportConsistent(test *testing.T) {
	test.Parallel()
	consistent := ReconciliationReport{ProjectedBalance: 40, LedgerSum: 40}
	if !consistent.Consistent() {
		test.Fatal("expected consistent report")
	}
	drifted := ReconciliationReport{ProjectedBalance: 40, LedgerSum: 35}
	if drifted.Consistent() {
		test.Fatal("expected inconsistent report")
	}
}
