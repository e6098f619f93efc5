package points

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCreditAppendsEarnTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-earn")

	transaction, err := service.Credit(context.Background(), accountID, TypeEarn, mustAmount(test, 100), "mission_completion", "Mission reward", mustIdempotencyKey(test, "earn-1"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if transaction.Amount != 100 {
		test.Fatalf("expected amount 100, got %d", transaction.Amount)
	}
	if transaction.Type != TypeEarn {
		test.Fatalf("expected earn transaction, got %s", transaction.Type)
	}
	if transaction.BalanceBefore != 0 || transaction.BalanceAfter != 100 {
		test.Fatalf("expected balances 0 -> 100, got %d -> %d", transaction.BalanceBefore, transaction.BalanceAfter)
	}
	if got := store.account(test, accountID).Balance; got != 100 {
		test.Fatalf("expected projected balance 100, got %d", got)
	}
}

func TestChargeDebitsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-charge")
	store.seedBalance(test, accountID, 100)
	service := mustNewService(test, store)

	transaction, err := service.Charge(context.Background(), accountID, mustAmount(test, 60), "marketplace_boost", "Purchased: Boost", mustIdempotencyKey(test, "charge-1"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if transaction.Amount != -60 {
		test.Fatalf("expected stored amount -60, got %d", transaction.Amount)
	}
	if transaction.Type != TypeSpend {
		test.Fatalf("expected spend transaction, got %s", transaction.Type)
	}
	if got := store.account(test, accountID).Balance; got != 40 {
		test.Fatalf("expected balance 40, got %d", got)
	}
}

func TestChargeInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-poor")
	store.seedBalance(test, accountID, 50)
	service := mustNewService(test, store)

	_, err := service.Charge(context.Background(), accountID, mustAmount(test, 60), "marketplace_boost", "", mustIdempotencyKey(test, "charge-poor"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientBalanceError, got %T", err)
	}
	if insufficient.Balance != 50 || insufficient.Required != 60 || insufficient.Missing() != 10 {
		test.Fatalf("unexpected detail: balance %d required %d missing %d", insufficient.Balance, insufficient.Required, insufficient.Missing())
	}
	if store.transactionCount() != 0 {
		test.Fatalf("expected no transactions after rejected charge, got %d", store.transactionCount())
	}
	if got := store.account(test, accountID).Balance; got != 50 {
		test.Fatalf("expected balance unchanged at 50, got %d", got)
	}
}

func TestChargeIdempotentReplay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-replay")
	store.seedBalance(test, accountID, 100)
	service := mustNewService(test, store)
	key := mustIdempotencyKey(test, "replay-key")

	first, err := service.Charge(context.Background(), accountID, mustAmount(test, 30), "marketplace_boost", "", key, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("first charge: %v", err)
	}
	second, err := service.Charge(context.Background(), accountID, mustAmount(test, 30), "marketplace_boost", "", key, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("replayed charge: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		test.Fatalf("expected replay to return transaction %s, got %s", first.TransactionID, second.TransactionID)
	}
	if store.transactionCount() != 1 {
		test.Fatalf("expected a single transaction, got %d", store.transactionCount())
	}
	if got := store.account(test, accountID).Balance; got != 70 {
		test.Fatalf("expected balance 70 after replay, got %d", got)
	}
}

func TestWritesRejectEmptyIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-keyless")
	store.seedBalance(test, accountID, 1000)
	service := mustNewService(test, store)
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")

	// Two distinct key-less charges must not dedupe against each other; the
	// zero-value key is rejected outright instead.
	_, firstErr := service.Charge(ctx, accountID, mustAmount(test, 100), "src", "", IdempotencyKey{}, metadata)
	_, secondErr := service.Charge(ctx, accountID, mustAmount(test, 200), "src", "", IdempotencyKey{}, metadata)
	if !errors.Is(firstErr, ErrInvalidIdempotencyKey) {
		test.Fatalf("first charge: expected ErrInvalidIdempotencyKey, got %v", firstErr)
	}
	if !errors.Is(secondErr, ErrInvalidIdempotencyKey) {
		test.Fatalf("second charge: expected ErrInvalidIdempotencyKey, got %v", secondErr)
	}
	if store.transactionCount() != 0 {
		test.Fatalf("expected no transactions, got %d", store.transactionCount())
	}
	if got := store.account(test, accountID).Balance; got != 1000 {
		test.Fatalf("expected balance unchanged at 1000, got %d", got)
	}

	if _, err := service.Credit(ctx, accountID, TypeEarn, mustAmount(test, 50), "src", "", IdempotencyKey{}, metadata); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("credit: expected ErrInvalidIdempotencyKey, got %v", err)
	}
	if _, err := service.Convert(ctx, accountID, mustAmount(test, 50), mustDecimal(test, "0.50"), "src", "", IdempotencyKey{}, metadata); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("convert: expected ErrInvalidIdempotencyKey, got %v", err)
	}
}

func TestCreditRejectsNonCreditableTypes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-type")

	for _, transactionType := range []TransactionType{TypeSpend, TypeConversion} {
		_, err := service.Credit(context.Background(), accountID, transactionType, mustAmount(test, 10), "src", "", mustIdempotencyKey(test, "type-"+string(transactionType)), mustMetadata(test, "{}"))
		if !errors.Is(err, ErrInvalidTransactionType) {
			test.Fatalf("type %s: expected ErrInvalidTransactionType, got %v", transactionType, err)
		}
	}
}

func TestConvertDebitsPointsAndAddsCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-convert")
	store.seedBalance(test, accountID, 1000)
	service := mustNewService(test, store)
	credit := mustDecimal(test, "5.00")

	transaction, err := service.Convert(context.Background(), accountID, mustAmount(test, 500), credit, "points_to_credits", "Converted 500 points", mustIdempotencyKey(test, "convert-1"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("convert: %v", err)
	}
	if transaction.Type != TypeConversion {
		test.Fatalf("expected conversion transaction, got %s", transaction.Type)
	}
	if transaction.Amount != -500 {
		test.Fatalf("expected amount -500, got %d", transaction.Amount)
	}
	if !transaction.CreditAmount.Equal(credit) {
		test.Fatalf("expected credit amount %s, got %s", credit, transaction.CreditAmount)
	}
	account := store.account(test, accountID)
	if account.Balance != 500 {
		test.Fatalf("expected balance 500, got %d", account.Balance)
	}
	if !account.SubscriptionCredit.Equal(credit) {
		test.Fatalf("expected subscription credit %s, got %s", credit, account.SubscriptionCredit)
	}
}

func TestConvertRejectsNonPositiveCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-zero-credit")

	_, err := service.Convert(context.Background(), accountID, mustAmount(test, 100), decimal.Zero, "points_to_credits", "", mustIdempotencyKey(test, "convert-zero"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount, got %v", err)
	}
}

func TestChargeRetriesOnVersionConflict(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-retry")
	store.seedBalance(test, accountID, 100)
	store.casConflicts = 2
	service := mustNewService(test, store)

	_, err := service.Charge(context.Background(), accountID, mustAmount(test, 10), "src", "", mustIdempotencyKey(test, "retry-1"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("charge after conflicts: %v", err)
	}
	if store.casCalls != 3 {
		test.Fatalf("expected 3 compare-and-set attempts, got %d", store.casCalls)
	}
	if got := store.account(test, accountID).Balance; got != 90 {
		test.Fatalf("expected balance 90, got %d", got)
	}
}

func TestChargeExhaustsRetryBudget(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-exhaust")
	store.seedBalance(test, accountID, 100)
	store.casConflicts = 10
	service := mustNewService(test, store, WithMaxWriteAttempts(3))

	_, err := service.Charge(context.Background(), accountID, mustAmount(test, 10), "src", "", mustIdempotencyKey(test, "exhaust-1"), mustMetadata(test, "{}"))
	if !errors.Is(err, ErrConcurrentModification) {
		test.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Code() != "retry_budget" {
		test.Fatalf("expected retry_budget code, got %s", operationError.Code())
	}
	if store.casCalls != 3 {
		test.Fatalf("expected 3 attempts, got %d", store.casCalls)
	}
}

func TestDuplicateKeyRaceReturnsCommittedTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-race")
	store.seedBalance(test, accountID, 100)
	service := mustNewService(test, store)
	key := mustIdempotencyKey(test, "race-key")

	committed, err := service.Charge(context.Background(), accountID, mustAmount(test, 20), "src", "", key, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("seed charge: %v", err)
	}

	// Make the in-transaction lookup miss once so the retry goes down the
	// insert path and hits the unique constraint instead.
	store.findMissCount = 1
	replayed, err := service.Charge(context.Background(), accountID, mustAmount(test, 20), "src", "", key, mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("racing charge: %v", err)
	}
	if replayed.TransactionID != committed.TransactionID {
		test.Fatalf("expected committed transaction %s, got %s", committed.TransactionID, replayed.TransactionID)
	}
	if got := store.account(test, accountID).Balance; got != 80 {
		test.Fatalf("expected balance 80, got %d", got)
	}
}

func TestConcurrentChargesNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-concurrent")
	store.seedBalance(test, accountID, 100)
	service := mustNewService(test, store)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for index := 0; index < 2; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			key := mustIdempotencyKey(test, "concurrent-"+string(rune('a'+index)))
			_, results[index] = service.Charge(context.Background(), accountID, mustAmount(test, 60), "src", "", key, mustMetadata(test, "{}"))
		}(index)
	}
	wg.Wait()

	var failures int
	for _, err := range results {
		if err != nil {
			if !errors.Is(err, ErrInsufficientBalance) {
				test.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		test.Fatalf("expected exactly one rejected charge, got %d", failures)
	}
	if got := store.account(test, accountID).Balance; got != 40 {
		test.Fatalf("expected final balance 40, got %d", got)
	}

	report, err := service.Reconcile(context.Background(), accountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	// Seeded balances are invisible to the log, so compare deltas.
	if report.LedgerSum != -60 {
		test.Fatalf("expected ledger sum -60, got %d", report.LedgerSum)
	}
}

func TestReconcileAgreesWithLog(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-reconcile")
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")

	if _, err := service.Credit(ctx, accountID, TypeEarn, mustAmount(test, 200), "mission", "", mustIdempotencyKey(test, "r-earn"), metadata); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.Charge(ctx, accountID, mustAmount(test, 50), "marketplace", "", mustIdempotencyKey(test, "r-spend"), metadata); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if _, err := service.Credit(ctx, accountID, TypeRefund, mustAmount(test, 25), "mission_refund", "", mustIdempotencyKey(test, "r-refund"), metadata); err != nil {
		test.Fatalf("refund credit: %v", err)
	}

	report, err := service.Reconcile(ctx, accountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !report.Consistent() {
		test.Fatalf("expected consistent report, got projection %d vs sum %d", report.ProjectedBalance, report.LedgerSum)
	}
	if report.ProjectedBalance != 175 {
		test.Fatalf("expected balance 175, got %d", report.ProjectedBalance)
	}
}

func TestBalanceCreatesAccountOnFirstTouch(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-fresh")

	account, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if account.Balance != 0 || account.Version != 0 {
		test.Fatalf("expected zero account, got balance %d version %d", account.Balance, account.Version)
	}
	if !account.SubscriptionCredit.IsZero() {
		test.Fatalf("expected zero subscription credit, got %s", account.SubscriptionCredit)
	}
}

func TestHistoryReturnsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "user-history")
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")

	for _, key := range []string{"h-1", "h-2", "h-3"} {
		if _, err := service.Credit(ctx, accountID, TypeEarn, mustAmount(test, 10), "mission", "", mustIdempotencyKey(test, key), metadata); err != nil {
			test.Fatalf("credit %s: %v", key, err)
		}
	}

	listed, err := service.History(ctx, accountID, 0, 2)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(listed))
	}
	if listed[0].CreatedUnixUTC < listed[1].CreatedUnixUTC {
		test.Fatalf("expected newest first, got %d before %d", listed[0].CreatedUnixUTC, listed[1].CreatedUnixUTC)
	}
}

func TestConversionTotalSinceSumsMagnitudes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-cap")
	store.seedBalance(test, accountID, 10_000)
	service := mustNewService(test, store)
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")
	credit := mustDecimal(test, "1.00")

	if _, err := service.Convert(ctx, accountID, mustAmount(test, 500), credit, "points_to_credits", "", mustIdempotencyKey(test, "cap-1"), metadata); err != nil {
		test.Fatalf("first convert: %v", err)
	}
	if _, err := service.Convert(ctx, accountID, mustAmount(test, 700), credit, "points_to_credits", "", mustIdempotencyKey(test, "cap-2"), metadata); err != nil {
		test.Fatalf("second convert: %v", err)
	}

	total, err := service.ConversionTotalSince(ctx, accountID, 0)
	if err != nil {
		test.Fatalf("conversion total: %v", err)
	}
	if total != 1200 {
		test.Fatalf("expected 1200 converted points, got %d", total)
	}
}

func TestChargeStopsOnCancelledContext(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, "user-cancel")
	store.seedBalance(test, accountID, 100)
	service := mustNewService(test, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := service.Charge(ctx, accountID, mustAmount(test, 10), "src", "", mustIdempotencyKey(test, "cancel-1"), mustMetadata(test, "{}"))
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.transactionCount() != 0 {
		test.Fatalf("expected no transactions, got %d", store.transactionCount())
	}
}
