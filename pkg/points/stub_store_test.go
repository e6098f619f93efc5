package points

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store with error injection. WithTx serializes
// callers and rolls state back when the callback fails, mirroring the
// transactional stores.
type stubStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	accounts     map[string]Account
	transactions []Transaction
	nextID       int

	withTxError     error
	getAccountError error
	findError       error
	findMissCount   int
	casError        error
	casConflicts    int
	casCalls        int
	insertError     error
	sumError        error
	sumSinceError   error
	sumByTypeError  error
	listError       error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: map[string]Account{}}
}

func (store *stubStore) seedBalance(test *testing.T, accountID AccountID, balance int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[accountID.String()] = Account{
		AccountID: accountID,
		Balance:   balance,
	}
}

func (store *stubStore) account(test *testing.T, accountID AccountID) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		test.Fatalf("account %s not found in stub", accountID)
	}
	return account
}

func (store *stubStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.mu.Lock()
	snapshotAccounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		snapshotAccounts[key] = value
	}
	snapshotTransactions := append([]Transaction(nil), store.transactions...)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.accounts = snapshotAccounts
		store.transactions = snapshotTransactions
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = Account{AccountID: accountID}
		store.accounts[accountID.String()] = account
	}
	return account, nil
}

func (store *stubStore) FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	if store.findError != nil {
		return Transaction{}, false, store.findError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.findMissCount > 0 {
		store.findMissCount--
		return Transaction{}, false, nil
	}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.IdempotencyKey == key {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) CompareAndSetBalance(ctx context.Context, change BalanceChange) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.casCalls++
	if store.casConflicts > 0 {
		store.casConflicts--
		return ErrConcurrentModification
	}
	if store.casError != nil {
		return store.casError
	}
	account, ok := store.accounts[change.AccountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Version != change.ExpectedVersion {
		return ErrConcurrentModification
	}
	account.Balance = change.NewBalance
	account.Version++
	if !change.CreditDelta.IsZero() {
		account.SubscriptionCredit = account.SubscriptionCredit.Add(change.CreditDelta)
	}
	store.accounts[change.AccountID.String()] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.AccountID == input.AccountID && transaction.IdempotencyKey == input.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	inserted := Transaction{
		TransactionID:  fmt.Sprintf("tx-%d", store.nextID),
		AccountID:      input.AccountID,
		Type:           input.Type,
		Amount:         input.Amount,
		Source:         input.Source,
		Description:    input.Description,
		BalanceBefore:  input.BalanceBefore,
		BalanceAfter:   input.BalanceAfter,
		CreditAmount:   input.CreditAmount,
		IdempotencyKey: input.IdempotencyKey,
		Metadata:       input.Metadata,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.transactions = append(store.transactions, inserted)
	return inserted, nil
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, accountID AccountID) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var total int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) SumConversionPointsSince(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (int64, error) {
	if store.sumSinceError != nil {
		return 0, store.sumSinceError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	var total int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.Type == TypeConversion && transaction.CreatedUnixUTC >= sinceUnixUTC {
			total += -transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) SumAmountsByType(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (map[TransactionType]int64, error) {
	if store.sumByTypeError != nil {
		return nil, store.sumByTypeError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	totals := map[TransactionType]int64{}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC >= sinceUnixUTC {
			totals[transaction.Type] += transaction.Amount
		}
	}
	return totals, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.AccountID != accountID {
			continue
		}
		if beforeUnixUTC > 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
	}
	sort.SliceStable(listed, func(left, right int) bool {
		return listed[left].CreatedUnixUTC > listed[right].CreatedUnixUTC
	})
	if limit > 0 && len(listed) > limit {
		listed = listed[:limit]
	}
	return listed, nil
}

var _ Store = (*stubStore)(nil)

// testClock hands out strictly increasing timestamps so ordering tests are
// deterministic.
type testClock struct {
	mu  sync.Mutex
	now int64
}

func newTestClock(start int64) *testClock {
	return &testClock{now: start}
}

func (clock *testClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now++
	return clock.now
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := newTestClock(1_700_000_000)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustAmount(test *testing.T, raw int64) PointsAmount {
	test.Helper()
	amount, err := NewPointsAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}
