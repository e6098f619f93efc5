// Package storetest provides an in-memory points.Store for tests that need a
// working ledger without a database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

// MemStore is a mutex-guarded points.Store. WithTx serializes writers and
// rolls back on failure, so the service's optimistic concurrency behaves the
// same as against the SQL stores.
type MemStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	accounts     map[string]points.Account
	transactions []points.Transaction
	nextID       int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{accounts: map[string]points.Account{}}
}

// SeedBalance sets an account's projected balance without log entries.
func (store *MemStore) SeedBalance(accountID points.AccountID, balance int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[accountID.String()] = points.Account{
		AccountID: accountID,
		Balance:   balance,
	}
}

// Transactions returns a copy of the appended log.
func (store *MemStore) Transactions() []points.Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]points.Transaction(nil), store.transactions...)
}

// WithTx runs fn with rollback-on-error semantics.
func (store *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.mu.Lock()
	snapshotAccounts := make(map[string]points.Account, len(store.accounts))
	for key, value := range store.accounts {
		snapshotAccounts[key] = value
	}
	snapshotTransactions := append([]points.Transaction(nil), store.transactions...)
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

// GetOrCreateAccount returns the account, creating a zero row on first touch.
func (store *MemStore) GetOrCreateAccount(ctx context.Context, accountID points.AccountID) (points.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = points.Account{AccountID: accountID}
		store.accounts[accountID.String()] = account
	}
	return account, nil
}

// FindTransactionByKey scans the log for the idempotency key.
func (store *MemStore) FindTransactionByKey(ctx context.Context, accountID points.AccountID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.IdempotencyKey == key {
			return transaction, true, nil
		}
	}
	return points.Transaction{}, false, nil
}

// CompareAndSetBalance applies the version-conditioned balance write.
func (store *MemStore) CompareAndSetBalance(ctx context.Context, change points.BalanceChange) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[change.AccountID.String()]
	if !ok {
		return points.ErrAccountNotFound
	}
	if account.Version != change.ExpectedVersion {
		return points.ErrConcurrentModification
	}
	account.Balance = change.NewBalance
	account.Version++
	if !change.CreditDelta.IsZero() {
		account.SubscriptionCredit = account.SubscriptionCredit.Add(change.CreditDelta)
	}
	store.accounts[change.AccountID.String()] = account
	return nil
}

// InsertTransaction appends a log entry, enforcing idempotency uniqueness.
func (store *MemStore) InsertTransaction(ctx context.Context, input points.TransactionInput) (points.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.AccountID == input.AccountID && transaction.IdempotencyKey == input.IdempotencyKey {
			return points.Transaction{}, points.ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	inserted := points.Transaction{
		TransactionID:  fmt.Sprintf("mem-tx-%d", store.nextID),
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

// SumTransactionAmounts folds the signed log for the account.
func (store *MemStore) SumTransactionAmounts(ctx context.Context, accountID points.AccountID) (int64, error) {
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

// SumConversionPointsSince sums converted point magnitudes at or after the cutoff.
func (store *MemStore) SumConversionPointsSince(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var total int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.Type == points.TypeConversion && transaction.CreatedUnixUTC >= sinceUnixUTC {
			total += -transaction.Amount
		}
	}
	return total, nil
}

// SumAmountsByType folds signed amounts per transaction type.
func (store *MemStore) SumAmountsByType(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (map[points.TransactionType]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	totals := map[points.TransactionType]int64{}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC >= sinceUnixUTC {
			totals[transaction.Type] += transaction.Amount
		}
	}
	return totals, nil
}

// ListTransactions returns entries newest first.
func (store *MemStore) ListTransactions(ctx context.Context, accountID points.AccountID, beforeUnixUTC int64, limit int) ([]points.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]points.Transaction, 0, len(store.transactions))
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

var _ points.Store = (*MemStore)(nil)
