package points

import "context"

// History lists ledger transactions for an account before a cutoff time.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

// ConversionTotalSince sums the absolute point amounts of conversion
// transactions at or after the cutoff. The conversion policy engine uses this
// for its rolling monthly cap.
func (service *Service) ConversionTotalSince(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (int64, error) {
	return service.store.SumConversionPointsSince(ctx, accountID, sinceUnixUTC)
}

// TotalsByType folds the log by transaction type at or after the cutoff;
// sinceUnixUTC of zero means all time.
func (service *Service) TotalsByType(ctx context.Context, accountID AccountID, sinceUnixUTC int64) (map[TransactionType]int64, error) {
	return service.store.SumAmountsByType(ctx, accountID, sinceUnixUTC)
}

// Reconcile compares the balance projection against the transaction sum.
// The two must agree after any sequence of operations.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (ReconciliationReport, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	ledgerSum, err := service.store.SumTransactionAmounts(ctx, accountID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	return ReconciliationReport{
		AccountID:        accountID,
		ProjectedBalance: account.Balance,
		LedgerSum:        ledgerSum,
	}, nil
}
