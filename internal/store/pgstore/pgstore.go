package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/marketplace"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectPurchase                = "purchase"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeCompareAndSet              = "compare_and_set"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeFind                       = "find"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeSumAmounts                 = "sum_amounts"
	errorCodeSumByType                  = "sum_by_type"
	errorCodeSumConversions             = "sum_conversions"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, balance, subscription_credit, version)
		values($1, 0, 0, 0)
		on conflict (account_id) do update set account_id = excluded.account_id
		returning balance, subscription_credit::text, version
	`

	sqlCompareAndSetBalance = `
		update accounts
		set balance = $2,
		    subscription_credit = subscription_credit + $3::numeric,
		    version = version + 1,
		    updated_at = now()
		where account_id = $1 and version = $4
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, account_id, type, amount, source, description,
			balance_before, balance_after, credit_amount, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			$6, $7, $8::numeric, $9,
			coalesce(nullif($10,''),'{}')::jsonb,
			to_timestamp($11)
		)
		returning transaction_id::text
	`

	sqlSelectTransactionByKey = `
		select
			transaction_id::text, account_id, type, amount, source, description,
			balance_before, balance_after, credit_amount::text, idempotency_key,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from transactions
		where account_id = $1 and idempotency_key = $2
	`

	sqlSumTransactionAmounts = `
		select coalesce(sum(amount),0) from transactions where account_id = $1
	`

	sqlSumConversionPointsSince = `
		select coalesce(sum(-amount),0) from transactions
		where account_id = $1 and type = 'conversion' and created_at >= to_timestamp($2)
	`

	sqlSumAmountsByType = `
		select type, coalesce(sum(amount),0) from transactions
		where account_id = $1 and created_at >= to_timestamp($2)
		group by type
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text, account_id, type, amount, source, description,
			balance_before, balance_after, credit_amount::text, idempotency_key,
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertPurchase = `
		insert into purchases(
			purchase_id, account_id, product_id, product_name, points_spent,
			transaction_id, status, expires_at, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			$5, $6, to_timestamp(nullif($7,0)),
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning purchase_id::text
	`

	sqlListPurchases = `
		select
			purchase_id::text, account_id, product_id, product_name, points_spent,
			transaction_id::text, status,
			coalesce(extract(epoch from expires_at)::bigint,0),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from purchases
		where account_id = $1
		order by created_at desc
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store and marketplace.PurchaseStore on a pgx pool
// (autocommit); WithTx hands callers a transactional variant.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// GetOrCreateAccount upserts the zero-balance projection on first touch.
func (store *Store) GetOrCreateAccount(ctx context.Context, accountID points.AccountID) (points.Account, error) {
	var (
		balance     int64
		creditValue string
		version     int64
	)
	err := store.q.QueryRow(ctx, sqlInsertOrGetAccount, accountID.String()).Scan(&balance, &creditValue, &version)
	if err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	credit, err := decimal.NewFromString(creditValue)
	if err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return points.Account{
		AccountID:          accountID,
		Balance:            balance,
		SubscriptionCredit: credit,
		Version:            version,
	}, nil
}

// CompareAndSetBalance applies the version-conditioned mutation; a stale
// version reports ErrConcurrentModification.
func (store *Store) CompareAndSetBalance(ctx context.Context, change points.BalanceChange) error {
	tag, err := store.q.Exec(ctx, sqlCompareAndSetBalance,
		change.AccountID.String(),
		change.NewBalance,
		change.CreditDelta.String(),
		change.ExpectedVersion,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCompareAndSet, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCompareAndSet, points.ErrConcurrentModification)
	}
	return nil
}

// FindTransactionByKey resolves a committed transaction for idempotent replay.
func (store *Store) FindTransactionByKey(ctx context.Context, accountID points.AccountID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	row := store.q.QueryRow(ctx, sqlSelectTransactionByKey, accountID.String(), key.String())
	transaction, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	return transaction, true, nil
}

// InsertTransaction appends one immutable ledger line.
func (store *Store) InsertTransaction(ctx context.Context, input points.TransactionInput) (points.Transaction, error) {
	var transactionID string
	err := store.q.QueryRow(ctx, sqlInsertTransaction,
		input.AccountID.String(),
		input.Type.String(),
		input.Amount,
		input.Source,
		input.Description,
		input.BalanceBefore,
		input.BalanceAfter,
		input.CreditAmount.String(),
		input.IdempotencyKey.String(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&transactionID)
	if isIdempotencyConflict(err) {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return points.Transaction{
		TransactionID:  transactionID,
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
	}, nil
}

// SumTransactionAmounts totals the account's signed amounts (the ledger sum).
func (store *Store) SumTransactionAmounts(ctx context.Context, accountID points.AccountID) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumTransactionAmounts, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumAmounts, err)
	}
	return sum, nil
}

// SumConversionPointsSince totals absolute conversion amounts at or after the cutoff.
func (store *Store) SumConversionPointsSince(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (int64, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumConversionPointsSince, accountID.String(), sinceUnixUTC).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumConversions, err)
	}
	return sum, nil
}

// SumAmountsByType folds signed amounts per type at or after the cutoff.
func (store *Store) SumAmountsByType(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (map[points.TransactionType]int64, error) {
	rows, err := store.q.Query(ctx, sqlSumAmountsByType, accountID.String(), sinceUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeSumByType, err)
	}
	defer rows.Close()
	totals := make(map[points.TransactionType]int64)
	for rows.Next() {
		var (
			typeValue string
			total     int64
		)
		if err := rows.Scan(&typeValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeSumByType, err)
		}
		transactionType, err := points.ParseTransactionType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		totals[transactionType] = total
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeSumByType, err)
	}
	return totals, nil
}

// ListTransactions returns the newest transactions before a cutoff; a zero
// cutoff means no cutoff.
func (store *Store) ListTransactions(ctx context.Context, accountID points.AccountID, beforeUnixUTC int64, limit int) ([]points.Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.q.Query(ctx, sqlListTransactionsBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []points.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

// InsertPurchase writes one purchase record.
func (store *Store) InsertPurchase(ctx context.Context, purchase marketplace.Purchase) (marketplace.Purchase, error) {
	var purchaseID string
	err := store.q.QueryRow(ctx, sqlInsertPurchase,
		purchase.AccountID,
		purchase.ProductID,
		purchase.ProductName,
		purchase.PointsSpent,
		purchase.TransactionID,
		string(purchase.Status),
		purchase.ExpiresUnixUTC,
		purchase.MetadataJSON,
		purchase.PurchasedUnixUTC,
	).Scan(&purchaseID)
	if err != nil {
		return marketplace.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	purchase.PurchaseID = purchaseID
	return purchase, nil
}

// ListPurchases returns all purchases for the account, newest first.
func (store *Store) ListPurchases(ctx context.Context, accountID string) ([]marketplace.Purchase, error) {
	rows, err := store.q.Query(ctx, sqlListPurchases, accountID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	var purchases []marketplace.Purchase
	for rows.Next() {
		var (
			purchase    marketplace.Purchase
			statusValue string
		)
		if err := rows.Scan(
			&purchase.PurchaseID,
			&purchase.AccountID,
			&purchase.ProductID,
			&purchase.ProductName,
			&purchase.PointsSpent,
			&purchase.TransactionID,
			&statusValue,
			&purchase.ExpiresUnixUTC,
			&purchase.MetadataJSON,
			&purchase.PurchasedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
		}
		purchase.Status = marketplace.PurchaseStatus(statusValue)
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return purchases, nil
}

func scanTransaction(row pgx.Row) (points.Transaction, error) {
	var (
		transactionID  string
		accountValue   string
		typeValue      string
		amount         int64
		source         string
		description    string
		balanceBefore  int64
		balanceAfter   int64
		creditValue    string
		idempotencyRaw string
		metadataRaw    string
		createdUnixUTC int64
	)
	if err := row.Scan(
		&transactionID, &accountValue, &typeValue, &amount, &source, &description,
		&balanceBefore, &balanceAfter, &creditValue, &idempotencyRaw, &metadataRaw, &createdUnixUTC,
	); err != nil {
		return points.Transaction{}, err
	}
	accountID, err := points.NewAccountID(accountValue)
	if err != nil {
		return points.Transaction{}, err
	}
	transactionType, err := points.ParseTransactionType(typeValue)
	if err != nil {
		return points.Transaction{}, err
	}
	credit, err := decimal.NewFromString(creditValue)
	if err != nil {
		return points.Transaction{}, err
	}
	idempotencyKey, err := points.NewIdempotencyKey(idempotencyRaw)
	if err != nil {
		return points.Transaction{}, err
	}
	metadata, err := points.NewMetadataJSON(metadataRaw)
	if err != nil {
		return points.Transaction{}, err
	}
	return points.Transaction{
		TransactionID:  transactionID,
		AccountID:      accountID,
		Type:           transactionType,
		Amount:         amount,
		Source:         source,
		Description:    description,
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		CreditAmount:   credit,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	return false
}

var _ points.Store = (*Store)(nil)
var _ marketplace.PurchaseStore = (*Store)(nil)
