package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/internal/marketplace"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectPurchase                = "purchase"
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
)

// Store implements points.Store and marketplace.PurchaseStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema; used for SQLite deployments and tests.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{}, &Purchase{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount upserts the zero-balance projection on first touch.
func (store *Store) GetOrCreateAccount(ctx context.Context, accountID points.AccountID) (points.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&account, Account{AccountID: accountID.String()}).Error
	if err != nil {
		return points.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return points.Account{
		AccountID:          accountID,
		Balance:            account.Balance,
		SubscriptionCredit: account.SubscriptionCredit,
		Version:            account.Version,
	}, nil
}

// CompareAndSetBalance applies the balance (and optional credit) mutation only
// if the stored version still matches; a stale version reports
// ErrConcurrentModification so the service retries from the read step.
func (store *Store) CompareAndSetBalance(ctx context.Context, change points.BalanceChange) error {
	updates := map[string]interface{}{
		"balance":    change.NewBalance,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if !change.CreditDelta.IsZero() {
		updates["subscription_credit"] = gorm.Expr("subscription_credit + ?", change.CreditDelta)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", change.AccountID.String(), change.ExpectedVersion).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCompareAndSet, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCompareAndSet, points.ErrConcurrentModification)
	}
	return nil
}

// FindTransactionByKey resolves a previously committed transaction for the
// idempotent replay path.
func (store *Store) FindTransactionByKey(ctx context.Context, accountID points.AccountID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

// InsertTransaction appends one immutable ledger line.
func (store *Store) InsertTransaction(ctx context.Context, input points.TransactionInput) (points.Transaction, error) {
	row := Transaction{
		AccountID:      input.AccountID.String(),
		Type:           input.Type.String(),
		Amount:         input.Amount,
		Source:         input.Source,
		Description:    input.Description,
		BalanceBefore:  input.BalanceBefore,
		BalanceAfter:   input.BalanceAfter,
		CreditAmount:   input.CreditAmount,
		IdempotencyKey: input.IdempotencyKey.String(),
		Metadata:       datatypesJSON(input.Metadata.String()),
		CreatedAt:      time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return points.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// SumTransactionAmounts totals the account's signed amounts (the ledger sum).
func (store *Store) SumTransactionAmounts(ctx context.Context, accountID points.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumAmounts, err)
	}
	return sum.Total, nil
}

// SumConversionPointsSince totals absolute conversion amounts at or after the
// cutoff; conversions carry negative point amounts.
func (store *Store) SumConversionPointsSince(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(-amount),0) as total").
		Where("account_id = ? AND type = ? AND created_at >= ?",
			accountID.String(), points.TypeConversion.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumConversions, err)
	}
	return sum.Total, nil
}

// SumAmountsByType folds signed amounts per transaction type at or after the
// cutoff (zero cutoff covers all time).
func (store *Store) SumAmountsByType(ctx context.Context, accountID points.AccountID, sinceUnixUTC int64) (map[points.TransactionType]int64, error) {
	var rows []typeSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("type, coalesce(sum(amount),0) as total").
		Where("account_id = ? AND created_at >= ?", accountID.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeSumByType, err)
	}
	totals := make(map[points.TransactionType]int64, len(rows))
	for _, row := range rows {
		transactionType, err := points.ParseTransactionType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		totals[transactionType] = row.Total
	}
	return totals, nil
}

// ListTransactions returns the newest transactions before a cutoff.
func (store *Store) ListTransactions(ctx context.Context, accountID points.AccountID, beforeUnixUTC int64, limit int) ([]points.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]points.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// InsertPurchase writes one purchase record.
func (store *Store) InsertPurchase(ctx context.Context, purchase marketplace.Purchase) (marketplace.Purchase, error) {
	var expiresAt *time.Time
	if purchase.ExpiresUnixUTC != 0 {
		value := time.Unix(purchase.ExpiresUnixUTC, 0).UTC()
		expiresAt = &value
	}
	row := Purchase{
		PurchaseID:    purchase.PurchaseID,
		AccountID:     purchase.AccountID,
		ProductID:     purchase.ProductID,
		ProductName:   purchase.ProductName,
		PointsSpent:   purchase.PointsSpent,
		TransactionID: purchase.TransactionID,
		Status:        string(purchase.Status),
		ExpiresAt:     expiresAt,
		Metadata:      datatypesJSON(purchase.MetadataJSON),
		CreatedAt:     time.Unix(purchase.PurchasedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return marketplace.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return mapPurchase(row), nil
}

// ListPurchases returns all purchases for the account, newest first.
func (store *Store) ListPurchases(ctx context.Context, accountID string) ([]marketplace.Purchase, error) {
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]marketplace.Purchase, 0, len(rows))
	for _, row := range rows {
		purchases = append(purchases, mapPurchase(row))
	}
	return purchases, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type typeSum struct {
	Type  string
	Total int64
}

func mapTransaction(row Transaction) (points.Transaction, error) {
	accountID, err := points.NewAccountID(row.AccountID)
	if err != nil {
		return points.Transaction{}, err
	}
	transactionType, err := points.ParseTransactionType(row.Type)
	if err != nil {
		return points.Transaction{}, err
	}
	idempotencyKey, err := points.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return points.Transaction{}, err
	}
	metadata, err := points.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return points.Transaction{}, err
	}
	return points.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      accountID,
		Type:           transactionType,
		Amount:         row.Amount,
		Source:         row.Source,
		Description:    row.Description,
		BalanceBefore:  row.BalanceBefore,
		BalanceAfter:   row.BalanceAfter,
		CreditAmount:   row.CreditAmount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(row Purchase) marketplace.Purchase {
	purchase := marketplace.Purchase{
		PurchaseID:       row.PurchaseID,
		AccountID:        row.AccountID,
		ProductID:        row.ProductID,
		ProductName:      row.ProductName,
		PointsSpent:      row.PointsSpent,
		TransactionID:    row.TransactionID,
		Status:           marketplace.PurchaseStatus(row.Status),
		PurchasedUnixUTC: row.CreatedAt.Unix(),
		MetadataJSON:     string(row.Metadata),
	}
	if row.ExpiresAt != nil {
		purchase.ExpiresUnixUTC = row.ExpiresAt.Unix()
	}
	return purchase
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

var _ points.Store = (*Store)(nil)
var _ marketplace.PurchaseStore = (*Store)(nil)
