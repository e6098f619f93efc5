package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/points/internal/catalog"
	"github.com/MarkoPoloResearchLab/points/internal/notify"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"go.uber.org/zap"
)

// ErrPurchaseRecordFailed marks a charge that committed but whose purchase
// record could not be written.
var ErrPurchaseRecordFailed = errors.New("purchase record failed")

// PurchaseRecordError carries the committed debit so operators can recreate
// the missing purchase record from the transaction log. The ledger entry is
// deliberately not rolled back: re-crediting risks double-crediting when the
// record write actually landed and only the acknowledgement was lost.
type PurchaseRecordError struct {
	Transaction points.Transaction
	Cause       error
}

// Error returns the formatted error message.
func (recordError *PurchaseRecordError) Error() string {
	return fmt.Sprintf("purchase record failed after charge %s committed: %v", recordError.Transaction.TransactionID, recordError.Cause)
}

// Unwrap returns the underlying store error.
func (recordError *PurchaseRecordError) Unwrap() error {
	return recordError.Cause
}

// Is matches the ErrPurchaseRecordFailed sentinel.
func (recordError *PurchaseRecordError) Is(target error) bool {
	return target == ErrPurchaseRecordFailed
}

// Catalog resolves purchasable products.
type Catalog interface {
	Product(ctx context.Context, productID string) (catalog.Product, error)
}

// Orchestrator validates a product, debits the points ledger, and records the
// purchase. It never mutates balances itself; all point movement goes through
// the points service.
type Orchestrator struct {
	catalog   Catalog
	ledger    *points.Service
	purchases PurchaseStore
	notifier  notify.Notifier
	logger    *zap.Logger
	nowFn     func() int64
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(productCatalog Catalog, ledger *points.Service, purchases PurchaseStore, notifier notify.Notifier, logger *zap.Logger, now func() int64) (*Orchestrator, error) {
	if productCatalog == nil || ledger == nil || purchases == nil || now == nil {
		return nil, fmt.Errorf("%w: orchestrator dependency is nil", points.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:   productCatalog,
		ledger:    ledger,
		purchases: purchases,
		notifier:  notifier,
		logger:    logger,
		nowFn:     now,
	}, nil
}

// Purchase buys one product for the account. The ledger debit is atomic; the
// purchase record is written after the debit commits.
func (orchestrator *Orchestrator) Purchase(ctx context.Context, accountID points.AccountID, productID string, idempotencyKey points.IdempotencyKey, requestMetadata map[string]string) (Purchase, error) {
	product, err := orchestrator.catalog.Product(ctx, productID)
	if err != nil {
		return Purchase{}, err
	}
	nowUnixUTC := orchestrator.nowFn()
	expiry, err := expiryFor(unixUTC(nowUnixUTC), product.Duration)
	if err != nil {
		return Purchase{}, err
	}

	amount, err := points.NewPointsAmount(product.PointsCost)
	if err != nil {
		return Purchase{}, err
	}
	metadata, err := purchaseMetadata(product, requestMetadata)
	if err != nil {
		return Purchase{}, err
	}
	transaction, err := orchestrator.ledger.Charge(
		ctx,
		accountID,
		amount,
		"marketplace_"+product.ProductID,
		"Purchased: "+product.Name,
		idempotencyKey,
		metadata,
	)
	if err != nil {
		return Purchase{}, err
	}

	record := Purchase{
		AccountID:        accountID.String(),
		ProductID:        product.ProductID,
		ProductName:      product.Name,
		PointsSpent:      product.PointsCost,
		TransactionID:    transaction.TransactionID,
		Status:           PurchaseStatusActive,
		PurchasedUnixUTC: nowUnixUTC,
		MetadataJSON:     metadata.String(),
	}
	if expiry != nil {
		record.ExpiresUnixUTC = expiry.Unix()
	}
	stored, err := orchestrator.purchases.InsertPurchase(ctx, record)
	if err != nil {
		orchestrator.logger.Error("purchase record failed after committed charge",
			zap.String("account_id", accountID.String()),
			zap.String("product_id", product.ProductID),
			zap.String("transaction_id", transaction.TransactionID),
			zap.Error(err),
		)
		return Purchase{}, &PurchaseRecordError{Transaction: transaction, Cause: err}
	}

	if orchestrator.notifier != nil {
		orchestrator.notifier.Notify(ctx, accountID.String(), notify.Notification{
			Type:       "marketplace_purchase",
			Title:      "Purchase complete",
			Message:    fmt.Sprintf("%s for %d points", product.Name, product.PointsCost),
			ActionLink: "/marketplace/purchases/" + stored.PurchaseID,
		})
	}
	return stored, nil
}

// Purchases lists the account's purchases with expiry evaluated at read time.
func (orchestrator *Orchestrator) Purchases(ctx context.Context, accountID points.AccountID) ([]Purchase, error) {
	stored, err := orchestrator.purchases.ListPurchases(ctx, accountID.String())
	if err != nil {
		return nil, err
	}
	nowUnixUTC := orchestrator.nowFn()
	listed := make([]Purchase, 0, len(stored))
	for _, purchase := range stored {
		purchase.Status = purchase.EffectiveStatus(nowUnixUTC)
		listed = append(listed, purchase)
	}
	return listed, nil
}

func purchaseMetadata(product catalog.Product, requestMetadata map[string]string) (points.MetadataJSON, error) {
	merged := map[string]string{
		"product_id":   product.ProductID,
		"product_name": product.Name,
		"duration":     product.Duration,
	}
	for key, value := range requestMetadata {
		merged[key] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return points.MetadataJSON{}, err
	}
	return points.NewMetadataJSON(string(raw))
}
