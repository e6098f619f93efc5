package marketplace

import "context"

// PurchaseStatus is the stored lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchaseStatusActive    PurchaseStatus = "active"
	PurchaseStatusExpired   PurchaseStatus = "expired"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
)

// Purchase records one completed marketplace order. It is created only after
// the corresponding ledger debit committed.
type Purchase struct {
	PurchaseID       string
	AccountID        string
	ProductID        string
	ProductName      string
	PointsSpent      int64
	TransactionID    string
	Status           PurchaseStatus
	PurchasedUnixUTC int64
	ExpiresUnixUTC   int64 // 0 means permanent
	MetadataJSON     string
}

// EffectiveStatus evaluates expiry at read time: a stored-active purchase
// whose expiry is in the past reads as expired.
func (purchase Purchase) EffectiveStatus(nowUnixUTC int64) PurchaseStatus {
	if purchase.Status == PurchaseStatusActive && purchase.ExpiresUnixUTC != 0 && purchase.ExpiresUnixUTC <= nowUnixUTC {
		return PurchaseStatusExpired
	}
	return purchase.Status
}

// PurchaseStore persists purchase records.
type PurchaseStore interface {
	InsertPurchase(ctx context.Context, purchase Purchase) (Purchase, error)
	ListPurchases(ctx context.Context, accountID string) ([]Purchase, error)
}
