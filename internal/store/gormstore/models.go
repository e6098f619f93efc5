package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table: the materialized balance projection.
type Account struct {
	AccountID          string          `gorm:"primaryKey"`
	Balance            int64           `gorm:"not null"`
	SubscriptionCredit decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Version            int64           `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null"`
	UpdatedAt          time.Time       `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table (append-only).
type Transaction struct {
	TransactionID  string          `gorm:"type:uuid;primaryKey"`
	AccountID      string          `gorm:"not null;index:idx_transactions_account_created,priority:1;index:uniq_transaction_idem,unique,priority:1"`
	Type           string          `gorm:"not null"`
	Amount         int64           `gorm:"not null"`
	Source         string          `gorm:"not null"`
	Description    string          `gorm:"not null"`
	BalanceBefore  int64           `gorm:"not null"`
	BalanceAfter   int64           `gorm:"not null"`
	CreditAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	IdempotencyKey string          `gorm:"not null;index:uniq_transaction_idem,unique,priority:2"`
	Metadata       datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID    string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_purchases_account"`
	ProductID     string         `gorm:"not null"`
	ProductName   string         `gorm:"not null"`
	PointsSpent   int64          `gorm:"not null"`
	TransactionID string         `gorm:"not null"`
	Status        string         `gorm:"not null"`
	ExpiresAt     *time.Time     `gorm:""`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
