package httpapi

import "encoding/json"

type earnRequest struct {
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Source         string            `json:"source" validate:"required"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

type purchaseRequest struct {
	ProductID      string            `json:"product_id" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

type conversionRequest struct {
	Points         int64  `json:"points" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key"`
}

type missionRequest struct {
	BasePoints      int64  `json:"base_points" validate:"gte=0"`
	RewardPoints    int64  `json:"reward_points" validate:"gte=0"`
	MaxParticipants int64  `json:"max_participants" validate:"required,gt=0"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type refundRequest struct {
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Source         string            `json:"source" validate:"required"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

type walletResponse struct {
	AccountID          string               `json:"account_id"`
	Balance            int64                `json:"balance"`
	SubscriptionCredit string               `json:"subscription_credit"`
	Transactions       []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	Source         string          `json:"source"`
	Description    string          `json:"description"`
	BalanceBefore  int64           `json:"balance_before"`
	BalanceAfter   int64           `json:"balance_after"`
	CreditAmount   string          `json:"credit_amount,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type purchasePayload struct {
	PurchaseID       string `json:"purchase_id"`
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	PointsSpent      int64  `json:"points_spent"`
	TransactionID    string `json:"transaction_id"`
	Status           string `json:"status"`
	PurchasedUnixUTC int64  `json:"purchased_unix_utc"`
	ExpiresUnixUTC   int64  `json:"expires_unix_utc,omitempty"`
}
