// Package refund returns points to an account: mission cancellations, rejected
// participations, manual corrections. Refunds are always additive.
package refund

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

// Processor issues refund credits through the ledger.
type Processor struct {
	ledger *points.Service
}

// NewProcessor wires a Processor.
func NewProcessor(ledger *points.Service) (*Processor, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", points.ErrInvalidServiceConfig)
	}
	return &Processor{ledger: ledger}, nil
}

// Refund credits the account. Zero or negative amounts fail ErrInvalidAmount
// before any store call.
func (processor *Processor) Refund(ctx context.Context, accountID points.AccountID, amount int64, source string, description string, idempotencyKey points.IdempotencyKey, metadata points.MetadataJSON) (points.Transaction, error) {
	refundAmount, err := points.NewPointsAmount(amount)
	if err != nil {
		return points.Transaction{}, err
	}
	return processor.ledger.Credit(ctx, accountID, points.TypeRefund, refundAmount, source, description, idempotencyKey, metadata)
}
