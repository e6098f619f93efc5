// Package missions prices mission creation and charges the creator's account.
package missions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/shopspring/decimal"
)

const (
	// DefaultBasePoints is the flat creation cost charged on every mission.
	DefaultBasePoints int64 = 50

	fundingSource = "mission_creation"
)

// DefaultFeeRate is the platform's share of the reward pool.
var DefaultFeeRate = decimal.NewFromFloat(0.2)

// FundingRequest describes the mission being priced.
type FundingRequest struct {
	BasePoints      int64
	RewardPoints    int64
	MaxParticipants int64
}

// FundingBreakdown is the itemized cost returned to the caller and recorded in
// the charge metadata.
type FundingBreakdown struct {
	BasePoints  int64
	RewardPool  int64
	PlatformFee int64
	TotalCost   int64
}

// Calculator prices missions and debits the creator through the ledger.
type Calculator struct {
	ledger  *points.Service
	feeRate decimal.Decimal
}

// NewCalculator wires a Calculator with the default platform fee rate.
func NewCalculator(ledger *points.Service) (*Calculator, error) {
	return NewCalculatorWithFeeRate(ledger, DefaultFeeRate)
}

// NewCalculatorWithFeeRate wires a Calculator with an explicit fee rate.
func NewCalculatorWithFeeRate(ledger *points.Service, feeRate decimal.Decimal) (*Calculator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", points.ErrInvalidServiceConfig)
	}
	if feeRate.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee rate", points.ErrInvalidServiceConfig)
	}
	return &Calculator{ledger: ledger, feeRate: feeRate}, nil
}

// Quote computes the funding breakdown without touching the ledger.
func (calculator *Calculator) Quote(request FundingRequest) (FundingBreakdown, error) {
	basePoints := request.BasePoints
	if basePoints == 0 {
		basePoints = DefaultBasePoints
	}
	if basePoints < 0 || request.RewardPoints < 0 || request.MaxParticipants <= 0 {
		return FundingBreakdown{}, fmt.Errorf("%w: reward points and participants must be non-negative, participants positive", points.ErrInvalidAmount)
	}
	rewardPool := request.RewardPoints * request.MaxParticipants
	platformFee := decimal.NewFromInt(rewardPool).Mul(calculator.feeRate).Ceil().IntPart()
	return FundingBreakdown{
		BasePoints:  basePoints,
		RewardPool:  rewardPool,
		PlatformFee: platformFee,
		TotalCost:   basePoints + rewardPool + platformFee,
	}, nil
}

// Fund charges the total mission cost. An insufficient balance aborts mission
// creation entirely; no partial mission exists without funding.
func (calculator *Calculator) Fund(ctx context.Context, accountID points.AccountID, request FundingRequest, idempotencyKey points.IdempotencyKey) (points.Transaction, FundingBreakdown, error) {
	breakdown, err := calculator.Quote(request)
	if err != nil {
		return points.Transaction{}, FundingBreakdown{}, err
	}
	amount, err := points.NewPointsAmount(breakdown.TotalCost)
	if err != nil {
		return points.Transaction{}, FundingBreakdown{}, err
	}
	metadata, err := breakdownMetadata(breakdown)
	if err != nil {
		return points.Transaction{}, FundingBreakdown{}, err
	}
	transaction, err := calculator.ledger.Charge(
		ctx,
		accountID,
		amount,
		fundingSource,
		fmt.Sprintf("Mission funding: %d points", breakdown.TotalCost),
		idempotencyKey,
		metadata,
	)
	if err != nil {
		return points.Transaction{}, breakdown, err
	}
	return transaction, breakdown, nil
}

func breakdownMetadata(breakdown FundingBreakdown) (points.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]int64{
		"base_points":  breakdown.BasePoints,
		"reward_pool":  breakdown.RewardPool,
		"platform_fee": breakdown.PlatformFee,
		"total_cost":   breakdown.TotalCost,
	})
	if err != nil {
		return points.MetadataJSON{}, err
	}
	return points.NewMetadataJSON(string(raw))
}
