// Package convert decides whether a points-to-credit conversion is allowed and
// drives the atomic debit + credit increment through the points service.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/shopspring/decimal"
)

// Policy errors.
var (
	ErrBelowMinimum       = errors.New("conversion below minimum")
	ErrMonthlyCapExceeded = errors.New("conversion exceeds monthly cap")
	ErrInvalidPolicy      = errors.New("invalid conversion policy")
)

// MonthlyCapError reports how much allowance remains for the current month.
type MonthlyCapError struct {
	Cap          int64
	MonthlyTotal int64
	Requested    int64
}

// Error returns the formatted error message.
func (capError *MonthlyCapError) Error() string {
	return fmt.Sprintf("conversion exceeds monthly cap: requested %d, %d remaining of %d", capError.Requested, capError.Remaining(), capError.Cap)
}

// Is matches the ErrMonthlyCapExceeded sentinel.
func (capError *MonthlyCapError) Is(target error) bool {
	return target == ErrMonthlyCapExceeded
}

// Remaining returns the allowance left before the cap.
func (capError *MonthlyCapError) Remaining() int64 {
	remaining := capError.Cap - capError.MonthlyTotal
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Policy is the static conversion configuration.
type Policy struct {
	PointsPerUSD     int64
	MinimumPoints    int64
	MonthlyCapPoints int64
}

// Validate rejects configurations that cannot produce a sane conversion.
func (policy Policy) Validate() error {
	if policy.PointsPerUSD <= 0 {
		return fmt.Errorf("%w: points_per_usd must be positive", ErrInvalidPolicy)
	}
	if policy.MinimumPoints <= 0 {
		return fmt.Errorf("%w: minimum_points must be positive", ErrInvalidPolicy)
	}
	if policy.MonthlyCapPoints < policy.MinimumPoints {
		return fmt.Errorf("%w: monthly_cap_points below minimum_points", ErrInvalidPolicy)
	}
	return nil
}

// CreditFor converts a point amount to its currency credit at the policy rate.
func (policy Policy) CreditFor(pointsAmount int64) decimal.Decimal {
	return decimal.NewFromInt(pointsAmount).Div(decimal.NewFromInt(policy.PointsPerUSD)).Round(2)
}

// Engine enforces the policy before invoking the ledger.
//
// The cap check reads the log and decides; a concurrent conversion can land
// between the read and the debit, so the cap is best-effort. The point debit
// and credit increment themselves stay strictly atomic in the service.
type Engine struct {
	ledger *points.Service
	policy Policy
	nowFn  func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(ledger *points.Service, policy Policy, now func() time.Time) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", points.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", points.ErrInvalidServiceConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{ledger: ledger, policy: policy, nowFn: now}, nil
}

// Policy returns the engine's static configuration.
func (engine *Engine) Policy() Policy {
	return engine.policy
}

// MonthlyTotal sums this calendar month's converted points for the account.
func (engine *Engine) MonthlyTotal(ctx context.Context, accountID points.AccountID) (int64, error) {
	return engine.ledger.ConversionTotalSince(ctx, accountID, firstOfMonth(engine.nowFn()).Unix())
}

// Convert validates the request against the policy and performs the exchange.
func (engine *Engine) Convert(ctx context.Context, accountID points.AccountID, pointsAmount int64, idempotencyKey points.IdempotencyKey) (points.Transaction, error) {
	if pointsAmount < engine.policy.MinimumPoints {
		return points.Transaction{}, fmt.Errorf("%w: %d points, minimum is %d", ErrBelowMinimum, pointsAmount, engine.policy.MinimumPoints)
	}
	amount, err := points.NewPointsAmount(pointsAmount)
	if err != nil {
		return points.Transaction{}, err
	}
	monthlyTotal, err := engine.MonthlyTotal(ctx, accountID)
	if err != nil {
		return points.Transaction{}, err
	}
	if monthlyTotal+pointsAmount > engine.policy.MonthlyCapPoints {
		return points.Transaction{}, &MonthlyCapError{
			Cap:          engine.policy.MonthlyCapPoints,
			MonthlyTotal: monthlyTotal,
			Requested:    pointsAmount,
		}
	}
	credit := engine.policy.CreditFor(pointsAmount)
	metadata, err := conversionMetadata(pointsAmount, engine.policy.PointsPerUSD, credit)
	if err != nil {
		return points.Transaction{}, err
	}
	return engine.ledger.Convert(
		ctx,
		accountID,
		amount,
		credit,
		"points_to_credits",
		fmt.Sprintf("Converted %d points to %s subscription credit", pointsAmount, credit.StringFixed(2)),
		idempotencyKey,
		metadata,
	)
}

func conversionMetadata(pointsAmount int64, rate int64, credit decimal.Decimal) (points.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"points":         fmt.Sprintf("%d", pointsAmount),
		"points_per_usd": fmt.Sprintf("%d", rate),
		"credit_usd":     credit.StringFixed(2),
	})
	if err != nil {
		return points.MetadataJSON{}, err
	}
	return points.NewMetadataJSON(string(raw))
}

func firstOfMonth(moment time.Time) time.Time {
	utc := moment.UTC()
	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}
