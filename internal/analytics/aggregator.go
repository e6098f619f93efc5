// Package analytics summarizes an account's transaction log. It is a
// reporting view: it tolerates staleness and must never authorize a charge.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
	"github.com/shopspring/decimal"
)

// AccountSummary folds the log by transaction type. Totals are reported as
// positive magnitudes.
type AccountSummary struct {
	AccountID          string
	Balance            int64
	SubscriptionCredit decimal.Decimal
	TotalEarned        int64
	TotalSpent         int64
	TotalRefunded      int64
	TotalConverted     int64
	Month              MonthlySummary
}

// MonthlySummary is the current-calendar-month slice of the same fold.
type MonthlySummary struct {
	Earned    int64
	Spent     int64
	Refunded  int64
	Converted int64
}

// Aggregator reads the ledger and produces summaries.
type Aggregator struct {
	ledger *points.Service
	nowFn  func() time.Time
}

// NewAggregator wires an Aggregator.
func NewAggregator(ledger *points.Service, now func() time.Time) (*Aggregator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", points.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", points.ErrInvalidServiceConfig)
	}
	return &Aggregator{ledger: ledger, nowFn: now}, nil
}

// Summarize folds the account's log all-time and for the current month.
func (aggregator *Aggregator) Summarize(ctx context.Context, accountID points.AccountID) (AccountSummary, error) {
	account, err := aggregator.ledger.Balance(ctx, accountID)
	if err != nil {
		return AccountSummary{}, err
	}
	allTime, err := aggregator.ledger.TotalsByType(ctx, accountID, 0)
	if err != nil {
		return AccountSummary{}, err
	}
	monthStart := firstOfMonth(aggregator.nowFn())
	monthly, err := aggregator.ledger.TotalsByType(ctx, accountID, monthStart.Unix())
	if err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{
		AccountID:          accountID.String(),
		Balance:            account.Balance,
		SubscriptionCredit: account.SubscriptionCredit,
		TotalEarned:        allTime[points.TypeEarn],
		TotalSpent:         -allTime[points.TypeSpend],
		TotalRefunded:      allTime[points.TypeRefund],
		TotalConverted:     -allTime[points.TypeConversion],
		Month: MonthlySummary{
			Earned:    monthly[points.TypeEarn],
			Spent:     -monthly[points.TypeSpend],
			Refunded:  monthly[points.TypeRefund],
			Converted: -monthly[points.TypeConversion],
		},
	}, nil
}

func firstOfMonth(moment time.Time) time.Time {
	utc := moment.UTC()
	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}
