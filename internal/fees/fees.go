// Package fees computes the management and performance fees a vault takes
// when a round closes.
//
// Rates are percentages scaled by FeeMultiplier: 2% is 2_000_000. A fee is
// amount × rate / (100 × FeeMultiplier). The management rate is stored per
// round; PeriodRate converts an annual rate to the vault's round length.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/model"
)

var (
	// FeeMultiplier scales percentage rates.
	FeeMultiplier = decimal.NewFromInt(1_000_000)

	// Scale is the divisor turning a scaled percentage into a fraction.
	Scale = decimal.NewFromInt(100 * 1_000_000)

	// MaxRate is 100%.
	MaxRate = Scale

	// periodsPerYear, scaled by FeeMultiplier.
	periodsPerYear = map[model.Period]decimal.Decimal{
		model.PeriodWeekly:   decimal.NewFromInt(52_142857),
		model.PeriodBiweekly: decimal.NewFromInt(26_071428),
		model.PeriodMonthly:  decimal.NewFromInt(12_000000),
	}

	ErrInvalidRate   = errors.New("fees: rate must be in [0, 100%)")
	ErrInvalidPeriod = errors.New("fees: unsupported period")
)

// Rates are the per-round fee rates of a vault.
type Rates struct {
	Management  decimal.Decimal
	Performance decimal.Decimal
}

// Validate checks both rates are in [0, MaxRate).
func (r Rates) Validate() error {
	if err := ValidateRate(r.Management); err != nil {
		return fmt.Errorf("management: %w", err)
	}
	if err := ValidateRate(r.Performance); err != nil {
		return fmt.Errorf("performance: %w", err)
	}
	return nil
}

// ValidateRate checks a scaled percentage rate.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(MaxRate) || !fixedpoint.IsInteger(rate) {
		return fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return nil
}

// PeriodRate converts an annual management rate to a per-round rate.
func PeriodRate(annual decimal.Decimal, period model.Period) (decimal.Decimal, error) {
	if err := ValidateRate(annual); err != nil {
		return decimal.Zero, err
	}
	perYear, ok := periodsPerYear[period]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return fixedpoint.MulDivDown(annual, FeeMultiplier, perYear), nil
}

// Inputs is the snapshot of vault accounting taken when a round closes.
type Inputs struct {
	// Balance is the vault's total asset balance at close, after settling
	// the expired option.
	Balance decimal.Decimal
	// LastQueuedWithdrawAmount is the amount reserved for withdrawals
	// priced in earlier rounds. It belongs to withdrawers, not the round.
	LastQueuedWithdrawAmount decimal.Decimal
	// Pending is the vault's total pending deposits for the closing round.
	Pending decimal.Decimal
	// LastLockedAmount is the collateral locked when the round's position
	// opened.
	LastLockedAmount decimal.Decimal
	// HadPosition is false when the round closes without having held an
	// option, in which case there is no performance to charge for.
	HadPosition bool
}

// Fees is the result of a fee computation.
type Fees struct {
	Base        decimal.Decimal `json:"base"`
	Gain        decimal.Decimal `json:"gain"`
	Management  decimal.Decimal `json:"management"`
	Performance decimal.Decimal `json:"performance"`
	Total       decimal.Decimal `json:"total"`
}

// Compute returns the fees for a closing round. The base excludes pending
// deposits and previously queued withdrawals, so fresh deposits are never
// charged. Performance is charged only on a positive gain over the locked
// amount; a losing round pays no performance fee.
func Compute(in Inputs, rates Rates) Fees {
	base := in.Balance.Sub(in.LastQueuedWithdrawAmount).Sub(in.Pending)
	if base.IsNegative() {
		base = decimal.Zero
	}

	gain := decimal.Zero
	if in.HadPosition {
		gain = base.Sub(in.LastLockedAmount)
	}

	f := Fees{
		Base:        base,
		Gain:        gain,
		Management:  decimal.Zero,
		Performance: decimal.Zero,
	}
	if rates.Management.IsPositive() {
		f.Management = fixedpoint.MulDivDown(base, rates.Management, Scale)
	}
	if gain.IsPositive() && rates.Performance.IsPositive() {
		f.Performance = fixedpoint.MulDivDown(gain, rates.Performance, Scale)
	}
	f.Total = f.Management.Add(f.Performance)
	return f
}
