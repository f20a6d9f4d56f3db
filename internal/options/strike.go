package options

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/model"
)

var ErrInvalidSelector = errors.New("options: invalid strike selector config")

// SpotSource reports the current price of an underlying (8 decimals).
type SpotSource interface {
	SpotPrice(ctx context.Context, underlying model.AssetID) (decimal.Decimal, error)
}

// StepStrikeSelector places the strike a fixed distance out of the money
// and rounds it onto a strike grid: up for calls, down for puts.
type StepStrikeSelector struct {
	Spot       SpotSource
	Underlying model.AssetID
	Step       decimal.Decimal // 8 decimals
	OTMBps     int64           // distance from spot in basis points
	Delta      decimal.Decimal // reported as-is, 4 decimals
}

// GetStrikePrice implements StrikeSelector.
func (s StepStrikeSelector) GetStrikePrice(ctx context.Context, _ time.Time, isPut bool) (decimal.Decimal, decimal.Decimal, error) {
	if !s.Step.IsPositive() || s.OTMBps < 0 || s.OTMBps >= 10_000 {
		return decimal.Zero, decimal.Zero, ErrInvalidSelector
	}
	spot, err := s.Spot.SpotPrice(ctx, s.Underlying)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("spot price: %w", err)
	}

	bps := decimal.NewFromInt(10_000)
	var strike decimal.Decimal
	if isPut {
		target := fixedpoint.MulDivDown(spot, bps.Sub(decimal.NewFromInt(s.OTMBps)), bps)
		strike = fixedpoint.FloorDiv(target, s.Step).Mul(s.Step)
	} else {
		target := fixedpoint.MulDivDown(spot, bps.Add(decimal.NewFromInt(s.OTMBps)), bps)
		steps := fixedpoint.FloorDiv(target, s.Step)
		if !steps.Mul(s.Step).Equal(target) {
			steps = steps.Add(decimal.NewFromInt(1))
		}
		strike = steps.Mul(s.Step)
	}
	if !strike.IsPositive() {
		strike = s.Step
	}
	return strike, s.Delta, nil
}

// FlatPricer quotes a fixed fraction of notional: of one underlying for
// calls, of the strike for puts. Rate is in basis points.
type FlatPricer struct {
	RateBps  int64
	Decimals int32 // vault asset decimals
}

// Premium implements Pricer.
func (p FlatPricer) Premium(_ context.Context, strike decimal.Decimal, _ time.Time, isPut bool) (decimal.Decimal, error) {
	if p.RateBps <= 0 {
		return decimal.Zero, fmt.Errorf("%w: premium rate %d", ErrInvalidAmount, p.RateBps)
	}
	bps := decimal.NewFromInt(10_000)
	rate := decimal.NewFromInt(p.RateBps)
	if isPut {
		notional := fixedpoint.MustNew(strike, model.OptionDecimals).ScaleTo(p.Decimals).Value
		return fixedpoint.MulDivDown(notional, rate, bps), nil
	}
	return fixedpoint.MulDivDown(fixedpoint.Pow10(p.Decimals), rate, bps), nil
}
