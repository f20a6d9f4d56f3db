package options

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/contract"
	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
)

// DefaultDisputePeriod is how long an expiry price stays contestable.
const DefaultDisputePeriod = 2 * time.Hour

type short struct {
	collateral decimal.Decimal
	minted     decimal.Decimal
	settled    bool
	payoff     decimal.Decimal
}

type series struct {
	meta               contract.Series
	collateral         model.AssetID
	collateralDecimals int32
	shorts             map[model.Address]*short
}

type priceKey struct {
	underlying model.AssetID
	expiry     int64
}

type expiryPrice struct {
	price decimal.Decimal
	setAt time.Time
}

// Simulator is an in-memory option protocol. Collateral is held by the
// simulator's own ledger account and option tokens are ledger assets
// named by their ticker.
type Simulator struct {
	mu            sync.Mutex
	ledger        ledger.Ledger
	account       model.Address
	disputePeriod time.Duration
	now           func() time.Time

	series map[model.OptionID]*series
	spot   map[model.AssetID]decimal.Decimal
	expiry map[priceKey]expiryPrice
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// WithDisputePeriod overrides DefaultDisputePeriod.
func WithDisputePeriod(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.disputePeriod = d }
}

// NewSimulator creates a protocol that custodies collateral at account.
func NewSimulator(l ledger.Ledger, account model.Address, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		ledger:        l,
		account:       account,
		disputePeriod: DefaultDisputePeriod,
		now:           time.Now,
		series:        make(map[model.OptionID]*series),
		spot:          make(map[model.AssetID]decimal.Decimal),
		expiry:        make(map[priceKey]expiryPrice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Account returns the ledger account holding collateral.
func (s *Simulator) Account() model.Address { return s.account }

// SetSpotPrice records the current underlying price (8 decimals).
func (s *Simulator) SetSpotPrice(underlying model.AssetID, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: spot %s", ErrInvalidAmount, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot[underlying] = price
	return nil
}

// SpotPrice returns the latest spot price of underlying.
func (s *Simulator) SpotPrice(_ context.Context, underlying model.AssetID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.spot[underlying]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoSpotPrice, underlying)
	}
	return p, nil
}

// SetExpiryPrice fixes the settlement price of underlying for an expiry.
// The dispute period starts now.
func (s *Simulator) SetExpiryPrice(underlying model.AssetID, expiry time.Time, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: expiry price %s", ErrInvalidAmount, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := priceKey{underlying, expiry.Unix()}
	if _, ok := s.expiry[k]; ok {
		return ErrExpiryPriceFixed
	}
	s.expiry[k] = expiryPrice{price: price, setAt: s.now()}
	return nil
}

func (s *Simulator) lookup(id model.OptionID) (*series, error) {
	se, ok := s.series[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOption, id)
	}
	return se, nil
}

func (s *Simulator) priceOf(se *series) (expiryPrice, bool) {
	p, ok := s.expiry[priceKey{se.meta.Underlying, se.meta.Expiry.Unix()}]
	return p, ok
}

// MintOptions implements Protocol.
func (s *Simulator) MintOptions(ctx context.Context, req MintRequest) (model.OptionID, decimal.Decimal, error) {
	if !req.Amount.IsPositive() {
		return "", decimal.Zero, ErrInvalidAmount
	}
	id, err := contract.FormatTicker(req.Underlying, req.Expiry, req.Strike, req.IsPut)
	if err != nil {
		return "", decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.now().Before(req.Expiry) {
		return "", decimal.Zero, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	collateral := fixedpoint.MustNew(req.Amount, req.CollateralDecimals)
	var minted decimal.Decimal
	if req.IsPut {
		perStrike := fixedpoint.MulDivDown(req.Amount, fixedpoint.Pow10(model.OptionDecimals), req.Strike)
		minted = fixedpoint.MustNew(perStrike, req.CollateralDecimals).ScaleTo(model.OptionDecimals).Value
	} else {
		minted = collateral.ScaleTo(model.OptionDecimals).Value
	}
	if !minted.IsPositive() {
		return "", decimal.Zero, ErrZeroMint
	}

	se, ok := s.series[id]
	if !ok {
		se = &series{
			meta: contract.Series{
				Ticker:     id,
				Underlying: req.Underlying,
				Strike:     req.Strike,
				IsPut:      req.IsPut,
				Expiry:     req.Expiry.UTC(),
			},
			collateral:         req.Collateral,
			collateralDecimals: req.CollateralDecimals,
			shorts:             make(map[model.Address]*short),
		}
	}

	if err := s.ledger.Transfer(ctx, req.Collateral, req.Writer, s.account, req.Amount); err != nil {
		return "", decimal.Zero, fmt.Errorf("lock collateral: %w", err)
	}
	if err := s.ledger.Mint(ctx, model.AssetID(id), req.Writer, minted); err != nil {
		err = fmt.Errorf("mint %s: %w", id, err)
		if rerr := s.ledger.Transfer(ctx, req.Collateral, s.account, req.Writer, req.Amount); rerr != nil {
			return "", decimal.Zero, errors.Join(err, fmt.Errorf("refund collateral: %w", rerr))
		}
		return "", decimal.Zero, err
	}

	s.series[id] = se
	sh, ok := se.shorts[req.Writer]
	if !ok || sh.settled {
		sh = &short{}
		se.shorts[req.Writer] = sh
	}
	sh.collateral = sh.collateral.Add(req.Amount)
	sh.minted = sh.minted.Add(minted)
	return id, minted, nil
}

// payoff is the collateral owed to holders of amount options.
func payoff(se *series, price, amount decimal.Decimal) decimal.Decimal {
	k := se.meta.Strike
	if se.meta.IsPut {
		if price.GreaterThanOrEqual(k) {
			return decimal.Zero
		}
		intrinsic := fixedpoint.MustNew(amount, model.OptionDecimals).
			Mul(fixedpoint.MustNew(k.Sub(price), model.OptionDecimals))
		return intrinsic.ScaleTo(se.collateralDecimals).Value
	}
	if price.LessThanOrEqual(k) {
		return decimal.Zero
	}
	units := fixedpoint.MustNew(amount, model.OptionDecimals).ScaleTo(se.collateralDecimals).Value
	return fixedpoint.MulDivDown(units, price.Sub(k), price)
}

// Settle implements Protocol.
func (s *Simulator) Settle(ctx context.Context, writer model.Address, id model.OptionID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	sh, ok := se.shorts[writer]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, id)
	}
	if sh.settled {
		return sh.payoff, nil
	}
	if s.now().Before(se.meta.Expiry) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotExpired, id)
	}
	p, ok := s.priceOf(se)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoExpiryPrice, id)
	}

	owed := decimal.Min(payoff(se, p.price, sh.minted), sh.collateral)
	released := sh.collateral.Sub(owed)
	if released.IsPositive() {
		if err := s.ledger.Transfer(ctx, se.collateral, s.account, writer, released); err != nil {
			return decimal.Zero, fmt.Errorf("release collateral: %w", err)
		}
	}
	sh.settled = true
	sh.payoff = owed
	sh.collateral = decimal.Zero
	return owed, nil
}

// Burn implements Protocol.
func (s *Simulator) Burn(ctx context.Context, writer model.Address, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	se, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	sh, ok := se.shorts[writer]
	if !ok || sh.settled {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, id)
	}
	if amount.GreaterThan(sh.minted) {
		return decimal.Zero, fmt.Errorf("%w: burn %s of %s", ErrInvalidAmount, amount, sh.minted)
	}

	released := fixedpoint.MulDivDown(sh.collateral, amount, sh.minted)
	if err := s.ledger.Burn(ctx, model.AssetID(id), writer, amount); err != nil {
		return decimal.Zero, fmt.Errorf("burn %s: %w", id, err)
	}
	if released.IsPositive() {
		if err := s.ledger.Transfer(ctx, se.collateral, s.account, writer, released); err != nil {
			return decimal.Zero, fmt.Errorf("release collateral: %w", err)
		}
	}
	sh.minted = sh.minted.Sub(amount)
	sh.collateral = sh.collateral.Sub(released)
	return released, nil
}

// Redeem pays a holder the settlement value of amount expired options and
// burns them.
func (s *Simulator) Redeem(ctx context.Context, holder model.Address, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	se, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	if s.now().Before(se.meta.Expiry) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotExpired, id)
	}
	p, ok := s.priceOf(se)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoExpiryPrice, id)
	}

	payout := payoff(se, p.price, amount)
	transfers := []ledger.Transfer{}
	if payout.IsPositive() {
		transfers = append(transfers, ledger.Transfer{Asset: se.collateral, From: s.account, To: holder, Amount: payout})
	}
	if err := s.ledger.Burn(ctx, model.AssetID(id), holder, amount); err != nil {
		return decimal.Zero, fmt.Errorf("burn %s: %w", id, err)
	}
	if len(transfers) > 0 {
		if err := s.ledger.TransferBatch(ctx, transfers); err != nil {
			return decimal.Zero, fmt.Errorf("pay holder: %w", err)
		}
	}
	return payout, nil
}

// SettlementValue implements Protocol.
func (s *Simulator) SettlementValue(_ context.Context, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, err := s.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := s.priceOf(se)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoExpiryPrice, id)
	}
	return payoff(se, p.price, amount), nil
}

// Expiry implements Protocol.
func (s *Simulator) Expiry(_ context.Context, id model.OptionID) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, err := s.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	return se.meta.Expiry, nil
}

// IsDisputePeriodOver implements Protocol.
func (s *Simulator) IsDisputePeriodOver(_ context.Context, id model.OptionID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	p, ok := s.priceOf(se)
	if !ok {
		return false, nil
	}
	return !s.now().Before(p.setAt.Add(s.disputePeriod)), nil
}
