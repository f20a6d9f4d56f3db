package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/contract"
	"github.com/atmx/options-vault/internal/fees"
	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/metrics"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/options"
	"github.com/atmx/options-vault/internal/sharemath"
)

// Phase is the lifecycle state derived from the option position and the
// clock.
type Phase string

const (
	PhaseIdle      Phase = "idle"      // no option, nothing committed
	PhaseCommitted Phase = "committed" // next option chosen, not minted
	PhaseLocked    Phase = "locked"    // option minted and unexpired
	PhaseClosing   Phase = "closing"   // option expired, round not closed
)

// Phase reports the current lifecycle state.
func (v *Vault) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase(v.rec)
}

func (v *Vault) phase(rec *model.VaultRecord) Phase {
	p := rec.Position
	switch {
	case p.CurrentOption != "" && v.now().Before(p.CurrentExpiry):
		return PhaseLocked
	case p.CurrentOption != "":
		return PhaseClosing
	case p.NextOption != "":
		return PhaseCommitted
	}
	return PhaseIdle
}

// CommitNextOption picks next round's option: expiry from the period,
// strike from the selector or the manager's override, premium from the
// pricer. Committing again before the roll replaces the choice.
func (v *Vault) CommitNextOption(ctx context.Context, caller model.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Manager, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	e, err := v.commitNext(ctx, stage, caller)
	if err != nil {
		return err
	}
	return v.commit(ctx, stage, nil, false, e)
}

func (v *Vault) commitNext(ctx context.Context, stage *model.VaultRecord, caller model.Address) (model.Event, error) {
	now := v.now()
	if stage.Position.CurrentOption != "" && now.Before(stage.Position.CurrentExpiry) {
		return model.Event{}, fmt.Errorf("%w: %s expires %s", ErrRoundNotClosed,
			stage.Position.CurrentOption, stage.Position.CurrentExpiry.Format(time.RFC3339))
	}

	expiry, err := contract.NextExpiry(now, stage.Config.Period)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	isPut := stage.Params.IsPut
	var strike decimal.Decimal
	if o := stage.Config.StrikeOverride; o.Round == stage.State.Round && o.Strike.IsPositive() {
		strike = o.Strike
	} else {
		strike, _, err = v.strikes.GetStrikePrice(ctx, expiry, isPut)
		if err != nil {
			return model.Event{}, fmt.Errorf("%w: strike: %w", ErrExternal, err)
		}
	}
	premium, err := v.pricer.Premium(ctx, strike, expiry, isPut)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: premium: %w", ErrExternal, err)
	}
	ticker, err := contract.FormatTicker(stage.Params.Underlying, expiry, strike, isPut)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: strike: %w", ErrExternal, err)
	}

	p := &stage.Position
	p.NextOption = ticker
	p.NextStrike = strike
	p.NextExpiry = expiry
	p.NextPremium = premium
	p.NextOptionReadyAt = now.Add(stage.Config.Delay).UTC()

	slog.Info("option committed",
		"vault", stage.ID,
		"round", stage.State.Round,
		"option", ticker,
		"premium", premium.String(),
		"ready_at", p.NextOptionReadyAt,
	)
	e := v.event(stage, model.EventCommitOption, caller)
	e.Option = ticker
	e.Price = premium
	return e, nil
}

// CommitReroll commits the open option again so a later roll can top up
// the position with newly free collateral.
func (v *Vault) CommitReroll(ctx context.Context, caller model.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Manager, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	if v.phase(stage) != PhaseLocked {
		return fmt.Errorf("%w: no open option to reroll", ErrNoNextOption)
	}
	p := &stage.Position
	premium, err := v.pricer.Premium(ctx, p.CurrentStrike, p.CurrentExpiry, stage.Params.IsPut)
	if err != nil {
		return fmt.Errorf("%w: premium: %w", ErrExternal, err)
	}
	p.NextOption = p.CurrentOption
	p.NextStrike = p.CurrentStrike
	p.NextExpiry = p.CurrentExpiry
	p.NextPremium = premium
	p.NextOptionReadyAt = v.now().UTC()

	e := v.event(stage, model.EventCommitOption, caller)
	e.Option = p.NextOption
	e.Price = premium
	return v.commit(ctx, stage, nil, false, e)
}

// RollToNextOption mints the committed option against the vault's free
// collateral and opens an auction for the minted inventory. Rolling into
// the open option again tops the position up.
func (v *Vault) RollToNextOption(ctx context.Context, caller model.Address) error {
	defer metrics.ObserveSince("roll", time.Now())

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	p := &stage.Position
	now := v.now()

	if p.NextOption == "" {
		return ErrNoNextOption
	}
	if now.Before(p.NextOptionReadyAt) {
		return fmt.Errorf("%w: ready at %s", ErrDelayNotElapsed, p.NextOptionReadyAt.Format(time.RFC3339))
	}
	reroll := false
	if p.CurrentOption != "" {
		if !now.Before(p.CurrentExpiry) {
			return fmt.Errorf("%w: %s expired", ErrRoundNotClosed, p.CurrentOption)
		}
		if p.NextOption != p.CurrentOption {
			return fmt.Errorf("%w: %s is open", ErrPositionLocked, p.CurrentOption)
		}
		reroll = true
	}
	if !now.Before(p.NextExpiry) {
		return fmt.Errorf("%w: %s already expired, commit again", ErrNoNextOption, p.NextOption)
	}

	free, err := v.assetBalance(ctx)
	if err != nil {
		return err
	}
	lockable := free.Sub(stage.State.LastQueuedWithdrawAmount).Sub(stage.State.TotalPending)
	lock := lockable
	if v.reserve > 0 && lock.IsPositive() {
		lock = fixedpoint.MulDivDown(lock, decimal.NewFromInt(10_000-v.reserve), decimal.NewFromInt(10_000))
	}
	if !lock.IsPositive() {
		if reroll {
			clearNext(p)
			return v.commit(ctx, stage, nil, false)
		}
		return fmt.Errorf("%w: free %s, reserved %s", ErrNoCollateral, free,
			stage.State.LastQueuedWithdrawAmount.Add(stage.State.TotalPending))
	}

	id, minted, err := v.protocol.MintOptions(ctx, options.MintRequest{
		Writer:             stage.Address,
		Underlying:         stage.Params.Underlying,
		Collateral:         stage.Params.Asset,
		CollateralDecimals: stage.Params.Decimals,
		Strike:             p.NextStrike,
		Expiry:             p.NextExpiry,
		IsPut:              stage.Params.IsPut,
		Amount:             lock,
	})
	if err != nil {
		return fmt.Errorf("%w: mint: %w", ErrExternal, err)
	}
	if id != p.NextOption {
		panic(fmt.Sprintf("vault: minted %s, committed %s", id, p.NextOption))
	}

	premium := p.NextPremium
	p.CurrentOption = p.NextOption
	p.CurrentStrike = p.NextStrike
	p.CurrentExpiry = p.NextExpiry
	clearNext(p)
	stage.State.LockedAmount = stage.State.LockedAmount.Add(lock)
	if !reroll {
		// The reserve stays in the vault, so it is part of the hurdle.
		stage.State.BasisAmount = lockable
	}

	events := []model.Event{func() model.Event {
		e := v.event(stage, model.EventOpenShort, caller)
		e.Option = id
		e.Amount = lock
		e.Shares = minted
		return e
	}()}

	slog.Info("rolled to next option",
		"vault", stage.ID,
		"round", stage.State.Round,
		"option", id,
		"locked", lock.String(),
		"minted", minted.String(),
	)

	// The mint has happened; an auction failure must not lose it.
	auctionErr := v.openAuction(ctx, stage, premium)
	if err := v.commit(ctx, stage, nil, true, events...); err != nil {
		return err
	}
	return auctionErr
}

func clearNext(p *model.OptionPosition) {
	p.NextOption = ""
	p.NextStrike = decimal.Zero
	p.NextExpiry = time.Time{}
	p.NextPremium = decimal.Zero
	p.NextOptionReadyAt = time.Time{}
}

// openAuction offers the vault's whole inventory of the current option.
// An open offer for the option is cancelled first.
func (v *Vault) openAuction(ctx context.Context, stage *model.VaultRecord, premium decimal.Decimal) error {
	p := &stage.Position
	if p.OfferID != 0 {
		if o, err := v.clearer.Offer(p.OfferID); err == nil && o.Open {
			if err := v.clearer.CancelOffer(ctx, stage.Address, p.OfferID); err != nil {
				return fmt.Errorf("%w: cancel offer %d: %w", ErrExternal, p.OfferID, err)
			}
		}
	}

	inventory, err := v.ledger.BalanceOf(ctx, model.AssetID(p.CurrentOption), stage.Address)
	if err != nil {
		return fmt.Errorf("%w: inventory: %w", ErrExternal, err)
	}
	if !inventory.IsPositive() {
		return nil
	}

	minPrice := fixedpoint.MulDivDown(premium, stage.Config.PremiumDiscount, decimal.NewFromInt(PremiumDiscountScale))
	if !minPrice.IsPositive() {
		minPrice = decimal.NewFromInt(1)
	}
	minBid := decimal.Min(stage.Config.AuctionMinBidSize, inventory)

	id, err := v.clearer.CreateOffer(ctx, stage.Address, p.CurrentOption, stage.Params.Asset, minPrice, minBid, inventory)
	if id != 0 {
		p.OfferID = id
	}
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrExternal, err)
	}
	return nil
}

// StartAuction opens an offer for unsold inventory of the current option
// when none is open, e.g. after a failed or cancelled auction.
func (v *Vault) StartAuction(ctx context.Context, caller model.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	if v.phase(stage) != PhaseLocked {
		return fmt.Errorf("%w: no open option", ErrNoAuction)
	}
	if o, err := v.clearer.Offer(stage.Position.OfferID); err == nil && o.Open {
		return fmt.Errorf("%w: offer %d", ErrAuctionNotNeeded, o.ID)
	}
	premium, err := v.pricer.Premium(ctx, stage.Position.CurrentStrike, stage.Position.CurrentExpiry, stage.Params.IsPut)
	if err != nil {
		return fmt.Errorf("%w: premium: %w", ErrExternal, err)
	}
	if err := v.openAuction(ctx, stage, premium); err != nil {
		return err
	}
	return v.commit(ctx, stage, nil, true)
}

// SettleAuction clears bids against the current offer with the vault as
// seller. Proceeds land in the vault's free balance.
func (v *Vault) SettleAuction(ctx context.Context, caller model.Address, bids []model.Bid) (auction.Settlement, error) {
	defer metrics.ObserveSince("settle_auction", time.Now())

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return auction.Settlement{}, err
	}
	rec := v.rec
	if rec.Position.OfferID == 0 {
		return auction.Settlement{}, ErrNoAuction
	}

	res, err := v.clearer.SettleOffer(ctx, rec.Address, rec.Position.OfferID, bids)
	if err != nil && res.Bids == 0 {
		metrics.BidRejections.Inc()
		slog.Warn("auction bids rejected",
			"vault", rec.ID,
			"offer", rec.Position.OfferID,
			"bids", len(bids),
			"err", err,
		)
		return auction.Settlement{}, fmt.Errorf("%w: settle offer: %w", ErrExternal, err)
	}

	metrics.AuctionFills.WithLabelValues(rec.ID).Add(metrics.Units(res.Filled, model.OptionDecimals))
	e := v.event(rec, model.EventAuctionSettled, caller)
	e.Option = rec.Position.CurrentOption
	e.Amount = res.Proceeds
	e.Shares = res.Filled
	emitErr := v.emit(ctx, e)
	if err != nil {
		// Bids settled but the book was not persisted.
		return res, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return res, emitErr
}

// CancelAuction closes the current offer; unsold inventory stays in the
// vault until burned.
func (v *Vault) CancelAuction(ctx context.Context, caller model.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return err
	}
	if v.rec.Position.OfferID == 0 {
		return ErrNoAuction
	}
	if err := v.clearer.CancelOffer(ctx, v.rec.Address, v.rec.Position.OfferID); err != nil {
		return fmt.Errorf("%w: cancel offer: %w", ErrExternal, err)
	}
	return nil
}

// BurnRemainingOTokens returns unsold inventory to the options protocol
// and unlocks the released collateral.
func (v *Vault) BurnRemainingOTokens(ctx context.Context, caller model.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return decimal.Zero, err
	}
	stage := v.rec.Clone()
	p := &stage.Position
	if p.CurrentOption == "" {
		return decimal.Zero, ErrNoOTokensToBurn
	}
	if o, err := v.clearer.Offer(p.OfferID); err == nil && o.Open {
		return decimal.Zero, fmt.Errorf("%w: offer %d has %s left", ErrAuctionOpen, o.ID, o.AvailableSize)
	}
	unsold, err := v.ledger.BalanceOf(ctx, model.AssetID(p.CurrentOption), stage.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: inventory: %w", ErrExternal, err)
	}
	if !unsold.IsPositive() {
		return decimal.Zero, ErrNoOTokensToBurn
	}

	released, err := v.protocol.Burn(ctx, stage.Address, p.CurrentOption, unsold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: burn: %w", ErrExternal, err)
	}
	locked := stage.State.LockedAmount.Sub(released)
	if locked.IsNegative() {
		panic(fmt.Sprintf("vault: burn released %s above locked %s", released, stage.State.LockedAmount))
	}
	stage.State.LockedAmount = locked

	e := v.event(stage, model.EventBurnOTokens, caller)
	e.Option = p.CurrentOption
	e.Amount = released
	e.Shares = unsold
	slog.Info("burned unsold otokens",
		"vault", stage.ID,
		"option", p.CurrentOption,
		"burned", unsold.String(),
		"released", released.String(),
	)
	return released, v.commit(ctx, stage, nil, true, e)
}

// CloseRound settles the expired option, takes fees, stamps the round's
// price per share, prices the queued withdrawals and converts pending
// deposits into shares.
func (v *Vault) CloseRound(ctx context.Context, caller model.Address) error {
	defer metrics.ObserveSince("close", time.Now())

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	prices := v.prices.Clone()
	events, err := v.closeRound(ctx, stage, prices, caller)
	if err != nil {
		return err
	}
	return v.commit(ctx, stage, prices, true, events...)
}

// CommitAndClose closes the round, then commits the next option.
func (v *Vault) CommitAndClose(ctx context.Context, caller model.Address) error {
	defer metrics.ObserveSince("commit_and_close", time.Now())

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Keeper, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	prices := v.prices.Clone()
	events, err := v.closeRound(ctx, stage, prices, caller)
	if err != nil {
		return err
	}
	e, err := v.commitNext(ctx, stage, caller)
	if err != nil {
		// The close already moved funds; keep it and report the commit.
		if cerr := v.commit(ctx, stage, prices, true, events...); cerr != nil {
			return cerr
		}
		return err
	}
	return v.commit(ctx, stage, prices, true, append(events, e)...)
}

func (v *Vault) closeRound(ctx context.Context, stage *model.VaultRecord, prices *sharemath.PriceTable, caller model.Address) ([]model.Event, error) {
	p := &stage.Position
	st := &stage.State
	dec := stage.Params.Decimals
	round := st.Round
	now := v.now()
	var events []model.Event

	hadPosition := p.CurrentOption != ""
	if hadPosition {
		expiresAt, err := v.protocol.Expiry(ctx, p.CurrentOption)
		if err != nil {
			return nil, fmt.Errorf("%w: expiry: %w", ErrExternal, err)
		}
		if now.Before(expiresAt) {
			return nil, fmt.Errorf("%w: %s expires %s", ErrRoundNotClosed, p.CurrentOption, expiresAt.Format(time.RFC3339))
		}
		over, err := v.protocol.IsDisputePeriodOver(ctx, p.CurrentOption)
		if err != nil {
			return nil, fmt.Errorf("%w: dispute period: %w", ErrExternal, err)
		}
		if !over {
			return nil, fmt.Errorf("%w: expiry price of %s not final", ErrRoundNotClosed, p.CurrentOption)
		}
		unsold, err := v.ledger.BalanceOf(ctx, model.AssetID(p.CurrentOption), stage.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: inventory: %w", ErrExternal, err)
		}
		if unsold.IsPositive() {
			return nil, fmt.Errorf("%w: %s of %s", ErrUnsoldInventory, unsold, p.CurrentOption)
		}

		payoff, err := v.protocol.Settle(ctx, stage.Address, p.CurrentOption)
		if err != nil {
			return nil, fmt.Errorf("%w: settle: %w", ErrExternal, err)
		}
		e := v.event(stage, model.EventSettleShort, caller)
		e.Option = p.CurrentOption
		e.Amount = payoff
		events = append(events, e)
	}

	balance, err := v.assetBalance(ctx)
	if err != nil {
		return nil, err
	}
	f := fees.Compute(fees.Inputs{
		Balance:                  balance,
		LastQueuedWithdrawAmount: st.LastQueuedWithdrawAmount,
		Pending:                  st.TotalPending,
		LastLockedAmount:         st.BasisAmount,
		HadPosition:              hadPosition,
	}, fees.Rates{Management: stage.Config.ManagementFee, Performance: stage.Config.PerformanceFee})
	if f.Total.IsPositive() {
		if err := v.ledger.Transfer(ctx, stage.Params.Asset, stage.Address, stage.Roles.FeeRecipient, f.Total); err != nil {
			return nil, fmt.Errorf("%w: fee transfer: %w", ErrExternal, err)
		}
		e := v.event(stage, model.EventFeeCollected, stage.Roles.FeeRecipient)
		e.Amount = f.Total
		events = append(events, e)
		metrics.FeesTotal.WithLabelValues(stage.ID, "management").Add(metrics.Units(f.Management, dec))
		metrics.FeesTotal.WithLabelValues(stage.ID, "performance").Add(metrics.Units(f.Performance, dec))
	}
	balance = balance.Sub(f.Total)

	supply := totalSupply(stage)
	pps := sharemath.PricePerShare(
		supply.Sub(st.QueuedWithdrawShares),
		balance.Sub(st.LastQueuedWithdrawAmount),
		st.TotalPending,
		dec,
	)
	if !pps.IsPositive() {
		// Total loss: keep the table convertible.
		pps = decimal.NewFromInt(1)
	}
	prices.Stamp(round, pps)

	queuedAmount := st.LastQueuedWithdrawAmount.Add(sharemath.SharesToAsset(st.CurrentQueuedWithdrawShares, pps, dec))
	minted := sharemath.AssetToShares(st.TotalPending, pps, dec)
	if minted.IsPositive() {
		stage.Shares[stage.Address] = stage.Shares[stage.Address].Add(minted)
	}

	converted := st.TotalPending
	st.QueuedWithdrawShares = st.QueuedWithdrawShares.Add(st.CurrentQueuedWithdrawShares)
	st.CurrentQueuedWithdrawShares = decimal.Zero
	st.LastQueuedWithdrawAmount = queuedAmount
	st.TotalPending = decimal.Zero
	st.LastLockedAmount = st.BasisAmount
	st.LockedAmount = decimal.Zero
	st.BasisAmount = decimal.Zero
	st.Round = round + 1

	p.CurrentOption = ""
	p.CurrentStrike = decimal.Zero
	p.CurrentExpiry = time.Time{}
	p.OfferID = 0

	e := v.event(stage, model.EventCloseRound, caller)
	e.Round = round
	e.Amount = converted
	e.Shares = minted
	e.Price = pps
	events = append(events, e)

	slog.Info("round closed",
		"vault", stage.ID,
		"round", round,
		"price_per_share", pps.String(),
		"fees", f.Total.String(),
		"minted", minted.String(),
		"queued_withdraw_amount", queuedAmount.String(),
	)
	return events, nil
}
