package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/metrics"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/sharemath"
)

// reconcile folds a depositor's receipt from a closed round into
// unredeemed shares on stage.
func (v *Vault) reconcile(stage *model.VaultRecord, account model.Address) model.DepositReceipt {
	r, _ := sharemath.ReconcileReceipt(stage.Receipts[account], stage.State.Round, v.prices, stage.Params.Decimals)
	if _, ok := stage.Receipts[account]; ok {
		stage.Receipts[account] = r
	}
	return r
}

// Deposit credits amount to the caller as pending for the current round.
func (v *Vault) Deposit(ctx context.Context, caller model.Address, amount decimal.Decimal) error {
	return v.DepositFor(ctx, caller, caller, amount)
}

// DepositFor pulls amount from caller and credits creditor.
func (v *Vault) DepositFor(ctx context.Context, caller, creditor model.Address, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if creditor == model.ZeroAddress {
		return fmt.Errorf("%w: creditor", ErrInvalidAddress)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	total, err := v.totalBalance(ctx, stage)
	if err != nil {
		return err
	}
	after := total.Add(amount)
	if after.GreaterThan(stage.Params.Cap) {
		return fmt.Errorf("%w: %s above cap %s", ErrCapExceeded, after, stage.Params.Cap)
	}
	if totalSupply(stage).IsZero() && after.LessThan(stage.Params.MinimumSupply) {
		return fmt.Errorf("%w: %s below minimum supply %s", ErrInsufficientBalance, after, stage.Params.MinimumSupply)
	}

	round := stage.State.Round
	r := v.reconcile(stage, creditor)
	if r.Round == round {
		r.Amount = r.Amount.Add(amount)
	} else {
		r.Round = round
		r.Amount = amount
	}
	stage.Receipts[creditor] = r
	stage.State.TotalPending = stage.State.TotalPending.Add(amount)

	if err := v.ledger.Transfer(ctx, stage.Params.Asset, caller, stage.Address, amount); err != nil {
		return fmt.Errorf("%w: pull deposit: %w", ErrExternal, err)
	}

	e := v.event(stage, model.EventDeposit, creditor)
	e.Amount = amount
	err = v.commit(ctx, stage, nil, true, e)

	metrics.DepositsTotal.WithLabelValues(stage.ID).Add(metrics.Units(amount, stage.Params.Decimals))
	slog.Info("deposit",
		"vault", stage.ID,
		"round", round,
		"account", creditor.Hex(),
		"amount", amount.String(),
	)
	return err
}

// WithdrawInstantly returns part of the caller's deposit made this round,
// before it is converted into shares.
func (v *Vault) WithdrawInstantly(ctx context.Context, caller model.Address, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	r := stage.Receipts[caller]
	if r.Round != stage.State.Round {
		return fmt.Errorf("%w: receipt from round %d", ErrInvalidRound, r.Round)
	}
	if amount.GreaterThan(r.Amount) {
		return fmt.Errorf("%w: %s of %s pending", ErrExceedsAvailable, amount, r.Amount)
	}
	r.Amount = r.Amount.Sub(amount)
	stage.Receipts[caller] = r
	stage.State.TotalPending = stage.State.TotalPending.Sub(amount)

	if err := v.ledger.Transfer(ctx, stage.Params.Asset, stage.Address, caller, amount); err != nil {
		return fmt.Errorf("%w: pay out: %w", ErrExternal, err)
	}

	e := v.event(stage, model.EventInstantWithdraw, caller)
	e.Amount = amount
	err := v.commit(ctx, stage, nil, true, e)
	metrics.WithdrawalsTotal.WithLabelValues(stage.ID, "instant").Add(metrics.Units(amount, stage.Params.Decimals))
	return err
}

// redeem moves shares owed to account out of vault custody. It returns
// the redeem event, or nil when nothing moved.
func (v *Vault) redeem(stage *model.VaultRecord, account model.Address, shares decimal.Decimal, max bool) (*model.Event, error) {
	r := v.reconcile(stage, account)
	if max {
		shares = r.UnredeemedShares
	}
	if shares.GreaterThan(r.UnredeemedShares) {
		return nil, fmt.Errorf("%w: %s of %s unredeemed", ErrExceedsAvailable, shares, r.UnredeemedShares)
	}
	if shares.IsZero() {
		return nil, nil
	}
	r.UnredeemedShares = r.UnredeemedShares.Sub(shares)
	stage.Receipts[account] = r
	moveShares(stage, stage.Address, account, shares)

	e := v.event(stage, model.EventRedeem, account)
	e.Shares = shares
	return &e, nil
}

// Redeem moves shares from vault custody to the caller.
func (v *Vault) Redeem(ctx context.Context, caller model.Address, shares decimal.Decimal) error {
	if err := validAmount(shares); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	e, err := v.redeem(stage, caller, shares, false)
	if err != nil {
		return err
	}
	return v.commit(ctx, stage, nil, false, *e)
}

// MaxRedeem redeems every share owed to the caller and returns the count.
// Nothing owed is not an error.
func (v *Vault) MaxRedeem(ctx context.Context, caller model.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	e, err := v.redeem(stage, caller, decimal.Zero, true)
	if err != nil || e == nil {
		return decimal.Zero, err
	}
	if err := v.commit(ctx, stage, nil, false, *e); err != nil {
		return decimal.Zero, err
	}
	return e.Shares, nil
}

// InitiateWithdraw queues shares for withdrawal at the close of the
// current round. Unredeemed shares are redeemed first. Topping up a
// withdrawal queued this round is allowed.
func (v *Vault) InitiateWithdraw(ctx context.Context, caller model.Address, shares decimal.Decimal) error {
	if err := validAmount(shares); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	round := stage.State.Round

	var events []model.Event
	if r := v.reconcile(stage, caller); r.UnredeemedShares.IsPositive() {
		e, err := v.redeem(stage, caller, decimal.Zero, true)
		if err != nil {
			return err
		}
		events = append(events, *e)
	}

	held := stage.Shares[caller]
	if shares.GreaterThan(held) {
		return fmt.Errorf("%w: %s of %s shares", ErrExceedsAvailable, shares, held)
	}

	w := stage.Withdrawals[caller]
	switch {
	case w.Round == round:
		w.Shares = w.Shares.Add(shares)
	case w.Shares.IsPositive():
		return fmt.Errorf("%w: queued in round %d", ErrExistingWithdraw, w.Round)
	default:
		w = model.Withdrawal{Round: round, Shares: shares}
	}
	stage.Withdrawals[caller] = w
	stage.State.CurrentQueuedWithdrawShares = stage.State.CurrentQueuedWithdrawShares.Add(shares)
	moveShares(stage, caller, stage.Address, shares)

	e := v.event(stage, model.EventInitiateWithdraw, caller)
	e.Shares = shares
	events = append(events, e)
	return v.commit(ctx, stage, nil, false, events...)
}

// CompleteWithdraw pays out a withdrawal queued in a closed round at that
// round's price and burns the shares. It returns the amount paid.
func (v *Vault) CompleteWithdraw(ctx context.Context, caller model.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stage := v.rec.Clone()
	w := stage.Withdrawals[caller]
	if !w.Shares.IsPositive() {
		return decimal.Zero, ErrNotInitiated
	}
	if w.Round >= stage.State.Round {
		return decimal.Zero, fmt.Errorf("%w: withdrawal prices at the close of round %d", ErrRoundNotClosed, w.Round)
	}
	pps, ok := v.prices.Price(w.Round)
	if !ok {
		panic(fmt.Sprintf("vault: round %d closed without a price", w.Round))
	}
	amount := sharemath.SharesToAsset(w.Shares, pps, stage.Params.Decimals)

	stage.State.QueuedWithdrawShares = stage.State.QueuedWithdrawShares.Sub(w.Shares)
	stage.State.LastQueuedWithdrawAmount = stage.State.LastQueuedWithdrawAmount.Sub(amount)
	if stage.State.QueuedWithdrawShares.IsNegative() || stage.State.LastQueuedWithdrawAmount.IsNegative() {
		panic("vault: queued withdrawals went negative")
	}
	custody := stage.Shares[stage.Address]
	if custody.LessThan(w.Shares) {
		panic("vault: queued shares missing from custody")
	}
	stage.Shares[stage.Address] = custody.Sub(w.Shares)
	stage.Withdrawals[caller] = model.Withdrawal{Round: w.Round, Shares: decimal.Zero}

	if amount.IsPositive() {
		if err := v.ledger.Transfer(ctx, stage.Params.Asset, stage.Address, caller, amount); err != nil {
			return decimal.Zero, fmt.Errorf("%w: pay out: %w", ErrExternal, err)
		}
	}

	e := v.event(stage, model.EventCompleteWithdraw, caller)
	e.Amount = amount
	e.Shares = w.Shares
	e.Price = pps
	err := v.commit(ctx, stage, nil, true, e)
	metrics.WithdrawalsTotal.WithLabelValues(stage.ID, "complete").Add(metrics.Units(amount, stage.Params.Decimals))
	slog.Info("withdrawal completed",
		"vault", stage.ID,
		"account", caller.Hex(),
		"shares", w.Shares.String(),
		"amount", amount.String(),
	)
	return amount, err
}
