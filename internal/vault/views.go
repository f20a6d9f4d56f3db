package vault

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/sharemath"
)

// ShareBalances returns the shares account holds directly and the shares
// still owed to it in vault custody.
func (v *Vault) ShareBalances(account model.Address) (held, inVault decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shareBalances(account)
}

func (v *Vault) shareBalances(account model.Address) (decimal.Decimal, decimal.Decimal) {
	_, owed := sharemath.ReconcileReceipt(v.rec.Receipts[account], v.rec.State.Round, v.prices, v.rec.Params.Decimals)
	return v.rec.Shares[account], owed
}

// Shares is held plus unredeemed shares of account.
func (v *Vault) Shares(account model.Address) decimal.Decimal {
	held, inVault := v.ShareBalances(account)
	return held.Add(inVault)
}

// TotalSupply is the number of shares in existence, custody included.
func (v *Vault) TotalSupply() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return totalSupply(v.rec)
}

// TotalBalance is the vault's asset balance plus collateral locked in the
// option.
func (v *Vault) TotalBalance(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalBalance(ctx, v.rec)
}

// PricePerShare is the live price: total balance net of pending deposits
// over total supply.
func (v *Vault) PricePerShare(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.livePrice(ctx)
}

func (v *Vault) livePrice(ctx context.Context) (decimal.Decimal, error) {
	total, err := v.totalBalance(ctx, v.rec)
	if err != nil {
		return decimal.Zero, err
	}
	return sharemath.PricePerShare(totalSupply(v.rec), total, v.rec.State.TotalPending, v.rec.Params.Decimals), nil
}

// AccountVaultBalance values all shares of account at the live price.
func (v *Vault) AccountVaultBalance(ctx context.Context, account model.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pps, err := v.livePrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	held, inVault := v.shareBalances(account)
	return sharemath.SharesToAsset(held.Add(inVault), pps, v.rec.Params.Decimals), nil
}

// RoundPricePerShare returns the price stamped when round closed.
func (v *Vault) RoundPricePerShare(round uint64) (decimal.Decimal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prices.Price(round)
}

// PriceHistory returns the stamped prices in round order.
func (v *Vault) PriceHistory() []model.RoundPrice {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]model.RoundPrice, 0, v.prices.Len())
	for _, r := range v.prices.Rounds() {
		p, _ := v.prices.Price(r)
		out = append(out, model.RoundPrice{Round: r, Price: p})
	}
	return out
}

// DepositReceipt returns account's receipt as stored.
func (v *Vault) DepositReceipt(account model.Address) model.DepositReceipt {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec.Receipts[account]
}

// Withdrawal returns account's queued withdrawal.
func (v *Vault) Withdrawal(account model.Address) model.Withdrawal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec.Withdrawals[account]
}

// State returns the accounting state.
func (v *Vault) State() model.VaultState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec.State
}

// Position returns the option position.
func (v *Vault) Position() model.OptionPosition {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec.Position
}

// Snapshot returns a deep copy of the whole record.
func (v *Vault) Snapshot() *model.VaultRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec.Clone()
}
