package store

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

// rowChanges holds the per-account and per-round rows that differ between
// two versions of a vault record.
type rowChanges struct {
	receipts    map[model.Address]model.DepositReceipt
	withdrawals map[model.Address]model.Withdrawal
	shares      map[model.Address]decimal.Decimal
	prices      map[uint64]decimal.Decimal
}

func (c rowChanges) empty() bool {
	return len(c.receipts) == 0 && len(c.withdrawals) == 0 && len(c.shares) == 0 && len(c.prices) == 0
}

// diffRows returns the rows of next that are new or changed since prev.
// A nil prev yields every row.
func diffRows(prev, next *model.VaultRecord) rowChanges {
	c := rowChanges{
		receipts:    make(map[model.Address]model.DepositReceipt),
		withdrawals: make(map[model.Address]model.Withdrawal),
		shares:      make(map[model.Address]decimal.Decimal),
		prices:      make(map[uint64]decimal.Decimal),
	}
	if prev == nil {
		prev = &model.VaultRecord{}
	}

	for addr, r := range next.Receipts {
		old, ok := prev.Receipts[addr]
		if !ok || old.Round != r.Round || !old.Amount.Equal(r.Amount) || !old.UnredeemedShares.Equal(r.UnredeemedShares) {
			c.receipts[addr] = r
		}
	}
	for addr, w := range next.Withdrawals {
		old, ok := prev.Withdrawals[addr]
		if !ok || old.Round != w.Round || !old.Shares.Equal(w.Shares) {
			c.withdrawals[addr] = w
		}
	}
	for addr, bal := range next.Shares {
		old, ok := prev.Shares[addr]
		if !ok || !old.Equal(bal) {
			c.shares[addr] = bal
		}
	}
	// A changed price is still written so the append-only check rejects it.
	for round, price := range next.Prices {
		old, ok := prev.Prices[round]
		if !ok || !old.Equal(price) {
			c.prices[round] = price
		}
	}
	return c
}
