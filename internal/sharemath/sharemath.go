// Package sharemath converts between vault assets and vault shares at a
// round's stamped price-per-share, and holds the append-only table of
// stamped prices.
//
// Prices are integers scaled by 10^decimals where decimals is the vault
// asset's decimal count; shares use the same decimal count. All conversions
// floor, so a conversion round trip can lose dust but never create value.
package sharemath

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/model"
)

// SingleShare is the price of one share in a vault with no supply.
func SingleShare(decimals int32) decimal.Decimal {
	return fixedpoint.Pow10(decimals)
}

// AssetToShares converts an asset amount to shares at price pps.
// A zero price means the round was never stamped, which is a programming
// error.
func AssetToShares(amount, pps decimal.Decimal, decimals int32) decimal.Decimal {
	if !pps.IsPositive() {
		panic(fmt.Sprintf("sharemath: invalid price per share %s", pps))
	}
	return fixedpoint.MulDivDown(amount, SingleShare(decimals), pps)
}

// SharesToAsset converts shares to an asset amount at price pps.
func SharesToAsset(shares, pps decimal.Decimal, decimals int32) decimal.Decimal {
	if !pps.IsPositive() {
		panic(fmt.Sprintf("sharemath: invalid price per share %s", pps))
	}
	return fixedpoint.MulDivDown(shares, pps, SingleShare(decimals))
}

// PricePerShare computes the price for a closing round. Pending deposits
// are excluded from the balance because they convert at this price rather
// than contribute to it.
func PricePerShare(totalSupply, totalBalance, pending decimal.Decimal, decimals int32) decimal.Decimal {
	single := SingleShare(decimals)
	if !totalSupply.IsPositive() {
		return single
	}
	net := totalBalance.Sub(pending)
	if net.IsNegative() {
		net = decimal.Zero
	}
	return fixedpoint.MulDivDown(single, net, totalSupply)
}

// ReconcileReceipt migrates a receipt from a past round: its pending amount
// is converted to shares at that round's stamped price and folded into the
// unredeemed shares. Receipts from the current round come back untouched.
// The returned share count is the total owed to the depositor.
func ReconcileReceipt(receipt model.DepositReceipt, currentRound uint64, prices *PriceTable, decimals int32) (model.DepositReceipt, decimal.Decimal) {
	if receipt.Round == 0 || receipt.Round >= currentRound || receipt.Amount.IsZero() {
		return receipt, receipt.UnredeemedShares
	}
	pps, ok := prices.Price(receipt.Round)
	if !ok {
		panic(fmt.Sprintf("sharemath: round %d closed without a price", receipt.Round))
	}
	owed := receipt.UnredeemedShares.Add(AssetToShares(receipt.Amount, pps, decimals))
	return model.DepositReceipt{
		Round:            receipt.Round,
		Amount:           decimal.Zero,
		UnredeemedShares: owed,
	}, owed
}
