package sharemath

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-vault/internal/model"
)

func i(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestPricePerShare_NoSupplyIsOne(t *testing.T) {
	for _, dec := range []int32{6, 8, 18} {
		pps := PricePerShare(decimal.Zero, i(123456), i(100), dec)
		assert.True(t, pps.Equal(SingleShare(dec)), "decimals %d", dec)
	}
}

func TestPricePerShare_ExcludesPending(t *testing.T) {
	// 100 shares backed by 110 after a profitable round, plus 50 pending
	// that must not dilute or inflate the price.
	pps := PricePerShare(i(100_000000), i(160_000000), i(50_000000), 6)
	assert.True(t, pps.Equal(i(1_100000)), "got %s", pps)

	// Pending larger than balance floors the numerator at zero.
	pps = PricePerShare(i(100), i(10), i(50), 6)
	assert.True(t, pps.IsZero())
}

func TestConversions_Floor(t *testing.T) {
	pps := i(1_100000) // 1.1
	shares := AssetToShares(i(100_000000), pps, 6)
	assert.True(t, shares.Equal(i(90_909090)), "got %s", shares)

	back := SharesToAsset(shares, pps, 6)
	assert.True(t, back.Equal(i(99_999999)), "got %s", back)
}

func TestConversions_PanicOnZeroPrice(t *testing.T) {
	assert.Panics(t, func() { AssetToShares(i(1), decimal.Zero, 6) })
	assert.Panics(t, func() { SharesToAsset(i(1), decimal.Zero, 6) })
}

// sharesToAsset(assetToShares(x, r), r) <= x for every amount and price.
func TestConversions_RoundTripNeverCreatesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, dec := range []int32{0, 6, 8, 18} {
		for n := 0; n < 500; n++ {
			x := i(rng.Int63n(1 << 50))
			pps := i(rng.Int63n(1<<40) + 1)
			back := SharesToAsset(AssetToShares(x, pps, dec), pps, dec)
			require.True(t, back.LessThanOrEqual(x), "dec=%d x=%s pps=%s back=%s", dec, x, pps, back)
		}
	}
}

func TestReconcileReceipt(t *testing.T) {
	prices := NewPriceTable()
	prices.Stamp(1, i(1_000000))
	prices.Stamp(2, i(2_000000))

	// Stale receipt converts at its own round's price, not the latest.
	r := model.DepositReceipt{Round: 2, Amount: i(10_000000), UnredeemedShares: i(5_000000)}
	got, owed := ReconcileReceipt(r, 3, prices, 6)
	assert.True(t, owed.Equal(i(10_000000)), "got %s", owed)
	assert.True(t, got.Amount.IsZero())
	assert.True(t, got.UnredeemedShares.Equal(owed))
	assert.Equal(t, uint64(2), got.Round)

	// Current round receipt is untouched.
	cur := model.DepositReceipt{Round: 3, Amount: i(7), UnredeemedShares: i(1)}
	got, owed = ReconcileReceipt(cur, 3, prices, 6)
	assert.Equal(t, cur, got)
	assert.True(t, owed.Equal(i(1)))

	// Empty receipt is untouched.
	got, owed = ReconcileReceipt(model.DepositReceipt{}, 3, prices, 6)
	assert.Equal(t, uint64(0), got.Round)
	assert.True(t, owed.IsZero())

	// A closed round without a price is an invariant violation.
	assert.Panics(t, func() {
		ReconcileReceipt(model.DepositReceipt{Round: 1, Amount: i(1)}, 5, NewPriceTable(), 6)
	})
}

func TestPriceTable_WriteOnce(t *testing.T) {
	tbl := NewPriceTable()
	tbl.Stamp(1, i(1_000000))

	assert.Panics(t, func() { tbl.Stamp(1, i(1_000000)) })
	assert.Panics(t, func() { tbl.Stamp(1, i(2_000000)) })
	assert.Panics(t, func() { tbl.Stamp(0, i(1)) })
	assert.Panics(t, func() { tbl.Stamp(2, decimal.Zero) })

	p, ok := tbl.Price(1)
	require.True(t, ok)
	assert.True(t, p.Equal(i(1_000000)), "overwrite attempt must leave value unchanged")

	tbl.Stamp(3, i(3))
	tbl.Stamp(2, i(2))
	assert.Equal(t, []uint64{1, 2, 3}, tbl.Rounds())
	assert.Equal(t, 3, tbl.Len())

	c := tbl.Clone()
	c.Stamp(4, i(4))
	assert.False(t, tbl.Has(4))
}
