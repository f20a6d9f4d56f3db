package options

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
)

var (
	vaultAddr  = common.HexToAddress("0x7a017")
	holder     = common.HexToAddress("0xb0b")
	protocolAc = common.HexToAddress("0x9a0")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var expiry = time.Date(2025, 8, 15, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Simulator, *ledger.MemoryLedger, *clock) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	c := &clock{t: expiry.Add(-72 * time.Hour)}
	sim := NewSimulator(l, protocolAc, WithClock(c.now), WithDisputePeriod(time.Hour))
	return sim, l, c
}

func bal(t *testing.T, l *ledger.MemoryLedger, asset model.AssetID, who common.Address) decimal.Decimal {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), asset, who)
	require.NoError(t, err)
	return b
}

func TestMintPut_CollateralPerStrike(t *testing.T) {
	ctx := context.Background()
	sim, l, _ := setup(t)
	require.NoError(t, l.Mint(ctx, "USDC", vaultAddr, d("100000000")))

	id, minted, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "USDC", CollateralDecimals: 6,
		Strike: d("200000000000"), Expiry: expiry, IsPut: true, Amount: d("100000000"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OptionID("WETH-20250815-2000-P"), id)
	assert.True(t, minted.Equal(d("5000000")), "minted %s", minted)
	assert.True(t, bal(t, l, model.AssetID(id), vaultAddr).Equal(minted))
	assert.True(t, bal(t, l, "USDC", vaultAddr).IsZero())
	assert.True(t, bal(t, l, "USDC", protocolAc).Equal(d("100000000")))
}

// mintFailingLedger refuses to mint option tokens.
type mintFailingLedger struct {
	*ledger.MemoryLedger
}

func (l mintFailingLedger) Mint(ctx context.Context, asset model.AssetID, to model.Address, amount decimal.Decimal) error {
	if asset != "USDC" {
		return errors.New("mint disabled")
	}
	return l.MemoryLedger.Mint(ctx, asset, to, amount)
}

func TestMint_RefundsCollateralWhenMintFails(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	sim := NewSimulator(mintFailingLedger{l}, protocolAc, WithClock(func() time.Time { return expiry.Add(-time.Hour) }))
	require.NoError(t, l.Mint(ctx, "USDC", vaultAddr, d("100000000")))

	_, _, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "USDC", CollateralDecimals: 6,
		Strike: d("200000000000"), Expiry: expiry, IsPut: true, Amount: d("100000000"),
	})
	require.Error(t, err)
	assert.True(t, bal(t, l, "USDC", vaultAddr).Equal(d("100000000")))
	assert.True(t, bal(t, l, "USDC", protocolAc).IsZero())

	_, err = sim.Expiry(ctx, "WETH-20250815-2000-P")
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestMint_RejectsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	sim, l, c := setup(t)
	require.NoError(t, l.Mint(ctx, "WETH", vaultAddr, d("1000000000000000000")))
	c.t = expiry

	_, _, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "WETH", CollateralDecimals: 18,
		Strike: d("300000000000"), Expiry: expiry, Amount: d("1000000000000000000"),
	})
	assert.ErrorIs(t, err, ErrExpired)
	assert.True(t, bal(t, l, "WETH", vaultAddr).Equal(d("1000000000000000000")))
}

func TestSettleCall_InTheMoney(t *testing.T) {
	ctx := context.Background()
	sim, l, c := setup(t)
	require.NoError(t, l.Mint(ctx, "WETH", vaultAddr, d("1000000000000000000")))

	id, minted, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "WETH", CollateralDecimals: 18,
		Strike: d("300000000000"), Expiry: expiry, Amount: d("1000000000000000000"),
	})
	require.NoError(t, err)
	assert.True(t, minted.Equal(d("100000000")))

	// Sell the whole lot to a holder.
	require.NoError(t, l.Transfer(ctx, model.AssetID(id), vaultAddr, holder, minted))

	_, err = sim.Settle(ctx, vaultAddr, id)
	assert.ErrorIs(t, err, ErrNotExpired)

	c.t = expiry
	_, err = sim.Settle(ctx, vaultAddr, id)
	assert.ErrorIs(t, err, ErrNoExpiryPrice)

	require.NoError(t, sim.SetExpiryPrice("WETH", expiry, d("400000000000")))
	over, err := sim.IsDisputePeriodOver(ctx, id)
	require.NoError(t, err)
	assert.False(t, over)
	c.t = expiry.Add(time.Hour)
	over, _ = sim.IsDisputePeriodOver(ctx, id)
	assert.True(t, over)

	paid, err := sim.Settle(ctx, vaultAddr, id)
	require.NoError(t, err)
	assert.True(t, paid.Equal(d("250000000000000000")), "payoff %s", paid)
	assert.True(t, bal(t, l, "WETH", vaultAddr).Equal(d("750000000000000000")))

	again, err := sim.Settle(ctx, vaultAddr, id)
	require.NoError(t, err)
	assert.True(t, again.Equal(paid))
	assert.True(t, bal(t, l, "WETH", vaultAddr).Equal(d("750000000000000000")))

	out, err := sim.Redeem(ctx, holder, id, minted)
	require.NoError(t, err)
	assert.True(t, out.Equal(paid))
	assert.True(t, bal(t, l, "WETH", protocolAc).IsZero())
}

func TestSettlePut_OutOfTheMoneyReleasesAll(t *testing.T) {
	ctx := context.Background()
	sim, l, c := setup(t)
	require.NoError(t, l.Mint(ctx, "USDC", vaultAddr, d("100000000")))
	id, _, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "USDC", CollateralDecimals: 6,
		Strike: d("200000000000"), Expiry: expiry, IsPut: true, Amount: d("100000000"),
	})
	require.NoError(t, err)

	c.t = expiry
	require.NoError(t, sim.SetExpiryPrice("WETH", expiry, d("250000000000")))
	paid, err := sim.Settle(ctx, vaultAddr, id)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
	assert.True(t, bal(t, l, "USDC", vaultAddr).Equal(d("100000000")))
}

func TestSettlementValue_Put(t *testing.T) {
	ctx := context.Background()
	sim, l, c := setup(t)
	require.NoError(t, l.Mint(ctx, "USDC", vaultAddr, d("100000000")))
	id, minted, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "USDC", CollateralDecimals: 6,
		Strike: d("200000000000"), Expiry: expiry, IsPut: true, Amount: d("100000000"),
	})
	require.NoError(t, err)

	c.t = expiry
	require.NoError(t, sim.SetExpiryPrice("WETH", expiry, d("150000000000")))
	v, err := sim.SettlementValue(ctx, id, minted)
	require.NoError(t, err)
	// 0.05 options * (2000 - 1500) = 25 USDC
	assert.True(t, v.Equal(d("25000000")), "value %s", v)

	assert.ErrorIs(t, sim.SetExpiryPrice("WETH", expiry, d("1")), ErrExpiryPriceFixed)
}

func TestBurn_ReleasesProportionalCollateral(t *testing.T) {
	ctx := context.Background()
	sim, l, _ := setup(t)
	require.NoError(t, l.Mint(ctx, "WETH", vaultAddr, d("2000000000000000000")))
	id, minted, err := sim.MintOptions(ctx, MintRequest{
		Writer: vaultAddr, Underlying: "WETH", Collateral: "WETH", CollateralDecimals: 18,
		Strike: d("300000000000"), Expiry: expiry, Amount: d("2000000000000000000"),
	})
	require.NoError(t, err)

	released, err := sim.Burn(ctx, vaultAddr, id, minted.Div(d("2")))
	require.NoError(t, err)
	assert.True(t, released.Equal(d("1000000000000000000")))
	assert.True(t, bal(t, l, model.AssetID(id), vaultAddr).Equal(d("100000000")))

	_, err = sim.Burn(ctx, vaultAddr, id, minted)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestStepStrikeSelector(t *testing.T) {
	ctx := context.Background()
	sim, _, _ := setup(t)
	require.NoError(t, sim.SetSpotPrice("WETH", d("301000000000")))
	sel := StepStrikeSelector{Spot: sim, Underlying: "WETH", Step: d("10000000000"), OTMBps: 1000, Delta: d("1000")}

	call, delta, err := sel.GetStrikePrice(ctx, expiry, false)
	require.NoError(t, err)
	// 3010 * 1.1 = 3311 -> 3400
	assert.True(t, call.Equal(d("340000000000")), "call %s", call)
	assert.True(t, delta.Equal(d("1000")))

	put, _, err := sel.GetStrikePrice(ctx, expiry, true)
	require.NoError(t, err)
	// 3010 * 0.9 = 2709 -> 2700
	assert.True(t, put.Equal(d("270000000000")), "put %s", put)

	_, _, err = StepStrikeSelector{Spot: sim, Underlying: "WBTC", Step: d("1")}.GetStrikePrice(ctx, expiry, false)
	assert.ErrorIs(t, err, ErrNoSpotPrice)
}

func TestFlatPricer(t *testing.T) {
	ctx := context.Background()
	p := FlatPricer{RateBps: 100, Decimals: 6}
	put, err := p.Premium(ctx, d("200000000000"), expiry, true)
	require.NoError(t, err)
	assert.True(t, put.Equal(d("20000000")), "put premium %s", put)

	p = FlatPricer{RateBps: 50, Decimals: 18}
	call, err := p.Premium(ctx, d("300000000000"), expiry, false)
	require.NoError(t, err)
	assert.True(t, call.Equal(d("5000000000000000")))
}
