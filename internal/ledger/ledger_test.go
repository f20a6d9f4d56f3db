package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	carol = common.HexToAddress("0xca201")
)

func i(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func balance(t *testing.T, l *MemoryLedger, who common.Address) decimal.Decimal {
	t.Helper()
	b, err := l.BalanceOf(context.Background(), "USDC", who)
	require.NoError(t, err)
	return b
}

func TestMintTransferBurn(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	require.NoError(t, l.Mint(ctx, "USDC", alice, i(100)))
	require.NoError(t, l.Transfer(ctx, "USDC", alice, bob, i(40)))
	require.NoError(t, l.Burn(ctx, "USDC", bob, i(10)))

	assert.True(t, balance(t, l, alice).Equal(i(60)))
	assert.True(t, balance(t, l, bob).Equal(i(30)))
	supply, _ := l.TotalSupply(ctx, "USDC")
	assert.True(t, supply.Equal(i(90)))

	assert.ErrorIs(t, l.Burn(ctx, "USDC", bob, i(31)), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Mint(ctx, "USDC", bob, decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, l.Mint(ctx, "USDC", bob, decimal.RequireFromString("0.5")), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, "USDC", bob, bob, i(1)), ErrSelfTransfer)
}

func TestTransferBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Mint(ctx, "USDC", alice, i(100)))

	err := l.TransferBatch(ctx, []Transfer{
		{Asset: "USDC", From: alice, To: bob, Amount: i(70)},
		{Asset: "USDC", From: alice, To: carol, Amount: i(70)},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, balance(t, l, alice).Equal(i(100)))
	assert.True(t, balance(t, l, bob).IsZero())

	// Later legs may spend what earlier legs credited.
	require.NoError(t, l.TransferBatch(ctx, []Transfer{
		{Asset: "USDC", From: alice, To: bob, Amount: i(70)},
		{Asset: "USDC", From: bob, To: carol, Amount: i(50)},
	}))
	assert.True(t, balance(t, l, alice).Equal(i(30)))
	assert.True(t, balance(t, l, bob).Equal(i(20)))
	assert.True(t, balance(t, l, carol).Equal(i(50)))
}
