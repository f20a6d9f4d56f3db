// Package ledger keeps token balances per (asset, account). It stands in
// for the external token contracts a vault, its depositors and the auction
// move funds through. Transfers are atomic: a batch either fully applies or
// leaves every balance untouched.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/model"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: amount must be a positive integer")
	ErrSelfTransfer      = errors.New("ledger: transfer to self")
)

// Ledger is the asset custody interface consumed by the vault, the auction
// clearer and the options protocol.
type Ledger interface {
	BalanceOf(ctx context.Context, asset model.AssetID, account model.Address) (decimal.Decimal, error)
	TotalSupply(ctx context.Context, asset model.AssetID) (decimal.Decimal, error)
	Transfer(ctx context.Context, asset model.AssetID, from, to model.Address, amount decimal.Decimal) error
	TransferBatch(ctx context.Context, transfers []Transfer) error
	Mint(ctx context.Context, asset model.AssetID, to model.Address, amount decimal.Decimal) error
	Burn(ctx context.Context, asset model.AssetID, from model.Address, amount decimal.Decimal) error
}

// Transfer is one leg of a batch.
type Transfer struct {
	Asset  model.AssetID
	From   model.Address
	To     model.Address
	Amount decimal.Decimal
}

type key struct {
	asset   model.AssetID
	account model.Address
}

// MemoryLedger implements Ledger with in-memory maps.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[key]decimal.Decimal
	supply   map[model.AssetID]decimal.Decimal
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[key]decimal.Decimal),
		supply:   make(map[model.AssetID]decimal.Decimal),
	}
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !fixedpoint.IsInteger(amount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, asset model.AssetID, account model.Address) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[key{asset, account}], nil
}

func (l *MemoryLedger) TotalSupply(_ context.Context, asset model.AssetID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[asset], nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, asset model.AssetID, from, to model.Address, amount decimal.Decimal) error {
	return l.TransferBatch(ctx, []Transfer{{Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferBatch validates every leg against the running balances before
// applying any of them.
func (l *MemoryLedger) TransferBatch(_ context.Context, transfers []Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[key]decimal.Decimal)
	get := func(k key) decimal.Decimal {
		if v, ok := staged[k]; ok {
			return v
		}
		return l.balances[k]
	}

	for n, t := range transfers {
		if err := validAmount(t.Amount); err != nil {
			return fmt.Errorf("transfer %d: %w", n, err)
		}
		if t.From == t.To {
			return fmt.Errorf("transfer %d: %w", n, ErrSelfTransfer)
		}
		fromKey := key{t.Asset, t.From}
		bal := get(fromKey)
		if bal.LessThan(t.Amount) {
			return fmt.Errorf("transfer %d: %w: %s has %s %s, needs %s",
				n, ErrInsufficientFunds, t.From.Hex(), bal, t.Asset, t.Amount)
		}
		staged[fromKey] = bal.Sub(t.Amount)
		toKey := key{t.Asset, t.To}
		staged[toKey] = get(toKey).Add(t.Amount)
	}

	for k, v := range staged {
		l.balances[k] = v
	}
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, asset model.AssetID, to model.Address, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{asset, to}
	l.balances[k] = l.balances[k].Add(amount)
	l.supply[asset] = l.supply[asset].Add(amount)
	return nil
}

func (l *MemoryLedger) Burn(_ context.Context, asset model.AssetID, from model.Address, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{asset, from}
	bal := l.balances[k]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, burning %s", ErrInsufficientFunds, from.Hex(), bal, asset, amount)
	}
	l.balances[k] = bal.Sub(amount)
	l.supply[asset] = l.supply[asset].Sub(amount)
	return nil
}
