package sharemath

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceTable is the append-only record of stamped prices, keyed by round.
// Every historical share conversion reads from it, so an entry is never
// overwritten once written.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[uint64]decimal.Decimal
}

// NewPriceTable creates an empty table.
func NewPriceTable() *PriceTable {
	return &PriceTable{prices: make(map[uint64]decimal.Decimal)}
}

// PriceTableFrom rebuilds a table from persisted entries.
func PriceTableFrom(prices map[uint64]decimal.Decimal) *PriceTable {
	t := NewPriceTable()
	for r, p := range prices {
		t.Stamp(r, p)
	}
	return t
}

// Stamp writes the price for a round. Stamping a round twice, or stamping
// round zero or a non-positive price, panics.
func (t *PriceTable) Stamp(round uint64, price decimal.Decimal) {
	if round == 0 {
		panic("sharemath: cannot stamp round 0")
	}
	if !price.IsPositive() {
		panic(fmt.Sprintf("sharemath: cannot stamp non-positive price %s for round %d", price, round))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.prices[round]; ok {
		panic(fmt.Sprintf("sharemath: price for round %d already stamped (%s)", round, existing))
	}
	t.prices[round] = price
}

// Price returns the stamped price of a round.
func (t *PriceTable) Price(round uint64) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.prices[round]
	return p, ok
}

// Has reports whether a round has been stamped.
func (t *PriceTable) Has(round uint64) bool {
	_, ok := t.Price(round)
	return ok
}

// Rounds returns the stamped rounds in ascending order.
func (t *PriceTable) Rounds() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rounds := make([]uint64, 0, len(t.prices))
	for r := range t.prices {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds
}

// Entries returns a copy of all stamped prices.
func (t *PriceTable) Entries() map[uint64]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint64]decimal.Decimal, len(t.prices))
	for r, p := range t.prices {
		out[r] = p
	}
	return out
}

// Clone returns an independent copy.
func (t *PriceTable) Clone() *PriceTable {
	return PriceTableFrom(t.Entries())
}

// Len returns the number of stamped rounds.
func (t *PriceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}
