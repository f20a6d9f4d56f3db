package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	vaults map[string]*model.VaultRecord
	prices map[string]map[uint64]decimal.Decimal
	events []model.Event
	book   *model.AuctionBook
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults: make(map[string]*model.VaultRecord),
		prices: make(map[string]map[uint64]decimal.Decimal),
	}
}

func (s *MemoryStore) CreateVault(_ context.Context, v *model.VaultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vaults[v.ID]; ok {
		return fmt.Errorf("%w: %s", ErrVaultExists, v.ID)
	}
	for _, existing := range s.vaults {
		if existing.Address == v.Address {
			return fmt.Errorf("%w: address %s", ErrVaultExists, v.Address.Hex())
		}
	}
	if err := s.appendPrices(v); err != nil {
		return err
	}
	// Store a copy to avoid external mutation.
	s.vaults[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) GetVault(_ context.Context, id string) (*model.VaultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) ListVaults(_ context.Context) ([]model.VaultSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.VaultSummary, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, Summarize(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveVault(_ context.Context, v *model.VaultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vaults[v.ID]; !ok {
		return fmt.Errorf("vault %s: %w", v.ID, ErrNotFound)
	}
	if err := s.appendPrices(v); err != nil {
		return err
	}
	s.vaults[v.ID] = v.Clone()
	return nil
}

// appendPrices validates every price before inserting any.
func (s *MemoryStore) appendPrices(v *model.VaultRecord) error {
	table := s.prices[v.ID]
	for r, p := range v.Prices {
		if old, ok := table[r]; ok && !old.Equal(p) {
			return fmt.Errorf("%w: vault %s round %d", ErrPriceExists, v.ID, r)
		}
	}
	if table == nil {
		table = make(map[uint64]decimal.Decimal)
		s.prices[v.ID] = table
	}
	for r, p := range v.Prices {
		table[r] = p
	}
	return nil
}

func (s *MemoryStore) InsertRoundPrice(_ context.Context, vaultID string, round uint64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.prices[vaultID]
	if table == nil {
		table = make(map[uint64]decimal.Decimal)
		s.prices[vaultID] = table
	}
	if _, ok := table[round]; ok {
		return fmt.Errorf("%w: vault %s round %d", ErrPriceExists, vaultID, round)
	}
	table[round] = price
	return nil
}

func (s *MemoryStore) GetRoundPrices(_ context.Context, vaultID string) (map[uint64]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint64]decimal.Decimal, len(s.prices[vaultID]))
	for r, p := range s.prices[vaultID] {
		out[r] = p
	}
	return out, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, vaultID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, e := range s.events {
		if e.VaultID == vaultID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveAuctionBook(_ context.Context, book model.AuctionBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyBook(book)
	s.book = &c
	return nil
}

func (s *MemoryStore) GetAuctionBook(_ context.Context) (model.AuctionBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.book == nil {
		return model.AuctionBook{}, fmt.Errorf("auction book: %w", ErrNotFound)
	}
	return copyBook(*s.book), nil
}

func copyBook(b model.AuctionBook) model.AuctionBook {
	out := model.AuctionBook{
		NextID:       b.NextID,
		Offers:       make(map[uint64]model.AuctionOffer, len(b.Offers)),
		UsedNonces:   make(map[model.Address][]uint64, len(b.UsedNonces)),
		Authorized:   make(map[model.Address]model.Address, len(b.Authorized)),
		ReferralFees: make(map[model.Address]decimal.Decimal, len(b.ReferralFees)),
	}
	for k, v := range b.Offers {
		out.Offers[k] = v
	}
	for k, v := range b.UsedNonces {
		out.UsedNonces[k] = slices.Clone(v)
	}
	for k, v := range b.Authorized {
		out.Authorized[k] = v
	}
	for k, v := range b.ReferralFees {
		out.ReferralFees[k] = v
	}
	return out
}
