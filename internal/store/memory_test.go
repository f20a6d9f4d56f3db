package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func record(id string) *model.VaultRecord {
	return &model.VaultRecord{
		ID:      id,
		Address: common.HexToAddress("0x" + id),
		Params: model.VaultParams{
			Decimals: 6, Asset: "USDC", Underlying: "WETH", IsPut: true,
			MinimumSupply: d("10"), Cap: d("1000000000000"),
		},
		State:       model.VaultState{Round: 1},
		Receipts:    map[model.Address]model.DepositReceipt{},
		Withdrawals: map[model.Address]model.Withdrawal{},
		Shares:      map[model.Address]decimal.Decimal{},
		Prices:      map[uint64]decimal.Decimal{},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v := record("a1")
	if err := s.CreateVault(ctx, v); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateVault(ctx, v); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("duplicate create: got %v, want ErrVaultExists", err)
	}

	// Mutating the caller's copy must not leak into the store.
	v.State.Round = 9
	got, err := s.GetVault(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State.Round != 1 {
		t.Errorf("round = %d, want 1", got.State.Round)
	}

	if _, err := s.GetVault(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing vault: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SaveVaultPricesAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	v := record("b2")
	if err := s.CreateVault(ctx, v); err != nil {
		t.Fatal(err)
	}

	v.State.Round = 2
	v.Prices[1] = d("1000000")
	if err := s.SaveVault(ctx, v); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Re-saving the same price is allowed.
	if err := s.SaveVault(ctx, v); err != nil {
		t.Fatalf("resave: %v", err)
	}

	v.State.Round = 3
	v.Prices[1] = d("999999")
	if err := s.SaveVault(ctx, v); !errors.Is(err, ErrPriceExists) {
		t.Fatalf("overwrite: got %v, want ErrPriceExists", err)
	}
	got, _ := s.GetVault(ctx, "b2")
	if got.State.Round != 2 {
		t.Errorf("rejected save changed round to %d", got.State.Round)
	}

	if err := s.InsertRoundPrice(ctx, "b2", 1, d("1")); !errors.Is(err, ErrPriceExists) {
		t.Errorf("insert existing: got %v", err)
	}
	if err := s.InsertRoundPrice(ctx, "b2", 2, d("1010000")); err != nil {
		t.Errorf("insert new: %v", err)
	}
	prices, _ := s.GetRoundPrices(ctx, "b2")
	if len(prices) != 2 || !prices[2].Equal(d("1010000")) {
		t.Errorf("prices = %v", prices)
	}
}

func TestMemoryStore_ListVaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c3", "a1", "b2"} {
		if err := s.CreateVault(ctx, record(id)); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListVaults(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "a1" || list[2].ID != "c3" {
		t.Errorf("list = %+v", list)
	}
	if list[0].Asset != "USDC" || !list[0].IsPut {
		t.Errorf("summary = %+v", list[0])
	}
}

func TestMemoryStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, typ := range []model.EventType{model.EventDeposit, model.EventCloseRound} {
		e := &model.Event{ID: string(rune('a' + i)), VaultID: "v", Type: typ, Amount: d("1")}
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.InsertEvent(ctx, &model.Event{ID: "z", VaultID: "other"})

	events, _ := s.GetEvents(ctx, "v")
	if len(events) != 2 || events[0].Type != model.EventDeposit || events[1].Type != model.EventCloseRound {
		t.Errorf("events = %+v", events)
	}
}

func TestMemoryStore_AuctionBook(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.GetAuctionBook(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty book: got %v", err)
	}

	signer := common.HexToAddress("0x1")
	book := model.AuctionBook{
		NextID:     2,
		Offers:     map[uint64]model.AuctionOffer{1: {ID: 1, Open: true}},
		UsedNonces: map[model.Address][]uint64{signer: {1}},
	}
	if err := s.SaveAuctionBook(ctx, book); err != nil {
		t.Fatal(err)
	}
	book.UsedNonces[signer][0] = 42

	got, err := s.GetAuctionBook(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextID != 2 || got.UsedNonces[signer][0] != 1 || !got.Offers[1].Open {
		t.Errorf("book = %+v", got)
	}
}
