package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateVault(ctx context.Context, v *model.VaultRecord) error {
	if err := s.primary.CreateVault(ctx, v); err != nil {
		return err
	}
	s.cacheVault(ctx, v)
	return nil
}

func (s *CachedStore) SaveVault(ctx context.Context, v *model.VaultRecord) error {
	if err := s.primary.SaveVault(ctx, v); err != nil {
		// The primary may have rejected a stale record; drop ours too.
		s.rdb.Del(ctx, vaultKey(v.ID))
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, vaultKey(v.ID), pricesKey(v.ID))
	return nil
}

func (s *CachedStore) InsertRoundPrice(ctx context.Context, vaultID string, round uint64, price decimal.Decimal) error {
	if err := s.primary.InsertRoundPrice(ctx, vaultID, round, price); err != nil {
		return err
	}
	s.rdb.Del(ctx, vaultKey(vaultID), pricesKey(vaultID))
	return nil
}

func (s *CachedStore) SaveAuctionBook(ctx context.Context, book model.AuctionBook) error {
	if err := s.primary.SaveAuctionBook(ctx, book); err != nil {
		return err
	}
	s.rdb.Del(ctx, bookKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVault(ctx context.Context, id string) (*model.VaultRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, vaultKey(id)).Bytes()
	if err == nil {
		var v model.VaultRecord
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := s.primary.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheVault(ctx, v)
	return v, nil
}

func (s *CachedStore) GetRoundPrices(ctx context.Context, vaultID string) (map[uint64]decimal.Decimal, error) {
	data, err := s.rdb.Get(ctx, pricesKey(vaultID)).Bytes()
	if err == nil {
		var prices map[uint64]decimal.Decimal
		if json.Unmarshal(data, &prices) == nil {
			return prices, nil
		}
	}

	prices, err := s.primary.GetRoundPrices(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(prices); err == nil {
		s.rdb.Set(ctx, pricesKey(vaultID), data, s.ttl)
	}
	return prices, nil
}

func (s *CachedStore) GetAuctionBook(ctx context.Context) (model.AuctionBook, error) {
	data, err := s.rdb.Get(ctx, bookKey).Bytes()
	if err == nil {
		var book model.AuctionBook
		if json.Unmarshal(data, &book) == nil {
			return book, nil
		}
	}

	book, err := s.primary.GetAuctionBook(ctx)
	if err != nil {
		return model.AuctionBook{}, err
	}
	if data, err := json.Marshal(book); err == nil {
		s.rdb.Set(ctx, bookKey, data, s.ttl)
	}
	return book, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListVaults(ctx context.Context) ([]model.VaultSummary, error) {
	return s.primary.ListVaults(ctx)
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) GetEvents(ctx context.Context, vaultID string) ([]model.Event, error) {
	return s.primary.GetEvents(ctx, vaultID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheVault(ctx context.Context, v *model.VaultRecord) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey(v.ID), data, s.ttl)
	}
}

const bookKey = "auction:book"

func vaultKey(id string) string  { return fmt.Sprintf("vault:%s", id) }
func pricesKey(id string) string { return fmt.Sprintf("vault:%s:prices", id) }
