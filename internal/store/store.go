// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrVaultExists = errors.New("store: vault already exists")
	ErrPriceExists = errors.New("store: round price already stamped")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Vault records ---

	// CreateVault persists a new vault record.
	CreateVault(ctx context.Context, v *model.VaultRecord) error

	// GetVault retrieves a vault record by ID.
	GetVault(ctx context.Context, id string) (*model.VaultRecord, error)

	// ListVaults returns a summary of every vault.
	ListVaults(ctx context.Context) ([]model.VaultSummary, error)

	// SaveVault writes the whole record in one transaction. Stamped round
	// prices are append-only: a price that differs from the stored one
	// fails the save with ErrPriceExists.
	SaveVault(ctx context.Context, v *model.VaultRecord) error

	// --- Round prices ---

	// InsertRoundPrice appends one round's price per share.
	InsertRoundPrice(ctx context.Context, vaultID string, round uint64, price decimal.Decimal) error

	// GetRoundPrices returns every stamped price of a vault.
	GetRoundPrices(ctx context.Context, vaultID string) (map[uint64]decimal.Decimal, error)

	// --- Immutable event log ---

	// InsertEvent appends an immutable event.
	InsertEvent(ctx context.Context, e *model.Event) error

	// GetEvents returns a vault's events in insertion order.
	GetEvents(ctx context.Context, vaultID string) ([]model.Event, error)

	// --- Auction book ---

	SaveAuctionBook(ctx context.Context, book model.AuctionBook) error
	GetAuctionBook(ctx context.Context) (model.AuctionBook, error)
}

// Summarize builds the list view of a record.
func Summarize(v *model.VaultRecord) model.VaultSummary {
	return model.VaultSummary{
		ID:           v.ID,
		Address:      v.Address,
		Asset:        v.Params.Asset,
		Underlying:   v.Params.Underlying,
		IsPut:        v.Params.IsPut,
		Round:        v.State.Round,
		LockedAmount: v.State.LockedAmount,
		TotalPending: v.State.TotalPending,
	}
}
