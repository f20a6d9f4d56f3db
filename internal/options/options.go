// Package options defines the collaborators the vault consumes to pick,
// mint and settle options, and ships in-memory implementations of them.
package options

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

var (
	ErrUnknownOption    = errors.New("options: unknown option")
	ErrNotExpired       = errors.New("options: option not expired")
	ErrExpired          = errors.New("options: option already expired")
	ErrNoExpiryPrice    = errors.New("options: expiry price not set")
	ErrNoPosition       = errors.New("options: no short position for writer")
	ErrAlreadySettled   = errors.New("options: position already settled")
	ErrZeroMint         = errors.New("options: collateral too small to mint")
	ErrInvalidAmount    = errors.New("options: amount must be positive")
	ErrNoSpotPrice      = errors.New("options: spot price not set")
	ErrExpiryPriceFixed = errors.New("options: expiry price already set")
)

// StrikeSelector picks the strike for an option expiring at expiry.
type StrikeSelector interface {
	GetStrikePrice(ctx context.Context, expiry time.Time, isPut bool) (strike, delta decimal.Decimal, err error)
}

// Pricer quotes the premium of one option, in the vault asset's base
// units.
type Pricer interface {
	Premium(ctx context.Context, strike decimal.Decimal, expiry time.Time, isPut bool) (decimal.Decimal, error)
}

// MintRequest describes collateral to lock into a new short position.
type MintRequest struct {
	Writer             model.Address
	Underlying         model.AssetID
	Collateral         model.AssetID
	CollateralDecimals int32
	Strike             decimal.Decimal // 8 decimals
	Expiry             time.Time
	IsPut              bool
	Amount             decimal.Decimal // collateral base units
}

// Protocol is the external option minting and settlement authority. The
// vault treats every call as atomic and every error as fatal for the
// operation in progress.
type Protocol interface {
	// MintOptions locks collateral and credits the writer with option
	// tokens (8 decimals).
	MintOptions(ctx context.Context, req MintRequest) (model.OptionID, decimal.Decimal, error)

	// Settle closes the writer's expired position. It returns the payoff
	// kept for option holders; the rest of the collateral goes back to the
	// writer. Settling twice returns the same payoff and moves nothing.
	Settle(ctx context.Context, writer model.Address, id model.OptionID) (decimal.Decimal, error)

	// Burn returns unsold option tokens and releases their collateral.
	Burn(ctx context.Context, writer model.Address, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error)

	// SettlementValue is the collateral paid out for amount options.
	SettlementValue(ctx context.Context, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error)

	// Expiry returns the option's expiry timestamp.
	Expiry(ctx context.Context, id model.OptionID) (time.Time, error)

	// IsDisputePeriodOver reports whether the expiry price is final.
	IsDisputePeriodOver(ctx context.Context, id model.OptionID) (bool, error)
}
