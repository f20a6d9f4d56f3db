package vault

import (
	"errors"

	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/fees"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
)

// Validation errors.
var (
	ErrInvalidAmount       = errors.New("vault: amount must be a positive integer")
	ErrInvalidAddress      = errors.New("vault: address must be set")
	ErrInvalidConfig       = errors.New("vault: invalid config value")
	ErrCapExceeded         = errors.New("vault: exceeds cap")
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrInvalidRound        = errors.New("vault: invalid round")
	ErrExceedsAvailable    = errors.New("vault: exceeds available")
	ErrExistingWithdraw    = errors.New("vault: existing withdraw")
	ErrNotInitiated        = errors.New("vault: withdrawal not initiated")
	ErrNoNextOption        = errors.New("vault: no found option")
	ErrNoCollateral        = errors.New("vault: no collateral to lock")
	ErrNoOTokensToBurn     = errors.New("vault: no otokens to burn")
	ErrNoAuction           = errors.New("vault: no auction for current option")
)

// Timing errors: retry once the precondition holds.
var (
	ErrRoundNotClosed   = errors.New("vault: round not closed")
	ErrDelayNotElapsed  = errors.New("vault: delay not elapsed")
	ErrPositionLocked   = errors.New("vault: position locked")
	ErrUnsoldInventory  = errors.New("vault: unsold otokens must be burned first")
	ErrAuctionOpen      = errors.New("vault: auction still open")
	ErrAuctionNotNeeded = errors.New("vault: auction already open")
)

var ErrUnauthorized = errors.New("vault: unauthorized")

// ErrInconsistentRecord means a stored record breaks the round ledger's
// invariants and cannot be opened.
var ErrInconsistentRecord = errors.New("vault: inconsistent record")

// External errors wrap failures of the options protocol, ledger, auction
// clearer or store.
var (
	ErrExternal    = errors.New("vault: external call failed")
	ErrPersistence = errors.New("vault: persistence failed")
)

// Class groups errors by how a caller should react.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassTiming
	ClassAuthorization
	ClassExternal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTiming:
		return "timing"
	case ClassAuthorization:
		return "authorization"
	case ClassExternal:
		return "external"
	}
	return "unknown"
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassAuthorization, []error{ErrUnauthorized, auction.ErrNotSeller, auction.ErrNotOwner}},
	{ClassTiming, []error{ErrRoundNotClosed, ErrDelayNotElapsed, ErrPositionLocked, ErrUnsoldInventory, ErrAuctionOpen, ErrAuctionNotNeeded}},
	{ClassValidation, []error{
		ErrInvalidAmount, ErrInvalidAddress, ErrInvalidConfig, ErrCapExceeded, ErrInsufficientBalance,
		ErrInvalidRound, ErrExceedsAvailable, ErrExistingWithdraw, ErrNotInitiated, ErrNoNextOption,
		ErrNoCollateral, ErrNoOTokensToBurn, ErrNoAuction,
		model.ErrInvalidParams, fees.ErrInvalidRate, fees.ErrInvalidPeriod,
		ledger.ErrInsufficientFunds, ledger.ErrInvalidAmount,
		auction.ErrNoBids, auction.ErrInvalidAmounts, auction.ErrNonceUsed, auction.ErrBadSignature,
		auction.ErrUnauthorizedSigner, auction.ErrBidTooLarge, auction.ErrBidTooSmall,
		auction.ErrPriceTooLow, auction.ErrInsufficientBalance, auction.ErrOfferClosed,
		auction.ErrOfferNotFound, auction.ErrInvalidOffer, auction.ErrInsufficientInventory,
		auction.ErrFeeTooHigh,
	}},
	{ClassExternal, []error{ErrExternal, ErrPersistence}},
}

// Classify maps err to its Class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassUnknown
}

// Retryable reports whether retrying the same call later may succeed.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTiming, ClassExternal:
		return true
	}
	return false
}
