// Package model defines the core domain types shared across the vault
// engine. All monetary values are shopspring/decimal integers in the base
// units of their asset. Never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address identifies a depositor, role holder, bidder or contract account.
type Address = common.Address

// AssetID names a token tracked by the asset ledger (e.g. "USDC", "WETH").
type AssetID string

// OptionID names an option series; it doubles as the option token's asset
// id in the ledger. See contract.FormatTicker.
type OptionID string

// ZeroAddress is the unset address.
var ZeroAddress = Address{}

// OptionDecimals is the decimal count of option tokens and strike prices.
const OptionDecimals int32 = 8

// Period is the length of one vault round.
type Period string

const (
	PeriodWeekly   Period = "weekly"
	PeriodBiweekly Period = "biweekly"
	PeriodMonthly  Period = "monthly"
)

// Valid reports whether p is a supported round length.
func (p Period) Valid() bool {
	switch p {
	case PeriodWeekly, PeriodBiweekly, PeriodMonthly:
		return true
	}
	return false
}

var ErrInvalidParams = errors.New("model: invalid vault params")

// VaultParams are fixed for the lifetime of a vault.
type VaultParams struct {
	IsPut         bool            `json:"is_put" yaml:"is_put"`
	Decimals      int32           `json:"decimals" yaml:"decimals"`
	Asset         AssetID         `json:"asset" yaml:"asset"`
	Underlying    AssetID         `json:"underlying" yaml:"underlying"`
	MinimumSupply decimal.Decimal `json:"minimum_supply" yaml:"minimum_supply"`
	Cap           decimal.Decimal `json:"cap" yaml:"cap"`
}

// Validate checks the static invariants of the parameters.
func (p VaultParams) Validate() error {
	switch {
	case p.Asset == "":
		return fmt.Errorf("%w: asset is required", ErrInvalidParams)
	case p.Underlying == "":
		return fmt.Errorf("%w: underlying is required", ErrInvalidParams)
	case p.Decimals < 0 || p.Decimals > 36:
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidParams, p.Decimals)
	case !p.Cap.IsPositive():
		return fmt.Errorf("%w: cap must be positive", ErrInvalidParams)
	case !p.MinimumSupply.IsPositive():
		return fmt.Errorf("%w: minimum supply must be positive", ErrInvalidParams)
	case p.MinimumSupply.GreaterThan(p.Cap):
		return fmt.Errorf("%w: minimum supply above cap", ErrInvalidParams)
	}
	return nil
}

// VaultState is the mutable accounting state of a vault.
type VaultState struct {
	Round                       uint64          `json:"round"`
	LockedAmount                decimal.Decimal `json:"locked_amount"`
	LastLockedAmount            decimal.Decimal `json:"last_locked_amount"`
	TotalPending                decimal.Decimal `json:"total_pending"`
	QueuedWithdrawShares        decimal.Decimal `json:"queued_withdraw_shares"`
	LastQueuedWithdrawAmount    decimal.Decimal `json:"last_queued_withdraw_amount"`
	CurrentQueuedWithdrawShares decimal.Decimal `json:"current_queued_withdraw_shares"`

	// BasisAmount is the lockable balance at the round's first roll,
	// including any reserve kept out of the option. Gains above it pay the
	// performance fee; burns do not lower it.
	BasisAmount decimal.Decimal `json:"basis_amount"`
}

// DepositReceipt tracks one depositor's pending amount and the shares owed
// from earlier rounds.
type DepositReceipt struct {
	Round            uint64          `json:"round"`
	Amount           decimal.Decimal `json:"amount"`
	UnredeemedShares decimal.Decimal `json:"unredeemed_shares"`
}

// Withdrawal is a queued withdrawal, priced at the close of Round.
type Withdrawal struct {
	Round  uint64          `json:"round"`
	Shares decimal.Decimal `json:"shares"`
}

// OptionPosition is the option side of the lifecycle state machine.
type OptionPosition struct {
	CurrentOption     OptionID        `json:"current_option,omitempty"`
	CurrentExpiry     time.Time       `json:"current_expiry"`
	CurrentStrike     decimal.Decimal `json:"current_strike"`
	NextOption        OptionID        `json:"next_option,omitempty"`
	NextOptionReadyAt time.Time       `json:"next_option_ready_at"`
	NextStrike        decimal.Decimal `json:"next_strike"`
	NextExpiry        time.Time       `json:"next_expiry"`
	NextPremium       decimal.Decimal `json:"next_premium"`
	OfferID           uint64          `json:"offer_id,omitempty"`
}

// StrikeOverride is a manager-set strike for one round's commit.
type StrikeOverride struct {
	Round  uint64          `json:"round"`
	Strike decimal.Decimal `json:"strike"`
}

// VaultRoles are the privileged accounts of a vault.
type VaultRoles struct {
	Owner        Address `json:"owner"`
	Keeper       Address `json:"keeper"`
	Manager      Address `json:"manager"`
	FeeRecipient Address `json:"fee_recipient"`
}

// VaultConfig holds owner-adjustable settings.
type VaultConfig struct {
	Period            Period          `json:"period"`
	Delay             time.Duration   `json:"delay"`
	ManagementFee     decimal.Decimal `json:"management_fee"`   // per round, fees.FeeMultiplier percent units
	PerformanceFee    decimal.Decimal `json:"performance_fee"`  // fees.FeeMultiplier percent units
	PremiumDiscount   decimal.Decimal `json:"premium_discount"` // per mille of the quoted premium
	AuctionMinBidSize decimal.Decimal `json:"auction_min_bid_size"`
	StrikeOverride    StrikeOverride  `json:"strike_override"`
}

// VaultRecord is the durable record of one vault: params, state, the
// option position and the per-depositor tables.
type VaultRecord struct {
	ID          string                      `json:"id"`
	Address     Address                     `json:"address"`
	Params      VaultParams                 `json:"params"`
	Config      VaultConfig                 `json:"config"`
	Roles       VaultRoles                  `json:"roles"`
	State       VaultState                  `json:"state"`
	Position    OptionPosition              `json:"position"`
	Receipts    map[Address]DepositReceipt  `json:"receipts"`
	Withdrawals map[Address]Withdrawal      `json:"withdrawals"`
	Shares      map[Address]decimal.Decimal `json:"shares"`
	Prices      map[uint64]decimal.Decimal  `json:"prices"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy so a mutation can be staged and discarded.
func (r *VaultRecord) Clone() *VaultRecord {
	c := *r
	c.Receipts = make(map[Address]DepositReceipt, len(r.Receipts))
	for k, v := range r.Receipts {
		c.Receipts[k] = v
	}
	c.Withdrawals = make(map[Address]Withdrawal, len(r.Withdrawals))
	for k, v := range r.Withdrawals {
		c.Withdrawals[k] = v
	}
	c.Shares = make(map[Address]decimal.Decimal, len(r.Shares))
	for k, v := range r.Shares {
		c.Shares[k] = v
	}
	c.Prices = make(map[uint64]decimal.Decimal, len(r.Prices))
	for k, v := range r.Prices {
		c.Prices[k] = v
	}
	return &c
}

// RoundPrice is one stamped price per share.
type RoundPrice struct {
	Round uint64          `json:"round"`
	Price decimal.Decimal `json:"price"`
}

// VaultSummary is the list view of a vault.
type VaultSummary struct {
	ID           string          `json:"id"`
	Address      Address         `json:"address"`
	Asset        AssetID         `json:"asset"`
	Underlying   AssetID         `json:"underlying"`
	IsPut        bool            `json:"is_put"`
	Round        uint64          `json:"round"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
	TotalPending decimal.Decimal `json:"total_pending"`
}

// AuctionOffer is a standing sale of minted option inventory.
type AuctionOffer struct {
	ID            uint64          `json:"id"`
	OToken        OptionID        `json:"otoken"`
	BiddingToken  AssetID         `json:"bidding_token"`
	MinPrice      decimal.Decimal `json:"min_price"`
	MinBidSize    decimal.Decimal `json:"min_bid_size"`
	TotalSize     decimal.Decimal `json:"total_size"`
	AvailableSize decimal.Decimal `json:"available_size"`
	Seller        Address         `json:"seller"`
	Open          bool            `json:"open"`
}

// Bid is a pre-signed offer to buy BuyAmount option tokens for SellAmount
// of the bidding token.
type Bid struct {
	SwapID       uint64          `json:"swap_id"`
	Nonce        uint64          `json:"nonce"`
	SignerWallet Address         `json:"signer_wallet"`
	SellAmount   decimal.Decimal `json:"sell_amount"`
	BuyAmount    decimal.Decimal `json:"buy_amount"`
	Referrer     Address         `json:"referrer"`
	Signature    []byte          `json:"signature"`
}

// AuctionBook is the persisted state of the auction clearer.
type AuctionBook struct {
	NextID       uint64                      `json:"next_id"`
	Offers       map[uint64]AuctionOffer     `json:"offers"`
	UsedNonces   map[Address][]uint64        `json:"used_nonces"`
	Authorized   map[Address]Address         `json:"authorized"`
	ReferralFees map[Address]decimal.Decimal `json:"referral_fees"`
}

// EventType tags an entry in a vault's event log.
type EventType string

const (
	EventDeposit          EventType = "deposit"
	EventInstantWithdraw  EventType = "instant_withdraw"
	EventRedeem           EventType = "redeem"
	EventInitiateWithdraw EventType = "initiate_withdraw"
	EventCompleteWithdraw EventType = "complete_withdraw"
	EventCloseRound       EventType = "close_round"
	EventCommitOption     EventType = "commit_option"
	EventOpenShort        EventType = "open_short"
	EventSettleShort      EventType = "settle_short"
	EventBurnOTokens      EventType = "burn_otokens"
	EventAuctionSettled   EventType = "auction_settled"
	EventFeeCollected     EventType = "fee_collected"
	EventConfigChanged    EventType = "config_changed"
)

// Event is an immutable record of a vault state change.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string          `json:"id" db:"id"`
	VaultID   string          `json:"vault_id" db:"vault_id"`
	Round     uint64          `json:"round" db:"round"`
	Type      EventType       `json:"type" db:"type"`
	Account   Address         `json:"account" db:"account"`
	Option    OptionID        `json:"option,omitempty" db:"option"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
