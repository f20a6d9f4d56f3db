// Package auction clears pre-signed bids against standing sell offers of
// option inventory. Bids fill partially, in order, until an offer's size
// is exhausted.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fixedpoint"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
)

// FeeScale is the denominator of referral fee rates.
const FeeScale = 1_000_000

// MaxReferralFee is the exclusive upper bound of a referral fee rate (10%).
const MaxReferralFee = 100_000

var (
	ErrInvalidOffer          = errors.New("auction: invalid offer")
	ErrInsufficientInventory = errors.New("auction: seller lacks inventory")
	ErrOfferNotFound         = errors.New("auction: offer not found")
	ErrOfferClosed           = errors.New("auction: offer closed")
	ErrNotSeller             = errors.New("auction: caller is not the seller")
	ErrNotOwner              = errors.New("auction: caller is not the owner")
	ErrNoBids                = errors.New("auction: no bids")
	ErrInvalidAmounts        = errors.New("auction: bid amounts must be positive")
	ErrNonceUsed             = errors.New("auction: nonce already used")
	ErrUnauthorizedSigner    = errors.New("auction: signature not from signer or delegate")
	ErrBidTooLarge           = errors.New("auction: bid exceeds available size")
	ErrBidTooSmall           = errors.New("auction: bid below minimum size")
	ErrPriceTooLow           = errors.New("auction: bid price below minimum")
	ErrInsufficientBalance   = errors.New("auction: bidder balance too low")
	ErrFeeTooHigh            = errors.New("auction: referral fee too high")
)

// Code is the result of a dry-run bid check. CodeOK means the bid would
// settle.
type Code int

const (
	CodeOK Code = iota
	CodeOfferNotFound
	CodeOfferClosed
	CodeInvalidAmounts
	CodeNonceUsed
	CodeBadSignature
	CodeUnauthorizedSigner
	CodeBidTooLarge
	CodeBidTooSmall
	CodePriceTooLow
	CodeInsufficientBalance
)

var codeErrors = map[Code]error{
	CodeOfferNotFound:       ErrOfferNotFound,
	CodeOfferClosed:         ErrOfferClosed,
	CodeInvalidAmounts:      ErrInvalidAmounts,
	CodeNonceUsed:           ErrNonceUsed,
	CodeBadSignature:        ErrBadSignature,
	CodeUnauthorizedSigner:  ErrUnauthorizedSigner,
	CodeBidTooLarge:         ErrBidTooLarge,
	CodeBidTooSmall:         ErrBidTooSmall,
	CodePriceTooLow:         ErrPriceTooLow,
	CodeInsufficientBalance: ErrInsufficientBalance,
}

// Err returns the sentinel error for c, or nil for CodeOK.
func (c Code) Err() error { return codeErrors[c] }

func (c Code) String() string {
	if c == CodeOK {
		return "ok"
	}
	if err, ok := codeErrors[c]; ok {
		return err.Error()
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// BookStore persists the clearer's state.
type BookStore interface {
	SaveAuctionBook(ctx context.Context, book model.AuctionBook) error
}

// Settlement summarises one SettleOffer call.
type Settlement struct {
	OfferID   uint64          `json:"offer_id"`
	Filled    decimal.Decimal `json:"filled"`
	Proceeds  decimal.Decimal `json:"proceeds"` // received by the seller, net of fees
	Fees      decimal.Decimal `json:"fees"`
	Remaining decimal.Decimal `json:"remaining"`
	Bids      int             `json:"bids"`
}

// Clearer owns the offer book. All methods are safe for concurrent use.
type Clearer struct {
	mu     sync.Mutex
	ledger ledger.Ledger
	owner  model.Address
	store  BookStore // optional
	book   model.AuctionBook
}

// NewClearer creates a clearer that settles through l. owner may set
// referral fees. Pass a nil store to keep the book in memory only.
func NewClearer(l ledger.Ledger, owner model.Address, st BookStore) *Clearer {
	return &Clearer{
		ledger: l,
		owner:  owner,
		store:  st,
		book:   EmptyBook(),
	}
}

// EmptyBook returns a book with no offers whose first id is 1.
func EmptyBook() model.AuctionBook {
	return model.AuctionBook{
		NextID:       1,
		Offers:       make(map[uint64]model.AuctionOffer),
		UsedNonces:   make(map[model.Address][]uint64),
		Authorized:   make(map[model.Address]model.Address),
		ReferralFees: make(map[model.Address]decimal.Decimal),
	}
}

// Restore replaces the in-memory book, e.g. with one loaded at startup.
func (c *Clearer) Restore(book model.AuctionBook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.book = cloneBook(book)
}

// Book returns a copy of the current book.
func (c *Clearer) Book() model.AuctionBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneBook(c.book)
}

func cloneBook(b model.AuctionBook) model.AuctionBook {
	out := EmptyBook()
	if b.NextID > 0 {
		out.NextID = b.NextID
	}
	for id, o := range b.Offers {
		out.Offers[id] = o
	}
	for a, n := range b.UsedNonces {
		out.UsedNonces[a] = slices.Clone(n)
	}
	for a, d := range b.Authorized {
		out.Authorized[a] = d
	}
	for a, f := range b.ReferralFees {
		out.ReferralFees[a] = f
	}
	return out
}

// commit swaps in the staged book and persists it. The in-memory book is
// authoritative once ledger effects have happened, so a persistence
// failure is reported without rolling back.
func (c *Clearer) commit(ctx context.Context, staged model.AuctionBook) error {
	c.book = staged
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveAuctionBook(ctx, cloneBook(staged)); err != nil {
		return fmt.Errorf("persist auction book: %w", err)
	}
	return nil
}

// Offer returns a single offer.
func (c *Clearer) Offer(id uint64) (model.AuctionOffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.book.Offers[id]
	if !ok {
		return model.AuctionOffer{}, fmt.Errorf("%w: %d", ErrOfferNotFound, id)
	}
	return o, nil
}

// Offers lists every offer ordered by id.
func (c *Clearer) Offers() []model.AuctionOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AuctionOffer, 0, len(c.book.Offers))
	for _, o := range c.book.Offers {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b model.AuctionOffer) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// CreateOffer opens a sale of totalSize oTokens held by seller. minPrice is
// bidding-token base units per whole option.
func (c *Clearer) CreateOffer(ctx context.Context, seller model.Address, oToken model.OptionID, biddingToken model.AssetID, minPrice, minBidSize, totalSize decimal.Decimal) (uint64, error) {
	switch {
	case oToken == "" || biddingToken == "":
		return 0, fmt.Errorf("%w: tokens are required", ErrInvalidOffer)
	case !minPrice.IsPositive() || !minBidSize.IsPositive() || !totalSize.IsPositive():
		return 0, fmt.Errorf("%w: price, min bid and size must be positive", ErrInvalidOffer)
	case minBidSize.GreaterThan(totalSize):
		return 0, fmt.Errorf("%w: min bid %s above size %s", ErrInvalidOffer, minBidSize, totalSize)
	}

	held, err := c.ledger.BalanceOf(ctx, model.AssetID(oToken), seller)
	if err != nil {
		return 0, fmt.Errorf("inventory: %w", err)
	}
	if held.LessThan(totalSize) {
		return 0, fmt.Errorf("%w: holds %s, offering %s", ErrInsufficientInventory, held, totalSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	staged := cloneBook(c.book)
	id := staged.NextID
	staged.NextID++
	staged.Offers[id] = model.AuctionOffer{
		ID:            id,
		OToken:        oToken,
		BiddingToken:  biddingToken,
		MinPrice:      minPrice,
		MinBidSize:    minBidSize,
		TotalSize:     totalSize,
		AvailableSize: totalSize,
		Seller:        seller,
		Open:          true,
	}
	if err := c.commit(ctx, staged); err != nil {
		return id, err
	}

	slog.Info("auction offer created",
		"id", id,
		"otoken", oToken,
		"size", totalSize.String(),
		"min_price", minPrice.String(),
	)
	return id, nil
}

// CancelOffer closes an offer early. Unsold inventory stays with the
// seller.
func (c *Clearer) CancelOffer(ctx context.Context, caller model.Address, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.book.Offers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOfferNotFound, id)
	}
	if o.Seller != caller {
		return ErrNotSeller
	}
	if !o.Open {
		return fmt.Errorf("%w: %d", ErrOfferClosed, id)
	}
	staged := cloneBook(c.book)
	o.Open = false
	staged.Offers[id] = o
	return c.commit(ctx, staged)
}

// check validates bid against offer given the spend already staged for
// each bidder in the current batch.
func (c *Clearer) check(ctx context.Context, book model.AuctionBook, offer model.AuctionOffer, bid model.Bid, spent map[model.Address]decimal.Decimal) Code {
	if !offer.Open {
		return CodeOfferClosed
	}
	if !bid.SellAmount.IsPositive() || !bid.BuyAmount.IsPositive() ||
		!fixedpoint.IsInteger(bid.SellAmount) || !fixedpoint.IsInteger(bid.BuyAmount) {
		return CodeInvalidAmounts
	}
	if slices.Contains(book.UsedNonces[bid.SignerWallet], bid.Nonce) {
		return CodeNonceUsed
	}
	signer, err := RecoverSigner(bid)
	if err != nil {
		return CodeBadSignature
	}
	if signer != bid.SignerWallet {
		if delegate, ok := book.Authorized[bid.SignerWallet]; !ok || delegate != signer {
			return CodeUnauthorizedSigner
		}
	}
	if bid.BuyAmount.GreaterThan(offer.AvailableSize) {
		return CodeBidTooLarge
	}
	if bid.BuyAmount.LessThan(offer.MinBidSize) && !bid.BuyAmount.Equal(offer.AvailableSize) {
		return CodeBidTooSmall
	}
	price := fixedpoint.MulDivDown(bid.SellAmount, fixedpoint.Pow10(model.OptionDecimals), bid.BuyAmount)
	if price.LessThan(offer.MinPrice) {
		return CodePriceTooLow
	}
	bal, err := c.ledger.BalanceOf(ctx, offer.BiddingToken, bid.SignerWallet)
	if err != nil || bal.LessThan(spent[bid.SignerWallet].Add(bid.SellAmount)) {
		return CodeInsufficientBalance
	}
	return CodeOK
}

// Check dry-runs a single bid against its offer without changing state.
func (c *Clearer) Check(ctx context.Context, bid model.Bid) Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.book.Offers[bid.SwapID]
	if !ok {
		return CodeOfferNotFound
	}
	return c.check(ctx, c.book, o, bid, map[model.Address]decimal.Decimal{})
}

func (c *Clearer) referralFee(book model.AuctionBook, referrer model.Address, sell decimal.Decimal) decimal.Decimal {
	if referrer == model.ZeroAddress {
		return decimal.Zero
	}
	rate, ok := book.ReferralFees[referrer]
	if !ok || rate.IsZero() {
		return decimal.Zero
	}
	return fixedpoint.MulDivDown(sell, rate, decimal.NewFromInt(FeeScale))
}

// SettleOffer applies bids in order against offer id. Either every bid
// settles or none does; the returned error names the first failing bid.
func (c *Clearer) SettleOffer(ctx context.Context, caller model.Address, id uint64, bids []model.Bid) (Settlement, error) {
	if len(bids) == 0 {
		return Settlement{}, ErrNoBids
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offer, ok := c.book.Offers[id]
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %d", ErrOfferNotFound, id)
	}
	if offer.Seller != caller {
		return Settlement{}, ErrNotSeller
	}

	staged := cloneBook(c.book)
	spent := make(map[model.Address]decimal.Decimal)
	var transfers []ledger.Transfer
	res := Settlement{OfferID: id, Filled: decimal.Zero, Proceeds: decimal.Zero, Fees: decimal.Zero}

	for i, bid := range bids {
		if bid.SwapID != id {
			return Settlement{}, fmt.Errorf("bid %d: %w: swap id %d", i, ErrOfferNotFound, bid.SwapID)
		}
		if code := c.check(ctx, staged, offer, bid, spent); code != CodeOK {
			return Settlement{}, fmt.Errorf("bid %d: %w", i, code.Err())
		}

		fee := c.referralFee(staged, bid.Referrer, bid.SellAmount)
		net := bid.SellAmount.Sub(fee)
		transfers = append(transfers, ledger.Transfer{
			Asset: model.AssetID(offer.OToken), From: offer.Seller, To: bid.SignerWallet, Amount: bid.BuyAmount,
		})
		if net.IsPositive() {
			transfers = append(transfers, ledger.Transfer{
				Asset: offer.BiddingToken, From: bid.SignerWallet, To: offer.Seller, Amount: net,
			})
		}
		if fee.IsPositive() {
			transfers = append(transfers, ledger.Transfer{
				Asset: offer.BiddingToken, From: bid.SignerWallet, To: bid.Referrer, Amount: fee,
			})
		}

		spent[bid.SignerWallet] = spent[bid.SignerWallet].Add(bid.SellAmount)
		staged.UsedNonces[bid.SignerWallet] = append(staged.UsedNonces[bid.SignerWallet], bid.Nonce)
		offer.AvailableSize = offer.AvailableSize.Sub(bid.BuyAmount)
		if offer.AvailableSize.IsZero() {
			offer.Open = false
		}

		res.Filled = res.Filled.Add(bid.BuyAmount)
		res.Proceeds = res.Proceeds.Add(net)
		res.Fees = res.Fees.Add(fee)
		res.Bids++
	}

	if err := c.ledger.TransferBatch(ctx, transfers); err != nil {
		return Settlement{}, fmt.Errorf("settle offer %d: %w", id, err)
	}

	staged.Offers[id] = offer
	res.Remaining = offer.AvailableSize
	err := c.commit(ctx, staged)

	slog.Info("auction offer settled",
		"id", id,
		"bids", res.Bids,
		"filled", res.Filled.String(),
		"proceeds", res.Proceeds.String(),
		"remaining", res.Remaining.String(),
	)
	return res, err
}

// Authorize lets delegate sign bids on behalf of signer.
func (c *Clearer) Authorize(ctx context.Context, signer, delegate model.Address) error {
	if delegate == model.ZeroAddress {
		return fmt.Errorf("%w: zero delegate", ErrUnauthorizedSigner)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := cloneBook(c.book)
	staged.Authorized[signer] = delegate
	return c.commit(ctx, staged)
}

// Revoke removes signer's delegate.
func (c *Clearer) Revoke(ctx context.Context, signer model.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := cloneBook(c.book)
	delete(staged.Authorized, signer)
	return c.commit(ctx, staged)
}

// CancelNonces marks nonces as used so bids signed with them can no longer
// settle.
func (c *Clearer) CancelNonces(ctx context.Context, signer model.Address, nonces []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := cloneBook(c.book)
	for _, n := range nonces {
		if !slices.Contains(staged.UsedNonces[signer], n) {
			staged.UsedNonces[signer] = append(staged.UsedNonces[signer], n)
		}
	}
	return c.commit(ctx, staged)
}

// NonceUsed reports whether signer has consumed or cancelled nonce.
func (c *Clearer) NonceUsed(signer model.Address, nonce uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.book.UsedNonces[signer], nonce)
}

// SetReferralFee registers the fee rate (FeeScale units) paid to referrer.
func (c *Clearer) SetReferralFee(ctx context.Context, caller, referrer model.Address, fee decimal.Decimal) error {
	if caller != c.owner {
		return ErrNotOwner
	}
	if fee.IsNegative() || !fixedpoint.IsInteger(fee) || fee.GreaterThanOrEqual(decimal.NewFromInt(MaxReferralFee)) {
		return fmt.Errorf("%w: %s", ErrFeeTooHigh, fee)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := cloneBook(c.book)
	staged.ReferralFees[referrer] = fee
	return c.commit(ctx, staged)
}
