// Package vault implements a round-based options vault: depositors pool an
// asset, the vault writes one option per round against the pooled
// collateral, sells it at auction, and prices shares at every round close.
//
// A Vault serialises every operation behind one mutex. Operations stage
// their changes on a clone of the record, make external calls first, then
// persist and swap the clone in. A failure before the swap leaves the vault
// untouched.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/fees"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/metrics"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/options"
	"github.com/atmx/options-vault/internal/sharemath"
	"github.com/atmx/options-vault/internal/store"
)

// Publisher receives every event after it is committed.
type Publisher interface {
	Publish(e model.Event)
}

// Deps are the collaborators a vault runs against.
type Deps struct {
	Ledger    ledger.Ledger
	Protocol  options.Protocol
	Strikes   options.StrikeSelector
	Pricer    options.Pricer
	Auction   *auction.Clearer
	Store     store.Store
	Publisher Publisher        // optional
	Clock     func() time.Time // optional, defaults to time.Now

	// ReserveBps is the share of lockable collateral kept out of each
	// roll, in basis points. Zero locks everything.
	ReserveBps int64
}

func (d Deps) validate() error {
	switch {
	case d.Ledger == nil, d.Protocol == nil, d.Strikes == nil, d.Pricer == nil, d.Auction == nil, d.Store == nil:
		return errors.New("vault: missing dependency")
	case d.ReserveBps < 0 || d.ReserveBps >= 10_000:
		return fmt.Errorf("vault: reserve %d bps out of range", d.ReserveBps)
	}
	return nil
}

// Vault is one options vault.
type Vault struct {
	mu     sync.Mutex
	rec    *model.VaultRecord
	prices *sharemath.PriceTable

	ledger    ledger.Ledger
	protocol  options.Protocol
	strikes   options.StrikeSelector
	pricer    options.Pricer
	clearer   *auction.Clearer
	store     store.Store
	publisher Publisher
	now       func() time.Time
	reserve   int64
}

// Spec describes a vault to create.
type Spec struct {
	ID      string
	Address model.Address
	Params  model.VaultParams
	Config  model.VaultConfig
	Roles   model.VaultRoles
}

func newVault(deps Deps, rec *model.VaultRecord) *Vault {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Vault{
		rec:       rec,
		prices:    sharemath.PriceTableFrom(rec.Prices),
		ledger:    deps.Ledger,
		protocol:  deps.Protocol,
		strikes:   deps.Strikes,
		pricer:    deps.Pricer,
		clearer:   deps.Auction,
		store:     deps.Store,
		publisher: deps.Publisher,
		now:       now,
		reserve:   deps.ReserveBps,
	}
}

// Create validates spec, persists a fresh record at round 1 and returns
// the vault.
func Create(ctx context.Context, deps Deps, spec Spec) (*Vault, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := spec.Params.Validate(); err != nil {
		return nil, err
	}
	if err := validateConfig(spec.Config); err != nil {
		return nil, err
	}
	if spec.Address == model.ZeroAddress || spec.Roles.Owner == model.ZeroAddress ||
		spec.Roles.Keeper == model.ZeroAddress || spec.Roles.FeeRecipient == model.ZeroAddress {
		return nil, fmt.Errorf("%w: vault, owner, keeper and fee recipient", ErrInvalidAddress)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Roles.Manager == model.ZeroAddress {
		spec.Roles.Manager = spec.Roles.Owner
	}

	now := time.Now
	if deps.Clock != nil {
		now = deps.Clock
	}
	ts := now().UTC()
	rec := &model.VaultRecord{
		ID:          spec.ID,
		Address:     spec.Address,
		Params:      spec.Params,
		Config:      spec.Config,
		Roles:       spec.Roles,
		State:       model.VaultState{Round: 1},
		Receipts:    make(map[model.Address]model.DepositReceipt),
		Withdrawals: make(map[model.Address]model.Withdrawal),
		Shares:      make(map[model.Address]decimal.Decimal),
		Prices:      make(map[uint64]decimal.Decimal),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := deps.Store.CreateVault(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	slog.Info("vault created",
		"vault", rec.ID,
		"asset", rec.Params.Asset,
		"underlying", rec.Params.Underlying,
		"put", rec.Params.IsPut,
	)
	v := newVault(deps, rec.Clone())
	v.observe()
	return v, nil
}

// Open loads an existing vault from the store.
func Open(ctx context.Context, deps Deps, id string) (*Vault, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	rec, err := deps.Store.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}
	v := newVault(deps, rec)
	for r := uint64(1); r < rec.State.Round; r++ {
		if !v.prices.Has(r) {
			return nil, fmt.Errorf("%w: vault %s at round %d has no price for round %d",
				ErrInconsistentRecord, id, rec.State.Round, r)
		}
	}
	return v, nil
}

// ID returns the vault id.
func (v *Vault) ID() string { return v.rec.ID }

// Address returns the vault's ledger account.
func (v *Vault) Address() model.Address { return v.rec.Address }

// Params returns the immutable vault parameters.
func (v *Vault) Params() model.VaultParams { return v.rec.Params }

func (v *Vault) authorize(caller model.Address, allowed ...model.Address) error {
	for _, a := range allowed {
		if a != model.ZeroAddress && caller == a {
			return nil
		}
	}
	return ErrUnauthorized
}

func (v *Vault) event(rec *model.VaultRecord, typ model.EventType, account model.Address) model.Event {
	return model.Event{
		ID:        uuid.New().String(),
		VaultID:   rec.ID,
		Round:     rec.State.Round,
		Type:      typ,
		Account:   account,
		Amount:    decimal.Zero,
		Shares:    decimal.Zero,
		Price:     decimal.Zero,
		Timestamp: v.now().UTC(),
	}
}

// commit persists stage and swaps it in. When applied is true external
// effects already happened, so the in-memory record moves forward even if
// the store rejects the write; the error is still returned.
func (v *Vault) commit(ctx context.Context, stage *model.VaultRecord, prices *sharemath.PriceTable, applied bool, events ...model.Event) error {
	stage.UpdatedAt = v.now().UTC()
	if prices != nil {
		stage.Prices = prices.Entries()
	}

	saveErr := v.store.SaveVault(ctx, stage)
	if saveErr != nil && !applied {
		return fmt.Errorf("%w: %w", ErrPersistence, saveErr)
	}
	v.rec = stage
	if prices != nil {
		v.prices = prices
	}
	v.observe()

	var errs []error
	if saveErr != nil {
		slog.Error("vault save failed after external effects",
			"vault", stage.ID,
			"round", stage.State.Round,
			"err", saveErr,
		)
		errs = append(errs, fmt.Errorf("%w: %w", ErrPersistence, saveErr))
	}
	for i := range events {
		e := events[i]
		if err := v.store.InsertEvent(ctx, &e); err != nil {
			slog.Error("event insert failed", "vault", stage.ID, "type", e.Type, "err", err)
			errs = append(errs, fmt.Errorf("%w: event %s: %w", ErrPersistence, e.Type, err))
			continue
		}
		if v.publisher != nil {
			v.publisher.Publish(e)
		}
	}
	return errors.Join(errs...)
}

// emit records events for operations that change no vault state.
func (v *Vault) emit(ctx context.Context, events ...model.Event) error {
	var errs []error
	for i := range events {
		e := events[i]
		if err := v.store.InsertEvent(ctx, &e); err != nil {
			errs = append(errs, fmt.Errorf("%w: event %s: %w", ErrPersistence, e.Type, err))
			continue
		}
		if v.publisher != nil {
			v.publisher.Publish(e)
		}
	}
	return errors.Join(errs...)
}

func (v *Vault) observe() {
	dec := v.rec.Params.Decimals
	id := v.rec.ID
	metrics.VaultRound.WithLabelValues(id).Set(float64(v.rec.State.Round))
	metrics.VaultLocked.WithLabelValues(id).Set(metrics.Units(v.rec.State.LockedAmount, dec))
	metrics.VaultPending.WithLabelValues(id).Set(metrics.Units(v.rec.State.TotalPending, dec))
	if v.rec.State.Round > 1 {
		if p, ok := v.prices.Price(v.rec.State.Round - 1); ok {
			metrics.VaultPricePerShare.WithLabelValues(id).Set(metrics.Units(p, dec))
		}
	}
}

func totalSupply(rec *model.VaultRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range rec.Shares {
		sum = sum.Add(s)
	}
	return sum
}

func moveShares(rec *model.VaultRecord, from, to model.Address, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	bal := rec.Shares[from]
	if bal.LessThan(amount) {
		panic(fmt.Sprintf("vault: share balance of %s below %s", from.Hex(), amount))
	}
	rec.Shares[from] = bal.Sub(amount)
	rec.Shares[to] = rec.Shares[to].Add(amount)
}

func (v *Vault) assetBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := v.ledger.BalanceOf(ctx, v.rec.Params.Asset, v.rec.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance: %w", ErrExternal, err)
	}
	return b, nil
}

func (v *Vault) totalBalance(ctx context.Context, rec *model.VaultRecord) (decimal.Decimal, error) {
	b, err := v.assetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Add(rec.State.LockedAmount), nil
}

func validAmount(a decimal.Decimal) error {
	if !a.IsPositive() || !a.Equal(a.Truncate(0)) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, a)
	}
	return nil
}

// PremiumDiscountScale is the denominator of Config.PremiumDiscount.
const PremiumDiscountScale = 1000

func validateConfig(c model.VaultConfig) error {
	if !c.Period.Valid() {
		return fmt.Errorf("%w: period %q", ErrInvalidConfig, c.Period)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if err := (fees.Rates{Management: c.ManagementFee, Performance: c.PerformanceFee}).Validate(); err != nil {
		return err
	}
	if !c.PremiumDiscount.IsPositive() || c.PremiumDiscount.GreaterThanOrEqual(decimal.NewFromInt(PremiumDiscountScale)) {
		return fmt.Errorf("%w: premium discount %s", ErrInvalidConfig, c.PremiumDiscount)
	}
	if !c.AuctionMinBidSize.IsPositive() {
		return fmt.Errorf("%w: auction min bid size", ErrInvalidConfig)
	}
	return nil
}
