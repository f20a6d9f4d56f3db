package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/fees"
	"github.com/atmx/options-vault/internal/model"
)

// MaxDelay bounds the wait between commit and roll.
const MaxDelay = 24 * time.Hour

// update runs an owner-only config change.
func (v *Vault) update(ctx context.Context, caller model.Address, what string, apply func(stage *model.VaultRecord) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Owner); err != nil {
		return err
	}
	stage := v.rec.Clone()
	if err := apply(stage); err != nil {
		return err
	}
	slog.Info("vault config changed", "vault", stage.ID, "setting", what)
	return v.commit(ctx, stage, nil, false, v.event(stage, model.EventConfigChanged, caller))
}

// SetCap changes the deposit cap.
func (v *Vault) SetCap(ctx context.Context, caller model.Address, cap decimal.Decimal) error {
	return v.update(ctx, caller, "cap", func(s *model.VaultRecord) error {
		if err := validAmount(cap); err != nil {
			return err
		}
		if cap.LessThan(s.Params.MinimumSupply) {
			return fmt.Errorf("%w: cap below minimum supply", ErrInvalidConfig)
		}
		s.Params.Cap = cap
		return nil
	})
}

// SetFeeRecipient changes where fees are paid.
func (v *Vault) SetFeeRecipient(ctx context.Context, caller, recipient model.Address) error {
	return v.update(ctx, caller, "fee_recipient", func(s *model.VaultRecord) error {
		if recipient == model.ZeroAddress {
			return fmt.Errorf("%w: fee recipient", ErrInvalidAddress)
		}
		if recipient == s.Roles.FeeRecipient {
			return fmt.Errorf("%w: fee recipient unchanged", ErrInvalidConfig)
		}
		s.Roles.FeeRecipient = recipient
		return nil
	})
}

// SetManagementFee takes an annual rate and stores it per round.
func (v *Vault) SetManagementFee(ctx context.Context, caller model.Address, annual decimal.Decimal) error {
	return v.update(ctx, caller, "management_fee", func(s *model.VaultRecord) error {
		rate, err := fees.PeriodRate(annual, s.Config.Period)
		if err != nil {
			return err
		}
		s.Config.ManagementFee = rate
		return nil
	})
}

// SetPerformanceFee changes the share of round gains paid as fee.
func (v *Vault) SetPerformanceFee(ctx context.Context, caller model.Address, rate decimal.Decimal) error {
	return v.update(ctx, caller, "performance_fee", func(s *model.VaultRecord) error {
		if err := fees.ValidateRate(rate); err != nil {
			return err
		}
		s.Config.PerformanceFee = rate
		return nil
	})
}

// SetKeeper changes the keeper role.
func (v *Vault) SetKeeper(ctx context.Context, caller, keeper model.Address) error {
	return v.update(ctx, caller, "keeper", func(s *model.VaultRecord) error {
		if keeper == model.ZeroAddress {
			return fmt.Errorf("%w: keeper", ErrInvalidAddress)
		}
		s.Roles.Keeper = keeper
		return nil
	})
}

// SetManager changes the manager role.
func (v *Vault) SetManager(ctx context.Context, caller, manager model.Address) error {
	return v.update(ctx, caller, "manager", func(s *model.VaultRecord) error {
		if manager == model.ZeroAddress {
			return fmt.Errorf("%w: manager", ErrInvalidAddress)
		}
		s.Roles.Manager = manager
		return nil
	})
}

// SetDelay changes the wait between commit and roll.
func (v *Vault) SetDelay(ctx context.Context, caller model.Address, delay time.Duration) error {
	return v.update(ctx, caller, "delay", func(s *model.VaultRecord) error {
		if delay < 0 || delay > MaxDelay {
			return fmt.Errorf("%w: delay %s", ErrInvalidConfig, delay)
		}
		s.Config.Delay = delay
		return nil
	})
}

// SetPremiumDiscount changes the auction floor as per mille of premium.
func (v *Vault) SetPremiumDiscount(ctx context.Context, caller model.Address, discount decimal.Decimal) error {
	return v.update(ctx, caller, "premium_discount", func(s *model.VaultRecord) error {
		if !discount.IsPositive() || discount.GreaterThanOrEqual(decimal.NewFromInt(PremiumDiscountScale)) {
			return fmt.Errorf("%w: premium discount %s", ErrInvalidConfig, discount)
		}
		s.Config.PremiumDiscount = discount
		return nil
	})
}

// SetMinBidSize changes the auction's minimum bid in option units.
func (v *Vault) SetMinBidSize(ctx context.Context, caller model.Address, size decimal.Decimal) error {
	return v.update(ctx, caller, "auction_min_bid_size", func(s *model.VaultRecord) error {
		if err := validAmount(size); err != nil {
			return err
		}
		s.Config.AuctionMinBidSize = size
		return nil
	})
}

// SetStrikeOverride fixes the strike of the next commit in this round.
// Manager only.
func (v *Vault) SetStrikeOverride(ctx context.Context, caller model.Address, strike decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authorize(caller, v.rec.Roles.Manager); err != nil {
		return err
	}
	if err := validAmount(strike); err != nil {
		return err
	}
	stage := v.rec.Clone()
	stage.Config.StrikeOverride = model.StrikeOverride{Round: stage.State.Round, Strike: strike}
	e := v.event(stage, model.EventConfigChanged, caller)
	e.Price = strike
	return v.commit(ctx, stage, nil, false, e)
}
