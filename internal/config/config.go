// Package config loads the server configuration from a YAML file, with
// environment overrides for deployment settings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/options-vault/internal/fees"
	"github.com/atmx/options-vault/internal/model"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full server configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Store   Store   `yaml:"store"`
	Vault   Vault   `yaml:"vault"`
	Options Options `yaml:"options"`
	Auction Auction `yaml:"auction"`
}

type Server struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Faucet enables owner-only minting of test balances on the in-memory
	// ledger.
	Faucet bool `yaml:"faucet"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type Store struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Migrate     bool          `yaml:"migrate"`
}

// Vault describes the vault served by this process. It is created on first
// start and opened from the store afterwards.
type Vault struct {
	ID           string            `yaml:"id"`
	Address      model.Address     `yaml:"address"`
	Params       model.VaultParams `yaml:"params"`
	Owner        model.Address     `yaml:"owner"`
	Keeper       model.Address     `yaml:"keeper"`
	Manager      model.Address     `yaml:"manager"`
	FeeRecipient model.Address     `yaml:"fee_recipient"`

	Period model.Period  `yaml:"period"`
	Delay  time.Duration `yaml:"delay"`
	// ManagementFee is annual; it is converted to a per-round rate.
	ManagementFee     decimal.Decimal `yaml:"management_fee"`
	PerformanceFee    decimal.Decimal `yaml:"performance_fee"`
	PremiumDiscount   decimal.Decimal `yaml:"premium_discount"`
	AuctionMinBidSize decimal.Decimal `yaml:"auction_min_bid_size"`
	// ReserveBps of free collateral stays out of each roll.
	ReserveBps int64 `yaml:"reserve_bps"`
}

// Options configures the simulated options protocol, strike selection
// and premium quotes.
type Options struct {
	Account       model.Address              `yaml:"account"`
	DisputePeriod time.Duration              `yaml:"dispute_period"`
	StrikeStep    decimal.Decimal            `yaml:"strike_step"`
	OTMBps        int64                      `yaml:"otm_bps"`
	Delta         decimal.Decimal            `yaml:"delta"`
	PremiumBps    int64                      `yaml:"premium_bps"`
	SpotPrices    map[string]decimal.Decimal `yaml:"spot_prices"`
}

type Auction struct {
	// Owner administers referral fees. Defaults to the vault owner.
	Owner model.Address `yaml:"owner"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Store:   Store{CacheTTL: 30 * time.Second, Migrate: true},
		Vault: Vault{
			Period:            model.PeriodWeekly,
			Delay:             time.Hour,
			ManagementFee:     decimal.Zero,
			PerformanceFee:    decimal.Zero,
			PremiumDiscount:   decimal.NewFromInt(900),
			AuctionMinBidSize: decimal.NewFromInt(1),
		},
		Options: Options{
			DisputePeriod: 2 * time.Hour,
			StrikeStep:    decimal.NewFromInt(100_00000000),
			OTMBps:        1000,
			PremiumBps:    100,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	overrideWithEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Port = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		cfg.Store.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_URL"); ok {
		cfg.Store.RedisURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the settings the server cannot start without. Vault
// accounting rules are checked again when the vault is created.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		add("server.port %q", c.Server.Port)
	}
	if _, err := c.LogLevel(); err != nil {
		add("logging.level %q", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		add("logging.format %q", f)
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		add("store.redis_url requires store.database_url")
	}

	v := c.Vault
	if err := v.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, addr := range map[string]model.Address{
		"vault.address": v.Address, "vault.owner": v.Owner,
		"vault.keeper": v.Keeper, "vault.fee_recipient": v.FeeRecipient,
		"options.account": c.Options.Account,
	} {
		if addr == model.ZeroAddress {
			add("%s is required", name)
		}
	}
	if !v.Period.Valid() {
		add("vault.period %q", v.Period)
	}
	if v.Delay < 0 || v.Delay > 24*time.Hour {
		add("vault.delay %s", v.Delay)
	}
	if err := fees.ValidateRate(v.ManagementFee); err != nil {
		errs = append(errs, fmt.Errorf("vault.management_fee: %w", err))
	}
	if err := fees.ValidateRate(v.PerformanceFee); err != nil {
		errs = append(errs, fmt.Errorf("vault.performance_fee: %w", err))
	}
	if !v.PremiumDiscount.IsPositive() || v.PremiumDiscount.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		add("vault.premium_discount %s", v.PremiumDiscount)
	}
	if !v.AuctionMinBidSize.IsPositive() {
		add("vault.auction_min_bid_size %s", v.AuctionMinBidSize)
	}
	if v.ReserveBps < 0 || v.ReserveBps >= 10_000 {
		add("vault.reserve_bps %d", v.ReserveBps)
	}

	o := c.Options
	if o.DisputePeriod < 0 {
		add("options.dispute_period %s", o.DisputePeriod)
	}
	if !o.StrikeStep.IsPositive() {
		add("options.strike_step %s", o.StrikeStep)
	}
	if o.OTMBps < 0 || o.OTMBps >= 10_000 {
		add("options.otm_bps %d", o.OTMBps)
	}
	if o.PremiumBps <= 0 {
		add("options.premium_bps %d", o.PremiumBps)
	}
	for asset, p := range o.SpotPrices {
		if !p.IsPositive() {
			add("options.spot_prices.%s %s", asset, p)
		}
	}
	return errors.Join(errs...)
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level)))
	return l, err
}

// VaultConfig converts the vault section into the vault's adjustable
// settings, turning the annual management fee into a per-round rate.
func (c *Config) VaultConfig() (model.VaultConfig, error) {
	perRound, err := fees.PeriodRate(c.Vault.ManagementFee, c.Vault.Period)
	if err != nil {
		return model.VaultConfig{}, err
	}
	return model.VaultConfig{
		Period:            c.Vault.Period,
		Delay:             c.Vault.Delay,
		ManagementFee:     perRound,
		PerformanceFee:    c.Vault.PerformanceFee,
		PremiumDiscount:   c.Vault.PremiumDiscount,
		AuctionMinBidSize: c.Vault.AuctionMinBidSize,
	}, nil
}

// Roles returns the vault's privileged accounts. The manager defaults to
// the owner.
func (c *Config) Roles() model.VaultRoles {
	r := model.VaultRoles{
		Owner:        c.Vault.Owner,
		Keeper:       c.Vault.Keeper,
		Manager:      c.Vault.Manager,
		FeeRecipient: c.Vault.FeeRecipient,
	}
	if r.Manager == model.ZeroAddress {
		r.Manager = r.Owner
	}
	return r
}

// AuctionOwner returns the auction administrator.
func (c *Config) AuctionOwner() model.Address {
	if c.Auction.Owner != model.ZeroAddress {
		return c.Auction.Owner
	}
	return c.Vault.Owner
}
