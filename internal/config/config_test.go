package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/atmx/options-vault/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "vault.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "usdc-weth-put", cfg.Vault.ID)
	assert.True(t, cfg.Vault.Params.IsPut)
	assert.Equal(t, int32(6), cfg.Vault.Params.Decimals)
	assert.Equal(t, model.AssetID("USDC"), cfg.Vault.Params.Asset)
	assert.True(t, cfg.Vault.Params.MinimumSupply.Equal(decimal.NewFromInt(10_000000)))
	assert.Equal(t, time.Hour, cfg.Vault.Delay)
	assert.True(t, cfg.Options.SpotPrices["WETH"].Equal(decimal.NewFromInt(2000_00000000)))
	assert.True(t, cfg.Server.Faucet)

	vc, err := cfg.VaultConfig()
	require.NoError(t, err)
	assert.True(t, vc.ManagementFee.Equal(decimal.NewFromInt(38356)), "per-round rate %s", vc.ManagementFee)
	assert.True(t, vc.PerformanceFee.Equal(decimal.NewFromInt(10_000000)))
	assert.Equal(t, cfg.Vault.Manager, cfg.Roles().Manager)
	assert.Equal(t, cfg.Vault.Owner, cfg.AuctionOwner())
}

const minimal = `
vault:
  address: "0x00000000000000000000000000000000000a0017"
  params: {asset: USDC, underlying: WETH, decimals: 6, minimum_supply: 1, cap: 1000}
  owner: "0x000000000000000000000000000000000000a0e2"
  keeper: "0x00000000000000000000000000000000004ee9e2"
  fee_recipient: "0x0000000000000000000000000000000000000fee"
options:
  account: "0x0000000000000000000000000000000000009a07"
`

func TestDefaultsFillGaps(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	assert.Equal(t, model.PeriodWeekly, cfg.Vault.Period)
	assert.True(t, cfg.Vault.PremiumDiscount.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, cfg.Vault.Owner, cfg.Roles().Manager)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://vault@localhost/vault")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://vault@localhost/vault", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
	lvl, _ := cfg.LogLevel()
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		require.NoError(t, yamlInto(cfg, minimal))
		require.NoError(t, cfg.Validate())
		return cfg
	}
	cases := map[string]func(c *Config){
		"port":       func(c *Config) { c.Server.Port = "http" },
		"level":      func(c *Config) { c.Logging.Level = "loud" },
		"format":     func(c *Config) { c.Logging.Format = "xml" },
		"redis only": func(c *Config) { c.Store.RedisURL = "redis://x" },
		"owner":      func(c *Config) { c.Vault.Owner = model.ZeroAddress },
		"period":     func(c *Config) { c.Vault.Period = "daily" },
		"delay":      func(c *Config) { c.Vault.Delay = 48 * time.Hour },
		"fee":        func(c *Config) { c.Vault.PerformanceFee = decimal.NewFromInt(100_000000) },
		"discount":   func(c *Config) { c.Vault.PremiumDiscount = decimal.NewFromInt(1000) },
		"step":       func(c *Config) { c.Options.StrikeStep = decimal.Zero },
		"otm":        func(c *Config) { c.Options.OTMBps = 10_000 },
		"reserve":    func(c *Config) { c.Vault.ReserveBps = 10_000 },
		"spot":       func(c *Config) { c.Options.SpotPrices = map[string]decimal.Decimal{"WETH": decimal.Zero} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := base()
	cfg.Vault.Params.Cap = decimal.Zero
	assert.ErrorIs(t, cfg.Validate(), model.ErrInvalidParams)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "vault: [unclosed"))
	assert.Error(t, err)

	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid, "defaults alone lack the vault addresses")
}

func yamlInto(cfg *Config, body string) error {
	return yaml.Unmarshal([]byte(body), cfg)
}
